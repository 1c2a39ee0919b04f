package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	prowConfig "sigs.k8s.io/prow/pkg/config"
	"sigs.k8s.io/prow/pkg/flagutil"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	"sigs.k8s.io/prow/pkg/metrics"
	"sigs.k8s.io/prow/pkg/simplifypath"

	"github.com/l10-factory/sfc-tools/pkg/bonepile"
	"github.com/l10-factory/sfc-tools/pkg/config"
	"github.com/l10-factory/sfc-tools/pkg/dashboard"
	"github.com/l10-factory/sfc-tools/pkg/sfc"
)

type options struct {
	logLevel    string
	port        int
	gracePeriod time.Duration

	configPath     string
	bonepileDBPath string

	sfcBaseURL  string
	sfcUsername string
	sfcPassword string
}

func gatherOptions() (options, error) {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	fs.IntVar(&o.port, "port", 8080, "Port to run the server on")
	fs.DurationVar(&o.gracePeriod, "gracePeriod", time.Second*10, "Grace period for server shutdown")
	fs.StringVar(&o.configPath, "config-path", "", "Path to the analytics configuration file. Defaults apply when empty or missing.")
	fs.StringVar(&o.bonepileDBPath, "bonepile-db-path", "bonepile.db", "Path to the bonepile serial database")
	fs.StringVar(&o.sfcBaseURL, "sfc-base-url", "http://10.16.137.110", "Base URL of the shop-floor-control server")
	fs.StringVar(&o.sfcUsername, "sfc-username", os.Getenv("SFC_USER"), "Username for the shop-floor-control server. Defaults to $SFC_USER.")
	fs.StringVar(&o.sfcPassword, "sfc-password", os.Getenv("SFC_PWD"), "Password for the shop-floor-control server. Defaults to $SFC_PWD.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return o, fmt.Errorf("failed to parse flags: %w", err)
	}
	return o, nil
}

func validateOptions(o options) error {
	_, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	if o.sfcBaseURL == "" {
		return fmt.Errorf("--sfc-base-url is required")
	}
	if o.sfcUsername == "" || o.sfcPassword == "" {
		return fmt.Errorf("--sfc-username and --sfc-password (or $SFC_USER/$SFC_PWD) are required")
	}
	return nil
}

func l(fragment string, children ...simplifypath.Node) simplifypath.Node {
	return simplifypath.L(fragment, children...)
}

var apiMetrics = metrics.NewMetrics("sfc_analytics")

func main() {
	logrusutil.ComponentInit()
	o, err := gatherOptions()
	if err != nil {
		logrus.WithError(err).Fatal("failed to gather options")
	}
	if err := validateOptions(o); err != nil {
		logrus.WithError(err).Fatal("invalid options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)

	configAgent, err := config.NewAgent(o.configPath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load configuration")
	}

	store, err := bonepile.OpenStore(o.bonepileDBPath)
	if err != nil {
		logrus.WithError(err).Fatal("could not open bonepile database")
	}
	interrupts.OnInterrupt(func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close bonepile database.")
		}
	})
	bonepileIndex := bonepile.NewIndex(store, logrus.WithField("component", "bonepile"))

	client := sfc.NewClient(o.sfcBaseURL, o.sfcUsername, o.sfcPassword, configAgent, logrus.WithField("component", "sfc"))
	server := dashboard.NewServer(client, configAgent, bonepileIndex, logrus.WithField("component", "dashboard"))

	metrics.ExposeMetrics("sfc-analytics", prowConfig.PushGateway{}, flagutil.DefaultMetricsPort)
	simplifier := simplifypath.NewSimplifier(l("", // shadow element mimicking the root
		l("api",
			l("health"),
			l("query"),
			l("sn-list"),
			l("error-stats"),
			l("error-stats-sn-list"),
			l("fail_result"),
			l("bonepile",
				l("status"),
				l("merge"),
			),
			l("config",
				l("pass-rules"),
			),
		),
	))
	handler := metrics.TraceHandler(simplifier, apiMetrics.HTTPRequestDuration, apiMetrics.HTTPResponseSize)

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(o.port),
		Handler: handler(server.Router()),
	}
	interrupts.ListenAndServe(httpServer, o.gracePeriod)
	logrus.Debug("Server ready.")
	interrupts.WaitForGracefulShutdown()
}
