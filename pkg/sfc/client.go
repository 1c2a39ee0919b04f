package sfc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

const (
	loginPath      = "/System/Login.jsp"
	failResultPath = "/L10_Report/Manufacture/fail_result_new.jsp"

	// groupName is the fixed set of report station groups requested from
	// the fail-result report.
	groupName = "'AST','FCT','FLA','FLB','FLC','FTS','IOT','NVL','PRET','RIN'"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36"

	sessionTTL = 30 * time.Minute
)

type adapter struct{}

func (a adapter) format(s string, i ...interface{}) string {
	builder := strings.Builder{}
	builder.WriteString(s)
	for _, x := range i {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", x))
	}
	return builder.String()
}

func (a adapter) Error(s string, i ...interface{}) {
	logrus.Error(a.format(s, i...))
}

func (a adapter) Info(s string, i ...interface{}) {
	logrus.Info(a.format(s, i...))
}

func (a adapter) Debug(s string, i ...interface{}) {
	logrus.Debug(a.format(s, i...))
}

func (a adapter) Warn(s string, i ...interface{}) {
	logrus.Warn(a.format(s, i...))
}

var _ retryablehttp.LeveledLogger = adapter{}

// Client fetches fail-result reports from the shop-floor-control server.
// The login session is cached and renewed when it ages out or a fetch
// comes back unusable.
type Client struct {
	baseURL     string
	username    string
	password    string
	logger      *logrus.Entry
	configAgent *config.Agent

	httpClient *http.Client

	mu         sync.Mutex
	loggedInAt time.Time
}

func NewClient(baseURL, username, password string, configAgent *config.Agent, logger *logrus.Entry) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.Logger = adapter{}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		username:    username,
		password:    password,
		logger:      logger,
		configAgent: configAgent,
		httpClient:  retryClient.StandardClient(),
	}
}

// login posts the credential form and installs a fresh cookie jar holding
// the session cookie.
func (c *Client) login(ctx context.Context) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("could not create cookie jar: %w", err)
	}
	c.httpClient.Jar = jar

	form := url.Values{
		"Uname": {c.username},
		"Pwd":   {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("could not create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("got unexpected http %d status code from login", resp.StatusCode)
	}
	c.loggedInAt = time.Now()
	return nil
}

// ensureSession logs in when there is no session yet, the session aged out,
// or the caller forces a renewal. Callers must hold c.mu.
func (c *Client) ensureSession(ctx context.Context, force bool) error {
	if !force && !c.loggedInAt.IsZero() && time.Since(c.loggedInAt) <= sessionTTL {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) fetchFailResultHTML(ctx context.Context, from, to time.Time) (string, error) {
	form := url.Values{
		"FromDate":     {from.Format("2006/01/02")},
		"FromTime":     {from.Format("15:04")},
		"ToDate":       {to.Format("2006/01/02")},
		"ToTime":       {to.Format("15:04")},
		"ModelName":    {"ALL"},
		"MONumber":     {""},
		"GroupName":    {groupName},
		"TestResult":   {"ALL"},
		"SerialNumber": {""},
		"StationID":    {""},
		"ErrorCode":    {""},
		"ErrorDesc":    {""},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+failResultPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("could not create fail-result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fail-result request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("got unexpected http %d status code from fail-result report", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read fail-result response: %w", err)
	}
	return string(body), nil
}

// FetchFailResult fetches the fail-result report HTML for the widened range
// [start - extend, end + extend]. On a failed fetch it renews the session
// once and retries.
func (c *Client) FetchFailResult(ctx context.Context, start, end time.Time) (string, error) {
	cfg := c.configAgent.Config()
	from := start.Add(-time.Duration(cfg.ExtendHours) * time.Hour)
	to := end.Add(time.Duration(cfg.ExtendHours) * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureSession(ctx, false); err != nil {
		return "", err
	}
	html, err := c.fetchFailResultHTML(ctx, from, to)
	if err == nil {
		return html, nil
	}
	c.logger.WithError(err).Warn("Fail-result fetch failed; renewing session and retrying.")
	if err := c.ensureSession(ctx, true); err != nil {
		return "", err
	}
	return c.fetchFailResultHTML(ctx, from, to)
}

// FetchRows fetches and parses test event rows for [start, end]. The report
// is requested over a widened window and filtered back down so events whose
// report bucketing straddles the boundary are not lost.
func (c *Client) FetchRows(ctx context.Context, start, end time.Time) ([]api.TestEventRow, error) {
	html, err := c.FetchFailResult(ctx, start, end)
	if err != nil {
		return nil, err
	}
	cfg := c.configAgent.Config()
	rows := ParseFailResult(html, &start, &end, cfg.Location())
	c.logger.WithField("rows", len(rows)).Debug("Parsed fail-result report.")
	return rows, nil
}
