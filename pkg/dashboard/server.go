// Package dashboard serves the analytics HTTP API: range queries over shop
// floor test events, the error-statistics tables, and the drill-down serial
// lists both of them back. The last computed result of each kind is cached
// so drill-downs resolve against exactly the aggregates the client is
// looking at.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l10-factory/sfc-tools/pkg/analytics"
	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/bonepile"
	"github.com/l10-factory/sfc-tools/pkg/config"
	"github.com/l10-factory/sfc-tools/pkg/errorstats"
	"github.com/l10-factory/sfc-tools/pkg/sfc"
)

var queriesMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "sfc_analytics_queries_total",
	Help: "Number of analytics queries served, by endpoint and status.",
}, []string{"endpoint", "status"})

func init() {
	prometheus.MustRegister(queriesMetric)
}

// RowSource supplies test event rows for a time range. The production
// implementation is the shop-floor-control client; tests substitute a
// canned source.
type RowSource interface {
	FetchRows(ctx context.Context, start, end time.Time) ([]api.TestEventRow, error)
}

type Server struct {
	logger      *logrus.Entry
	source      RowSource
	configAgent *config.Agent
	bonepile    *bonepile.Index

	queryLock       sync.Mutex
	lastQueryResult *analytics.Result

	errorStatsLock       sync.Mutex
	lastErrorStatsResult *errorstats.Result
}

func NewServer(source RowSource, configAgent *config.Agent, bonepileIndex *bonepile.Index, logger *logrus.Entry) *Server {
	return &Server{
		logger:      logger,
		source:      source,
		configAgent: configAgent,
		bonepile:    bonepileIndex,
	}
}

// Router wires every API route onto a mux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/query", s.queryHandler)
	mux.HandleFunc("/api/sn-list", s.snListHandler)
	mux.HandleFunc("/api/error-stats", s.errorStatsHandler)
	mux.HandleFunc("/api/error-stats-sn-list", s.errorStatsSNListHandler)
	mux.HandleFunc("/api/fail_result", s.failResultHandler)
	mux.HandleFunc("/api/bonepile/status", s.bonepileStatusHandler)
	mux.HandleFunc("/api/bonepile/merge", s.bonepileMergeHandler)
	mux.HandleFunc("/api/config/pass-rules", s.passRulesHandler)
	return mux
}

var requestTimeFormats = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseRequestTime parses a request boundary timestamp. A bare date on the
// end boundary stretches to the last second of that day.
func parseRequestTime(s string, isEnd bool, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	for _, format := range requestTimeFormats {
		t, err := time.ParseInLocation(format, s, loc)
		if err != nil {
			continue
		}
		if format == "2006-01-02" && isEnd {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("could not parse timestamp %q", s)
}

func normalizeAggregation(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.AggregationWeekly:
		return config.AggregationWeekly
	case config.AggregationMonthly:
		return config.AggregationMonthly
	default:
		return config.AggregationDaily
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *logrus.Entry) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string, logger *logrus.Entry) {
	writeJSON(w, status, map[string]any{"error": message}, logger)
}

type rangeRequest struct {
	StartDatetime string `json:"start_datetime"`
	EndDatetime   string `json:"end_datetime"`
	Aggregation   string `json:"aggregation"`
	TopKErrors    int    `json:"top_k_errors"`
}

// parseRange decodes and validates the start/end window of a request body.
func (s *Server) parseRange(req *rangeRequest) (start, end time.Time, err error) {
	loc := s.configAgent.Config().Location()
	start, err = parseRequestTime(req.StartDatetime, false, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_datetime and end_datetime required (YYYY-MM-DD HH:MM)")
	}
	end, err = parseRequestTime(req.EndDatetime, true, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_datetime and end_datetime required (YYYY-MM-DD HH:MM)")
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end must be after start")
	}
	return start, end, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true}, s.logger)
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		queriesMetric.WithLabelValues("query", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	defer r.Body.Close()

	start, end, err := s.parseRange(&req)
	if err != nil {
		queriesMetric.WithLabelValues("query", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	aggregation := normalizeAggregation(req.Aggregation)

	rows, err := s.source.FetchRows(r.Context(), start, end)
	if err != nil {
		queriesMetric.WithLabelValues("query", "upstream_error").Inc()
		s.logger.WithError(err).Error("Failed to fetch test events.")
		writeError(w, http.StatusBadGateway, "SFC API request failed (login or fail_result)", s.logger)
		return
	}

	cfg := s.configAgent.Config()
	result := analytics.ComputeAll(rows, aggregation, cfg, s.bonepile)

	s.queryLock.Lock()
	s.lastQueryResult = result
	s.queryLock.Unlock()
	queriesMetric.WithLabelValues("query", "ok").Inc()

	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*analytics.Result
	}{OK: true, Result: result}, s.logger)
}

type snListRequest struct {
	Metric      string `json:"metric"`
	SKU         string `json:"sku"`
	Period      string `json:"period"`
	Station     string `json:"station"`
	Outcome     string `json:"outcome"`
	Aggregation string `json:"aggregation"`
}

func (s *Server) snListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	var req snListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	defer r.Body.Close()

	s.queryLock.Lock()
	result := s.lastQueryResult
	s.queryLock.Unlock()
	if result == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Apply filter first", "count": 0, "rows": []analytics.SNItem{},
		}, s.logger)
		return
	}

	metric := strings.ToLower(strings.TrimSpace(req.Metric))
	if metric == "" {
		metric = "total"
	}
	outcome := strings.ToLower(strings.TrimSpace(req.Outcome))
	if outcome != "pass" && outcome != "fail" {
		outcome = ""
	}
	items := analytics.ComputeSNList(result, analytics.SNListOptions{
		Metric:      metric,
		SKU:         strings.TrimSpace(req.SKU),
		Period:      strings.TrimSpace(req.Period),
		Station:     strings.TrimSpace(req.Station),
		Outcome:     outcome,
		Aggregation: normalizeAggregation(req.Aggregation),
	}, s.configAgent.Config())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(items), "rows": items}, s.logger)
}

func (s *Server) errorStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		queriesMetric.WithLabelValues("error-stats", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	defer r.Body.Close()

	start, end, err := s.parseRange(&req)
	if err != nil {
		queriesMetric.WithLabelValues("error-stats", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	rows, err := s.source.FetchRows(r.Context(), start, end)
	if err != nil {
		queriesMetric.WithLabelValues("error-stats", "upstream_error").Inc()
		s.logger.WithError(err).Error("Failed to fetch test events.")
		writeError(w, http.StatusBadGateway, "SFC API request failed (login or fail_result)", s.logger)
		return
	}

	cfg := s.configAgent.Config()
	result := errorstats.Compute(rows, req.TopKErrors, cfg)

	s.errorStatsLock.Lock()
	s.lastErrorStatsResult = result
	s.errorStatsLock.Unlock()
	queriesMetric.WithLabelValues("error-stats", "ok").Inc()

	topErrors := make([]string, 0, 3)
	for i, te := range result.TopErrors {
		if i == 3 {
			break
		}
		topErrors = append(topErrors, te.ErrorKey)
	}
	topStationGroup, topStationFails := "-", 0
	for _, row := range result.FailByStation {
		if row.FailEvents > topStationFails {
			topStationGroup, topStationFails = row.StationGroup, row.FailEvents
		}
	}
	topStation := map[string]any{"station_group": topStationGroup, "fail_events": topStationFails}
	writeJSON(w, http.StatusOK, struct {
		OK              bool           `json:"ok"`
		TotalFailEvents int            `json:"total_fail_events"`
		TotalUniqueSNs  int            `json:"total_unique_trays"`
		Top3Errors      []string       `json:"top_3_errors"`
		TopStation      map[string]any `json:"top_station"`
		*errorstats.Result
	}{
		OK:              true,
		TotalFailEvents: result.TotalFailEvents(),
		TotalUniqueSNs:  result.TotalUniqueTrays(),
		Top3Errors:      topErrors,
		TopStation:      topStation,
		Result:          result,
	}, s.logger)
}

type errorStatsSNListRequest struct {
	Metric          string `json:"metric"`
	StationGroup    string `json:"station_group"`
	ErrorCode       string `json:"error_code"`
	TTCBucket       string `json:"ttc_bucket"`
	StationInstance string `json:"station_instance"`
	DrillType       string `json:"drill_type"`
}

func (s *Server) errorStatsSNListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	var req errorStatsSNListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	defer r.Body.Close()

	s.errorStatsLock.Lock()
	result := s.lastErrorStatsResult
	s.errorStatsLock.Unlock()
	if result == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Apply filter and load Error Stats first", "count": 0, "rows": []errorstats.SNListItem{},
		}, s.logger)
		return
	}

	items := result.ComputeSNList(errorstats.SNListOptions{
		Metric:          strings.TrimSpace(req.Metric),
		StationGroup:    strings.TrimSpace(req.StationGroup),
		ErrorCode:       strings.TrimSpace(req.ErrorCode),
		TTCBucket:       strings.TrimSpace(req.TTCBucket),
		StationInstance: strings.TrimSpace(req.StationInstance),
		DrillType:       strings.TrimSpace(req.DrillType),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(items), "rows": items}, s.logger)
}

// failResultHandler returns the raw parsed rows plus a CSV rendering, with
// no aggregation. Kept for clients that postprocess the report themselves.
func (s *Server) failResultHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	defer r.Body.Close()

	start, end, err := s.parseRange(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	rows, err := s.source.FetchRows(r.Context(), start, end)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch test events.")
		writeError(w, http.StatusBadGateway, "SFC API request failed (login or fail_result)", s.logger)
		return
	}
	csvData, err := sfc.RowsToCSV(rows, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "rows": rows, "csv": csvData, "count": len(rows),
	}, s.logger)
}

func (s *Server) bonepileStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	count, err := s.bonepile.Count()
	if err != nil {
		s.logger.WithError(err).Error("Failed to count bonepile serials.")
		writeError(w, http.StatusInternalServerError, "could not read bonepile status", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "sn_count": count,
	}, s.logger)
}

type bonepileMergeRequest struct {
	SNs []string `json:"sns"`
}

// bonepileMergeHandler appends serials to the bonepile set. Serials already
// present are ignored; nothing is ever removed.
func (s *Server) bonepileMergeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	var req bonepileMergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	defer r.Body.Close()
	if len(req.SNs) == 0 {
		writeError(w, http.StatusBadRequest, "sns is required", s.logger)
		return
	}
	added, err := s.bonepile.Merge(req.SNs)
	if err != nil {
		s.logger.WithError(err).Error("Failed to merge bonepile serials.")
		writeError(w, http.StatusInternalServerError, "could not merge bonepile serials", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "added": added, "sn_count": s.bonepile.SNSet().Len(),
	}, s.logger)
}

// passRulesHandler reads or replaces the pass-qualification rules. Updates
// are validated and persisted through the config agent before taking effect.
func (s *Server) passRulesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.configAgent.Config()
		observed := sets.New[string]()
		s.queryLock.Lock()
		if s.lastQueryResult != nil {
			for _, row := range s.lastQueryResult.SKURows {
				observed.Insert(row.SKU)
			}
		}
		s.queryLock.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":                      true,
			"pass_rules":              cfg.PassRules,
			"stations_order":          cfg.StationsOrder,
			"unassigned_part_numbers": cfg.UnassignedPartNumbers(observed),
		}, s.logger)
	case http.MethodPost:
		var rules config.PassRules
		if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		defer r.Body.Close()
		if err := s.configAgent.UpdatePassRules(rules); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "pass_rules": s.configAgent.Config().PassRules,
		}, s.logger)
	default:
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
	}
}
