// Package errorstats derives failure-signature analytics from raw test
// events: per-station fail counts, top error keys, a station-by-error
// matrix, fixture hotspots, and time-to-clear inference with distribution
// summaries. All drill-down queries are answered from the cached result so
// cell counts and serial lists can never disagree.
package errorstats

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

const (
	// noMsgKey is the error key for FAIL rows carrying neither an error
	// code nor a failure message.
	noMsgKey = "_NO_MSG"
	// emptyMsgKey is the error key when the failure message trims to
	// nothing.
	emptyMsgKey = "_EMPTY"

	msgPrefixRunes  = 80
	msgVerbatimMax  = 20
	msgDigestHexLen = 16
)

// Row is a test event annotated with the derived fields the error-stats
// tables are built from.
type Row struct {
	api.TestEventRow

	StationGroup string
	ErrorKey     string

	// TTC fields, populated by InferClearTimes for FAIL rows only.
	ClearTime  *time.Time
	Open       bool
	TTCMinutes float64
}

// StationGroup collapses retest stations onto their base station so a fail
// at R_FCT01 and its clearing pass at FCT01 land in the same group.
func StationGroup(station string) string {
	s := api.Norm(station)
	return strings.TrimPrefix(s, "R_")
}

// ErrorKey reduces a FAIL row to a stable signature. The error code wins
// when present; otherwise the failure message is keyed by its first 80
// characters: short prefixes verbatim, long ones hashed so near-duplicate
// log tails collapse into one bucket.
func ErrorKey(errorCode, failureMsg string) string {
	if code := api.Norm(errorCode); code != "" {
		return code
	}
	msg := strings.TrimSpace(failureMsg)
	if msg == "" {
		return noMsgKey
	}
	runes := []rune(msg)
	if len(runes) > msgPrefixRunes {
		runes = runes[:msgPrefixRunes]
	}
	prefix := strings.TrimSpace(string(runes))
	if len([]rune(prefix)) < msgVerbatimMax {
		if prefix == "" {
			return emptyMsgKey
		}
		return prefix
	}
	sum := sha256.Sum256([]byte(prefix))
	return "msg_" + hex.EncodeToString(sum[:])[:msgDigestHexLen]
}

// NormalizeRows annotates every row with its station group and, for FAIL
// rows, its error key.
func NormalizeRows(rows []api.TestEventRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := Row{TestEventRow: r, StationGroup: StationGroup(r.Station)}
		if api.Norm(r.Result) == api.ResultFail {
			row.ErrorKey = ErrorKey(r.ErrorCode, r.FailureMsg)
		}
		out = append(out, row)
	}
	return out
}

// InferClearTimes matches every FAIL row against the first strictly later
// PASS of the same serial at the same station group. Matched fails get a
// clear time and a time-to-clear in minutes; unmatched fails are open.
func InferClearTimes(rows []Row) []Row {
	type passKey struct {
		sn    string
		group string
	}
	passTimes := map[passKey][]time.Time{}
	for i := range rows {
		r := &rows[i]
		if api.Norm(r.Result) != api.ResultPass || r.TestTimeDT == nil {
			continue
		}
		if r.SN() == "" || r.StationGroup == "" {
			continue
		}
		k := passKey{sn: r.SN(), group: r.StationGroup}
		passTimes[k] = append(passTimes[k], *r.TestTimeDT)
	}
	for _, times := range passTimes {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	}

	for i := range rows {
		r := &rows[i]
		if api.Norm(r.Result) != api.ResultFail {
			continue
		}
		r.Open = true
		if r.TestTimeDT == nil || r.SN() == "" || r.StationGroup == "" {
			continue
		}
		k := passKey{sn: r.SN(), group: r.StationGroup}
		for _, pt := range passTimes[k] {
			if pt.After(*r.TestTimeDT) {
				cleared := pt
				r.ClearTime = &cleared
				r.Open = false
				r.TTCMinutes = round2(pt.Sub(*r.TestTimeDT).Minutes())
				break
			}
		}
	}
	return rows
}

// FailByStationRow is one row of the per-station fail table.
type FailByStationRow struct {
	StationGroup string  `json:"station_group"`
	FailEvents   int     `json:"fail_events"`
	UniqueTrays  int     `json:"unique_trays"`
	Pct          float64 `json:"pct"`
}

// TopErrorRow is one row of the top-K error table.
type TopErrorRow struct {
	ErrorKey    string `json:"error_key"`
	FailEvents  int    `json:"fail_events"`
	UniqueTrays int    `json:"unique_trays"`
	Message     string `json:"message"`
	TopStation  string `json:"top_station"`
}

// StationErrorMatrix maps station groups to fail counts per top-K error key.
type StationErrorMatrix struct {
	ErrorKeys []string        `json:"error_keys"`
	Rows      []StationErrRow `json:"rows"`
}

// StationErrRow is one matrix row.
type StationErrRow struct {
	StationGroup string         `json:"station_group"`
	Counts       map[string]int `json:"counts"`
	Total        int            `json:"total"`
}

// HotspotRow is one station-instance (fixture slot) hotspot.
type HotspotRow struct {
	StationGroup    string `json:"station_group"`
	StationInstance string `json:"station_instance"`
	FailEvents      int    `json:"fail_events"`
	UniqueTrays     int    `json:"unique_trays"`
	TopErrorCode    string `json:"top_error_code"`
}

// TTCOverall summarizes the time-to-clear distribution across all stations.
type TTCOverall struct {
	ResolvedCount   int            `json:"resolved_count"`
	OpenCount       int            `json:"open_count"`
	OpenUniqueTrays int            `json:"open_unique_trays"`
	MedianMinutes   *float64       `json:"median_minutes"`
	MeanMinutes     *float64       `json:"mean_minutes"`
	P90Minutes      *float64       `json:"p90_minutes"`
	Buckets         []TTCBucketRow `json:"buckets"`
}

// TTCBucketRow is one histogram bucket of the TTC distribution.
type TTCBucketRow struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// TTCByStationRow summarizes TTC per station group.
type TTCByStationRow struct {
	StationGroup  string   `json:"station_group"`
	ResolvedCount int      `json:"resolved_count"`
	OpenCount     int      `json:"open_count"`
	MedianMinutes *float64 `json:"median_minutes"`
	MeanMinutes   *float64 `json:"mean_minutes"`
	MaxMinutes    *float64 `json:"max_minutes"`
	TotalMinutes  float64  `json:"total_minutes"`
}

// TTCByErrorRow summarizes TTC per top-K error key.
type TTCByErrorRow struct {
	ErrorKey      string   `json:"error_key"`
	ResolvedCount int      `json:"resolved_count"`
	MedianMinutes *float64 `json:"median_minutes"`
	TotalMinutes  float64  `json:"total_minutes"`
}

// Result carries every error-stats table plus the annotated fail rows the
// drill-down resolver replays queries against.
type Result struct {
	FailByStation   []FailByStationRow `json:"fail_by_station"`
	TopErrors       []TopErrorRow      `json:"top_errors"`
	StationError    StationErrorMatrix `json:"station_error"`
	StationInstance []HotspotRow       `json:"station_instance"`
	TTCOverall      TTCOverall         `json:"ttc_overall"`
	TTCByStation    []TTCByStationRow  `json:"ttc_by_station"`
	TTCByError      []TTCByErrorRow    `json:"ttc_by_error"`

	failRows   []Row
	ttcBuckets []int
}

// Compute builds every error-stats table over the given rows. topK bounds
// the error tables; zero or negative falls back to the configured default.
func Compute(rows []api.TestEventRow, topK int, cfg *config.Config) *Result {
	if topK <= 0 {
		topK = cfg.TopKErrorsDefault
	}
	annotated := InferClearTimes(NormalizeRows(rows))

	var failRows []Row
	for _, r := range annotated {
		if api.Norm(r.Result) == api.ResultFail {
			failRows = append(failRows, r)
		}
	}

	res := &Result{
		failRows:   failRows,
		ttcBuckets: append([]int(nil), cfg.TTCBuckets...),
	}
	res.FailByStation = computeFailByStation(failRows, cfg)
	res.TopErrors = computeTopErrors(failRows, topK)
	res.StationError = computeStationError(failRows, res.TopErrors, cfg)
	res.StationInstance = computeHotspots(failRows)
	res.TTCOverall = computeTTCOverall(failRows, cfg)
	res.TTCByStation = computeTTCByStation(failRows, cfg)
	res.TTCByError = computeTTCByError(failRows, res.TopErrors)
	return res
}

// TotalFailEvents is the number of FAIL events behind the tables.
func (res *Result) TotalFailEvents() int {
	return len(res.failRows)
}

// TotalUniqueTrays is the number of distinct serials among the FAIL events.
func (res *Result) TotalUniqueTrays() int {
	trays := sets.New[string]()
	for _, r := range res.failRows {
		if sn := r.SN(); sn != "" {
			trays.Insert(sn)
		}
	}
	return trays.Len()
}

func computeFailByStation(failRows []Row, cfg *config.Config) []FailByStationRow {
	counts := map[string]int{}
	trays := map[string]sets.Set[string]{}
	total := 0
	for _, r := range failRows {
		if r.StationGroup == "" {
			continue
		}
		counts[r.StationGroup]++
		total++
		if trays[r.StationGroup] == nil {
			trays[r.StationGroup] = sets.New[string]()
		}
		if sn := r.SN(); sn != "" {
			trays[r.StationGroup].Insert(sn)
		}
	}
	out := make([]FailByStationRow, 0, len(counts))
	for sg, n := range counts {
		pct := 0.0
		if total > 0 {
			pct = math.Round(float64(n)/float64(total)*1000) / 10
		}
		out = append(out, FailByStationRow{
			StationGroup: sg,
			FailEvents:   n,
			UniqueTrays:  trays[sg].Len(),
			Pct:          pct,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return stationLess(cfg.StationsOrder, out[i].StationGroup, out[j].StationGroup)
	})
	return out
}

// stationLess orders station groups by their position in the configured
// station order, with unlisted groups after the listed ones alphabetically.
func stationLess(order []string, a, b string) bool {
	rank := func(sg string) int {
		for i, s := range order {
			if s == sg {
				return i
			}
		}
		return len(order)
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra < rb
	}
	return a < b
}

func computeTopErrors(failRows []Row, topK int) []TopErrorRow {
	type acc struct {
		events   int
		trays    sets.Set[string]
		msgs     map[string]int
		stations map[string]int
	}
	byKey := map[string]*acc{}
	for _, r := range failRows {
		a := byKey[r.ErrorKey]
		if a == nil {
			a = &acc{trays: sets.New[string](), msgs: map[string]int{}, stations: map[string]int{}}
			byKey[r.ErrorKey] = a
		}
		a.events++
		if sn := r.SN(); sn != "" {
			a.trays.Insert(sn)
		}
		msg := strings.TrimSpace(r.FailureMsg)
		if msg == "" {
			msg = strings.TrimSpace(r.ErrorCode)
		}
		if msg != "" {
			a.msgs[msg]++
		}
		a.stations[r.StationGroup]++
	}
	out := make([]TopErrorRow, 0, len(byKey))
	for key, a := range byKey {
		out = append(out, TopErrorRow{
			ErrorKey:    key,
			FailEvents:  a.events,
			UniqueTrays: a.trays.Len(),
			Message:     modeKey(a.msgs),
			TopStation:  modeKey(a.stations),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailEvents != out[j].FailEvents {
			return out[i].FailEvents > out[j].FailEvents
		}
		if out[i].UniqueTrays != out[j].UniqueTrays {
			return out[i].UniqueTrays > out[j].UniqueTrays
		}
		return out[i].ErrorKey < out[j].ErrorKey
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// modeKey returns the most frequent key, breaking ties by ascending key so
// the representative value is deterministic.
func modeKey(counts map[string]int) string {
	best, bestN := "", -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	if bestN <= 0 {
		return ""
	}
	return best
}

func computeStationError(failRows []Row, topErrors []TopErrorRow, cfg *config.Config) StationErrorMatrix {
	keys := make([]string, 0, len(topErrors))
	keySet := sets.New[string]()
	for _, te := range topErrors {
		keys = append(keys, te.ErrorKey)
		keySet.Insert(te.ErrorKey)
	}
	stations := sets.New[string]()
	counts := map[string]map[string]int{}
	for _, r := range failRows {
		if r.StationGroup == "" {
			continue
		}
		stations.Insert(r.StationGroup)
		if !keySet.Has(r.ErrorKey) {
			continue
		}
		if counts[r.StationGroup] == nil {
			counts[r.StationGroup] = map[string]int{}
		}
		counts[r.StationGroup][r.ErrorKey]++
	}
	ordered := sets.List(stations)
	sort.Slice(ordered, func(i, j int) bool {
		return stationLess(cfg.StationsOrder, ordered[i], ordered[j])
	})
	rows := make([]StationErrRow, 0, len(ordered))
	for _, sg := range ordered {
		row := StationErrRow{StationGroup: sg, Counts: map[string]int{}}
		for _, key := range keys {
			n := counts[sg][key]
			row.Counts[key] = n
			row.Total += n
		}
		rows = append(rows, row)
	}
	return StationErrorMatrix{ErrorKeys: keys, Rows: rows}
}

func computeHotspots(failRows []Row) []HotspotRow {
	type acc struct {
		sg     string
		events int
		trays  sets.Set[string]
		errors map[string]int
	}
	byInstance := map[string]*acc{}
	for _, r := range failRows {
		instance := strings.TrimSpace(r.StationInstance)
		if instance == "" {
			continue
		}
		a := byInstance[instance]
		if a == nil {
			a = &acc{sg: r.StationGroup, trays: sets.New[string](), errors: map[string]int{}}
			byInstance[instance] = a
		}
		a.events++
		if sn := r.SN(); sn != "" {
			a.trays.Insert(sn)
		}
		if r.ErrorKey != "" {
			a.errors[r.ErrorKey]++
		}
	}
	out := make([]HotspotRow, 0, len(byInstance))
	for instance, a := range byInstance {
		out = append(out, HotspotRow{
			StationGroup:    a.sg,
			StationInstance: instance,
			FailEvents:      a.events,
			UniqueTrays:     a.trays.Len(),
			TopErrorCode:    modeKey(a.errors),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailEvents != out[j].FailEvents {
			return out[i].FailEvents > out[j].FailEvents
		}
		return out[i].StationInstance < out[j].StationInstance
	})
	return out
}

// TTCBucketLabel renders the histogram label for bucket index i given the
// configured ascending minute thresholds.
func TTCBucketLabel(buckets []int, i int) string {
	switch {
	case i == 0:
		return fmt.Sprintf("<=%dm", buckets[0])
	case i < len(buckets):
		return fmt.Sprintf("%d-%dm", buckets[i-1], buckets[i])
	default:
		return fmt.Sprintf(">%dm", buckets[len(buckets)-1])
	}
}

func ttcBucketIndex(buckets []int, minutes float64) int {
	for i, t := range buckets {
		if minutes <= float64(t) {
			return i
		}
	}
	return len(buckets)
}

func computeTTCOverall(failRows []Row, cfg *config.Config) TTCOverall {
	buckets := cfg.TTCBuckets
	counts := make([]int, len(buckets)+1)
	var values []float64
	openTrays := sets.New[string]()
	openCount := 0
	for _, r := range failRows {
		if r.Open {
			openCount++
			if sn := r.SN(); sn != "" {
				openTrays.Insert(sn)
			}
			continue
		}
		values = append(values, r.TTCMinutes)
		counts[ttcBucketIndex(buckets, r.TTCMinutes)]++
	}
	out := TTCOverall{
		ResolvedCount:   len(values),
		OpenCount:       openCount,
		OpenUniqueTrays: openTrays.Len(),
	}
	for i := range counts {
		out.Buckets = append(out.Buckets, TTCBucketRow{Label: TTCBucketLabel(buckets, i), Count: counts[i]})
	}
	if len(values) > 0 {
		median, _ := stats.Median(values)
		mean, _ := stats.Mean(values)
		out.MedianMinutes = f64ptr(round2(median))
		out.MeanMinutes = f64ptr(round2(mean))
		out.P90Minutes = f64ptr(round2(nearestRank(values, cfg.TTCPercentile)))
	}
	return out
}

// nearestRank picks the p-th percentile by rank over a copy of values,
// never interpolating between samples.
func nearestRank(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func computeTTCByStation(failRows []Row, cfg *config.Config) []TTCByStationRow {
	type acc struct {
		values    []float64
		openTrays sets.Set[string]
	}
	byStation := map[string]*acc{}
	for _, r := range failRows {
		if r.StationGroup == "" {
			continue
		}
		a := byStation[r.StationGroup]
		if a == nil {
			a = &acc{openTrays: sets.New[string]()}
			byStation[r.StationGroup] = a
		}
		if r.Open {
			if sn := r.SN(); sn != "" {
				a.openTrays.Insert(sn)
			}
		} else {
			a.values = append(a.values, r.TTCMinutes)
		}
	}
	ordered := sets.List(sets.KeySet(byStation))
	sort.Slice(ordered, func(i, j int) bool {
		return stationLess(cfg.StationsOrder, ordered[i], ordered[j])
	})
	out := make([]TTCByStationRow, 0, len(byStation))
	for _, sg := range ordered {
		a := byStation[sg]
		row := TTCByStationRow{
			StationGroup:  sg,
			ResolvedCount: len(a.values),
			OpenCount:     a.openTrays.Len(),
		}
		if len(a.values) > 0 {
			median, _ := stats.Median(a.values)
			mean, _ := stats.Mean(a.values)
			maxV, _ := stats.Max(a.values)
			sum, _ := stats.Sum(a.values)
			row.MedianMinutes = f64ptr(round2(median))
			row.MeanMinutes = f64ptr(round2(mean))
			row.MaxMinutes = f64ptr(round2(maxV))
			row.TotalMinutes = round2(sum)
		}
		out = append(out, row)
	}
	return out
}

func computeTTCByError(failRows []Row, topErrors []TopErrorRow) []TTCByErrorRow {
	keySet := sets.New[string]()
	for _, te := range topErrors {
		keySet.Insert(te.ErrorKey)
	}
	byKey := map[string][]float64{}
	for _, r := range failRows {
		if r.Open || !keySet.Has(r.ErrorKey) {
			continue
		}
		byKey[r.ErrorKey] = append(byKey[r.ErrorKey], r.TTCMinutes)
	}
	out := make([]TTCByErrorRow, 0, len(topErrors))
	for _, te := range topErrors {
		values := byKey[te.ErrorKey]
		row := TTCByErrorRow{ErrorKey: te.ErrorKey, ResolvedCount: len(values)}
		if len(values) > 0 {
			median, _ := stats.Median(values)
			sum, _ := stats.Sum(values)
			row.MedianMinutes = f64ptr(round2(median))
			row.TotalMinutes = round2(sum)
		}
		out = append(out, row)
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func f64ptr(x float64) *float64 { return &x }
