package analytics

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

// Membership reports bonepile membership for a serial number.
type Membership interface {
	IsMember(sn string) bool
}

// Summary counts distinct serial numbers, not raw rows.
type Summary struct {
	Total int `json:"total"`
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
}

// TrayCounts splits a count into bonepile, fresh and total. BP plus fresh
// always equals total.
type TrayCounts struct {
	BP    int `json:"bp"`
	Fresh int `json:"fresh"`
	Total int `json:"total"`
}

type TraySummary struct {
	Tested TrayCounts `json:"tested"`
	Pass   TrayCounts `json:"pass"`
	Fail   TrayCounts `json:"fail"`
}

type SKURow struct {
	SKU    string `json:"sku"`
	Tested int    `json:"tested"`
	Pass   int    `json:"pass"`
	Fail   int    `json:"fail"`
}

type BreakdownRow struct {
	Period   string  `json:"period"`
	Tested   int     `json:"tested"`
	Passed   int     `json:"passed"`
	Bonepile int     `json:"bonepile"`
	Fresh    int     `json:"fresh"`
	PassRate float64 `json:"pass_rate"`
}

type StationCounts struct {
	Pass int `json:"pass"`
	Fail int `json:"fail"`
}

type TestFlowRow struct {
	TS       string                   `json:"ts"`
	SKU      string                   `json:"sku"`
	Stations map[string]StationCounts `json:"stations"`
}

type TestFlow struct {
	Stations []string                 `json:"stations"`
	Totals   map[string]StationCounts `json:"totals"`
	Rows     []TestFlowRow            `json:"rows"`
}

// Result bundles the aggregate tables with the per-SN indices the drill-down
// resolver needs. Callers must cache the whole object; the public tables
// alone cannot reconstruct drill-down membership.
type Result struct {
	Summary       Summary            `json:"summary"`
	TraySummary   TraySummary        `json:"tray_summary"`
	SKURows       []SKURow           `json:"sku_rows"`
	BreakdownRows []BreakdownRow     `json:"breakdown_rows"`
	TestFlow      TestFlow           `json:"test_flow"`
	Rows          []api.TestEventRow `json:"rows"`

	snTests      map[string][]api.TestEventRow
	snPass       map[string]bool
	snIsBP       map[string]bool
	snLatestPart map[string]string
	snLatestDT   map[string]*time.Time
}

var tsGroupRegexp = regexp.MustCompile(`\bTS(\d+)\b`)

// tsGroupFromPartNumber extracts the test-stage tag from a part number, e.g.
// "675-24109-0010-TS2" -> "TS2". Part numbers without a stage get "TS?".
func tsGroupFromPartNumber(partNumber string) string {
	m := tsGroupRegexp.FindStringSubmatch(api.Norm(partNumber))
	if m == nil {
		return "TS?"
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "TS?"
	}
	return "TS" + strconv.Itoa(n)
}

// rowResultToPF maps the report RESULT to P/F for the test-flow matrix. Any
// other value does not participate in the flow.
func rowResultToPF(result string) string {
	switch api.Norm(result) {
	case api.ResultPass:
		return "P"
	case api.ResultFail:
		return "F"
	}
	return ""
}

// ComputeAll computes the full aggregate view over the given rows. Bonepile
// membership is tagged onto each row first when membership is non-nil;
// otherwise pre-tagged IsBonepile values are honored. Rows with a blank
// serial number are dropped.
func ComputeAll(rows []api.TestEventRow, aggregation string, cfg *config.Config, membership Membership) *Result {
	if membership != nil {
		for i := range rows {
			sn := rows[i].SN()
			rows[i].IsBonepile = sn != "" && membership.IsMember(sn)
		}
	}

	result := emptyResult(cfg)
	result.Rows = rows

	for i := range rows {
		sn := rows[i].SN()
		if sn == "" {
			continue
		}
		result.snTests[sn] = append(result.snTests[sn], rows[i])
	}

	for sn, tests := range result.snTests {
		isBP := false
		var bestDT *time.Time
		bestPN := "Unknown"
		for i := range tests {
			if tests[i].IsBonepile {
				isBP = true
			}
			dt := tests[i].TestTimeDT
			if dt != nil && (bestDT == nil || dt.After(*bestDT)) {
				bestDT = dt
				if pn := strings.TrimSpace(tests[i].PartNumber); pn != "" {
					bestPN = pn
				} else {
					bestPN = "Unknown"
				}
			}
		}
		result.snIsBP[sn] = isBP
		result.snPass[sn] = IsSNPassed(tests, cfg)
		result.snLatestPart[sn] = bestPN
		result.snLatestDT[sn] = bestDT
	}

	testedTotal := len(result.snTests)
	passTotal := 0
	testedBP := 0
	passBP := 0
	for sn := range result.snTests {
		if result.snPass[sn] {
			passTotal++
		}
		if result.snIsBP[sn] {
			testedBP++
			if result.snPass[sn] {
				passBP++
			}
		}
	}
	failTotal := testedTotal - passTotal
	testedFresh := testedTotal - testedBP
	passFresh := passTotal - passBP
	failBP := testedBP - passBP
	failFresh := testedFresh - passFresh

	result.Summary = Summary{Total: testedTotal, Pass: passTotal, Fail: failTotal}
	result.TraySummary = TraySummary{
		Tested: TrayCounts{BP: testedBP, Fresh: testedFresh, Total: testedTotal},
		Pass:   TrayCounts{BP: passBP, Fresh: passFresh, Total: passTotal},
		Fail:   TrayCounts{BP: failBP, Fresh: failFresh, Total: failTotal},
	}

	result.SKURows = computeSKURows(result)
	result.BreakdownRows = computeBreakdownRows(rows, aggregation, cfg)
	result.TestFlow = computeTestFlow(result, cfg)
	return result
}

func computeSKURows(result *Result) []SKURow {
	stats := map[string]*SKURow{}
	for sn := range result.snTests {
		sku := result.snLatestPart[sn]
		if sku == "" {
			sku = "Unknown"
		}
		row, ok := stats[sku]
		if !ok {
			row = &SKURow{SKU: sku}
			stats[sku] = row
		}
		row.Tested++
		if result.snPass[sn] {
			row.Pass++
		} else {
			row.Fail++
		}
	}
	rows := make([]SKURow, 0, len(stats))
	for _, row := range stats {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Tested != rows[j].Tested {
			return rows[i].Tested > rows[j].Tested
		}
		return rows[i].SKU < rows[j].SKU
	})
	return rows
}

func computeBreakdownRows(rows []api.TestEventRow, aggregation string, cfg *config.Config) []BreakdownRow {
	loc := cfg.Location()
	buckets := map[string]map[string][]api.TestEventRow{}
	for i := range rows {
		sn := rows[i].SN()
		if sn == "" || rows[i].TestTimeDT == nil {
			continue
		}
		period := periodFor(*rows[i].TestTimeDT, aggregation, loc)
		if buckets[period] == nil {
			buckets[period] = map[string][]api.TestEventRow{}
		}
		buckets[period][sn] = append(buckets[period][sn], rows[i])
	}

	out := make([]BreakdownRow, 0, len(buckets))
	for period, snMap := range buckets {
		tested := len(snMap)
		passed := 0
		bp := 0
		for _, tests := range snMap {
			if IsSNPassed(tests, cfg) {
				passed++
			}
			for i := range tests {
				if tests[i].IsBonepile {
					bp++
					break
				}
			}
		}
		passRate := 0.0
		if tested > 0 {
			passRate = float64(passed) / float64(tested)
		}
		out = append(out, BreakdownRow{
			Period:   period,
			Tested:   tested,
			Passed:   passed,
			Bonepile: bp,
			Fresh:    tested - bp,
			PassRate: passRate,
		})
	}
	// String sort is date-correct for all three period formats.
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}

func computeTestFlow(result *Result, cfg *config.Config) TestFlow {
	stations := append([]string{}, cfg.StationsOrder...)
	type pfSets struct {
		pass sets.Set[string]
		fail sets.Set[string]
	}
	newStationSets := func() map[string]*pfSets {
		m := make(map[string]*pfSets, len(stations))
		for _, st := range stations {
			m[st] = &pfSets{pass: sets.New[string](), fail: sets.New[string]()}
		}
		return m
	}

	totalSets := newStationSets()
	skuSets := map[string]map[string]*pfSets{}

	for sn, tests := range result.snTests {
		sku := result.snLatestPart[sn]
		if sku == "" {
			sku = "Unknown"
		}
		if skuSets[sku] == nil {
			skuSets[sku] = newStationSets()
		}
		for i := range tests {
			st := api.Norm(tests[i].Station)
			stationSets, known := totalSets[st]
			if !known {
				continue
			}
			switch rowResultToPF(tests[i].Result) {
			case "P":
				stationSets.pass.Insert(sn)
				skuSets[sku][st].pass.Insert(sn)
			case "F":
				stationSets.fail.Insert(sn)
				skuSets[sku][st].fail.Insert(sn)
			}
		}
	}

	totals := make(map[string]StationCounts, len(stations))
	for _, st := range stations {
		totals[st] = StationCounts{Pass: totalSets[st].pass.Len(), Fail: totalSets[st].fail.Len()}
	}

	rows := make([]TestFlowRow, 0, len(skuSets))
	for _, sku := range sets.List(sets.KeySet(skuSets)) {
		row := TestFlowRow{
			TS:       tsGroupFromPartNumber(sku),
			SKU:      sku,
			Stations: make(map[string]StationCounts, len(stations)),
		}
		for _, st := range stations {
			row.Stations[st] = StationCounts{Pass: skuSets[sku][st].pass.Len(), Fail: skuSets[sku][st].fail.Len()}
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ni, numericI := tsSortKey(rows[i].TS)
		nj, numericJ := tsSortKey(rows[j].TS)
		if numericI != numericJ {
			return numericI
		}
		if numericI && ni != nj {
			return ni < nj
		}
		return rows[i].SKU < rows[j].SKU
	})

	return TestFlow{Stations: stations, Totals: totals, Rows: rows}
}

var tsExactRegexp = regexp.MustCompile(`^TS(\d+)$`)

// tsSortKey orders numeric test stages ascending with non-numeric stages
// ("TS?") last.
func tsSortKey(ts string) (int, bool) {
	m := tsExactRegexp.FindStringSubmatch(ts)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func emptyResult(cfg *config.Config) *Result {
	stations := append([]string{}, cfg.StationsOrder...)
	totals := make(map[string]StationCounts, len(stations))
	for _, st := range stations {
		totals[st] = StationCounts{}
	}
	return &Result{
		SKURows:       []SKURow{},
		BreakdownRows: []BreakdownRow{},
		TestFlow:      TestFlow{Stations: stations, Totals: totals, Rows: []TestFlowRow{}},
		Rows:          []api.TestEventRow{},
		snTests:       map[string][]api.TestEventRow{},
		snPass:        map[string]bool{},
		snIsBP:        map[string]bool{},
		snLatestPart:  map[string]string{},
		snLatestDT:    map[string]*time.Time{},
	}
}
