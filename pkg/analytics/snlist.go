package analytics

import (
	"sort"
	"strings"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

// TotalSentinel in a sku or period filter means "no filter"; the dashboard
// sends it when the user clicks a total cell.
const TotalSentinel = "__TOTAL__"

// SNListOptions selects the aggregate cell to drill into. Metric is one of
// total, tested, pass, fail, test_flow, tray_<seg>_<bpseg>,
// breakdown_bonepile, breakdown_fresh; the remaining fields are optional
// set-intersection filters.
type SNListOptions struct {
	Metric      string
	SKU         string
	Period      string
	Station     string
	Outcome     string
	Aggregation string
}

// SNItem is one drill-down display row, one per serial number.
type SNItem struct {
	SN             string `json:"sn"`
	PartNumber     string `json:"part_number"`
	Status         string `json:"status"`
	LastStation    string `json:"last_station"`
	LastTestTime   string `json:"last_test_time"`
	IsBonepile     bool   `json:"is_bonepile"`
	LastFailureMsg string `json:"last_failure_msg"`
}

// ComputeSNList reconstructs the serial numbers behind an aggregate cell from
// a previously computed result. It never re-derives aggregates from raw rows;
// all membership comes from the result's indices. An unrecognized metric
// yields an empty list: this is a UI-facing query surface and must degrade
// gracefully.
func ComputeSNList(result *Result, opts SNListOptions, cfg *config.Config) []SNItem {
	if result == nil {
		return nil
	}

	// Latest row per SN, for display columns.
	snLatestRow := map[string]*api.TestEventRow{}
	for i := range result.Rows {
		row := &result.Rows[i]
		sn := row.SN()
		if sn == "" {
			continue
		}
		existing := snLatestRow[sn]
		if existing == nil {
			snLatestRow[sn] = row
			continue
		}
		if row.TestTimeDT != nil && (existing.TestTimeDT == nil || row.TestTimeDT.After(*existing.TestTimeDT)) {
			snLatestRow[sn] = row
		}
	}

	var candidates []string
	metric := strings.ToLower(strings.TrimSpace(opts.Metric))
	switch metric {
	case "total", "tested", "test_flow":
		candidates = allSNs(result)
	case "pass":
		candidates = filterSNs(allSNs(result), func(sn string) bool { return result.snPass[sn] })
	case "fail":
		candidates = filterSNs(allSNs(result), func(sn string) bool { return !result.snPass[sn] })
	case "breakdown_bonepile", "breakdown_fresh":
		candidates = allSNs(result)
	default:
		if !strings.HasPrefix(metric, "tray_") {
			return []SNItem{}
		}
		parts := strings.Split(metric, "_")
		if len(parts) < 3 {
			return []SNItem{}
		}
		switch parts[1] {
		case "tested":
			candidates = allSNs(result)
		case "pass":
			candidates = filterSNs(allSNs(result), func(sn string) bool { return result.snPass[sn] })
		case "fail":
			candidates = filterSNs(allSNs(result), func(sn string) bool { return !result.snPass[sn] })
		default:
			return []SNItem{}
		}
		switch parts[2] {
		case "bp":
			candidates = filterSNs(candidates, func(sn string) bool { return result.snIsBP[sn] })
		case "fresh":
			candidates = filterSNs(candidates, func(sn string) bool { return !result.snIsBP[sn] })
		}
	}

	sku := strings.TrimSpace(opts.SKU)
	if sku != "" && sku != TotalSentinel {
		candidates = filterSNs(candidates, func(sn string) bool { return latestPartOrUnknown(result, sn) == sku })
	}

	if period := strings.TrimSpace(opts.Period); period != "" && period != TotalSentinel {
		loc := cfg.Location()
		candidates = filterSNs(candidates, func(sn string) bool {
			for _, row := range result.snTests[sn] {
				if row.TestTimeDT == nil {
					continue
				}
				if periodFor(*row.TestTimeDT, opts.Aggregation, loc) == period {
					return true
				}
			}
			return false
		})
	}

	switch metric {
	case "breakdown_bonepile":
		candidates = filterSNs(candidates, func(sn string) bool { return result.snIsBP[sn] })
	case "breakdown_fresh":
		candidates = filterSNs(candidates, func(sn string) bool { return !result.snIsBP[sn] })
	}

	station := api.Norm(opts.Station)
	outcome := strings.ToLower(strings.TrimSpace(opts.Outcome))
	if station != "" && (outcome == "pass" || outcome == "fail") {
		want := api.ResultFail
		if outcome == "pass" {
			want = api.ResultPass
		}
		candidates = filterSNs(candidates, func(sn string) bool {
			for _, row := range result.snTests[sn] {
				if api.Norm(row.Station) == station && api.Norm(row.Result) == want {
					return true
				}
			}
			return false
		})
		if sku != "" && sku != TotalSentinel {
			candidates = filterSNs(candidates, func(sn string) bool { return latestPartOrUnknown(result, sn) == sku })
		}
	}

	sort.Strings(candidates)
	out := make([]SNItem, 0, len(candidates))
	for _, sn := range candidates {
		out = append(out, makeSNItem(result, snLatestRow, sn, station))
	}
	return out
}

func allSNs(result *Result) []string {
	sns := make([]string, 0, len(result.snTests))
	for sn := range result.snTests {
		sns = append(sns, sn)
	}
	return sns
}

func filterSNs(sns []string, keep func(string) bool) []string {
	out := sns[:0:0]
	for _, sn := range sns {
		if keep(sn) {
			out = append(out, sn)
		}
	}
	return out
}

func latestPartOrUnknown(result *Result, sn string) string {
	if pn := result.snLatestPart[sn]; pn != "" {
		return pn
	}
	return "Unknown"
}

func makeSNItem(result *Result, snLatestRow map[string]*api.TestEventRow, sn, station string) SNItem {
	item := SNItem{
		SN:             sn,
		PartNumber:     latestPartOrUnknown(result, sn),
		Status:         api.ResultFail,
		IsBonepile:     result.snIsBP[sn],
		LastFailureMsg: lastFailureMsg(result, sn, station),
	}
	if result.snPass[sn] {
		item.Status = api.ResultPass
	}
	if latest := snLatestRow[sn]; latest != nil {
		item.LastStation = strings.TrimSpace(latest.Station)
		item.LastTestTime = strings.TrimSpace(latest.TestTime)
	}
	return item
}

// lastFailureMsg returns the failure message of the chronologically latest
// FAIL row for the SN, optionally restricted to one station.
func lastFailureMsg(result *Result, sn, station string) string {
	var latest *api.TestEventRow
	tests := result.snTests[sn]
	for i := range tests {
		row := &tests[i]
		if api.Norm(row.Result) != api.ResultFail {
			continue
		}
		if station != "" && api.Norm(row.Station) != station {
			continue
		}
		if latest == nil {
			latest = row
			continue
		}
		if row.TestTimeDT != nil && (latest.TestTimeDT == nil || row.TestTimeDT.After(*latest.TestTimeDT)) {
			latest = row
		}
	}
	if latest == nil {
		return ""
	}
	return strings.TrimSpace(latest.FailureMsg)
}
