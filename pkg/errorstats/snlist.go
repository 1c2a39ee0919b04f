package errorstats

import (
	"sort"
	"strings"
	"time"

	"github.com/l10-factory/sfc-tools/pkg/api"
)

// SNListOptions selects the error-stats cell to drill into.
type SNListOptions struct {
	Metric          string
	StationGroup    string
	ErrorCode       string
	TTCBucket       string
	StationInstance string
	DrillType       string
}

// SNListItem is one drill-down row: a FAIL event with its derived signature
// and, where inferred, its time to clear.
type SNListItem struct {
	SN           string   `json:"sn"`
	PartNumber   string   `json:"part_number"`
	Station      string   `json:"station"`
	StationGroup string   `json:"station_group,omitempty"`
	ErrorCode    string   `json:"error_code"`
	ErrorMessage string   `json:"error_message"`
	TestTime     string   `json:"test_time"`
	TTCMinutes   *float64 `json:"ttc_minutes,omitempty"`
	Open         *bool    `json:"open,omitempty"`

	testTimeDT *time.Time
}

// ComputeSNList returns the FAIL events behind one error-stats cell, replayed
// over the cached fail rows the tables were computed from. Drill type
// "unique_trays" (and the open drill-downs) collapse to one row per serial,
// keeping the chronologically latest fail.
func (res *Result) ComputeSNList(opts SNListOptions) []SNListItem {
	metric := strings.TrimSpace(opts.Metric)
	stationGroup := api.Norm(opts.StationGroup)
	// Error keys derived from failure messages keep their original case
	// (verbatim short messages, msg_<hex> digests), so the filter compares
	// case-preserved against the key the tables emitted.
	errorCode := strings.TrimSpace(opts.ErrorCode)
	bucket := strings.TrimSpace(opts.TTCBucket)
	instance := strings.TrimSpace(opts.StationInstance)

	var out []SNListItem
	for _, r := range res.failRows {
		switch metric {
		case "fail_by_station":
			if stationGroup != "" && r.StationGroup != stationGroup {
				continue
			}
		case "top_errors":
			if errorCode != "" && r.ErrorKey != errorCode {
				continue
			}
		case "station_error":
			if stationGroup != "" && r.StationGroup != stationGroup {
				continue
			}
			if errorCode != "" && r.ErrorKey != errorCode {
				continue
			}
		case "station_instance":
			si := strings.TrimSpace(r.StationInstance)
			if instance == "" || si != instance {
				continue
			}
		case "ttc_overall":
			switch bucket {
			case "":
			case "open":
				if !r.Open {
					continue
				}
			case "resolved":
				if r.Open {
					continue
				}
			default:
				if r.Open {
					continue
				}
				if TTCBucketLabel(res.ttcBuckets, ttcBucketIndex(res.ttcBuckets, r.TTCMinutes)) != bucket {
					continue
				}
			}
		case "ttc_by_station":
			if stationGroup != "" && r.StationGroup != stationGroup {
				continue
			}
			if r.Open {
				continue
			}
		case "ttc_by_station_open":
			if stationGroup != "" && r.StationGroup != stationGroup {
				continue
			}
			if !r.Open {
				continue
			}
		case "ttc_by_error":
			if errorCode != "" && r.ErrorKey != errorCode {
				continue
			}
			if r.Open {
				continue
			}
		default:
			continue
		}

		item := SNListItem{
			SN:           r.SN(),
			PartNumber:   strings.TrimSpace(r.PartNumber),
			Station:      strings.TrimSpace(r.Station),
			StationGroup: r.StationGroup,
			ErrorCode:    r.ErrorKey,
			ErrorMessage: strings.TrimSpace(r.FailureMsg),
			TestTime:     strings.TrimSpace(r.TestTime),
			testTimeDT:   r.TestTimeDT,
		}
		open := r.Open
		item.Open = &open
		if !r.Open {
			ttc := r.TTCMinutes
			item.TTCMinutes = &ttc
		}
		out = append(out, item)
	}

	uniqueTrays := strings.EqualFold(strings.TrimSpace(opts.DrillType), "unique_trays")
	switch {
	case uniqueTrays && (metric == "fail_by_station" || metric == "top_errors" || metric == "station_instance"):
		out = dedupLatestPerSN(out)
	case (metric == "ttc_overall" && bucket == "open") || metric == "ttc_by_station_open":
		out = dedupLatestPerSN(out)
	}
	if out == nil {
		out = []SNListItem{}
	}
	return out
}

// dedupLatestPerSN keeps one row per serial number, preferring the latest
// test time, and strips the per-event TTC fields since they no longer
// describe a single event.
func dedupLatestPerSN(items []SNListItem) []SNListItem {
	bySN := map[string]SNListItem{}
	var order []string
	for _, item := range items {
		if item.SN == "" {
			continue
		}
		existing, ok := bySN[item.SN]
		if !ok {
			bySN[item.SN] = item
			order = append(order, item.SN)
			continue
		}
		if item.testTimeDT != nil && (existing.testTimeDT == nil || item.testTimeDT.After(*existing.testTimeDT)) {
			bySN[item.SN] = item
		}
	}
	sort.Strings(order)
	out := make([]SNListItem, 0, len(order))
	for _, sn := range order {
		item := bySN[sn]
		item.StationGroup = ""
		item.TTCMinutes = nil
		item.Open = nil
		out = append(out, item)
	}
	return out
}
