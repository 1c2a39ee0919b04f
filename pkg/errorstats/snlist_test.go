package errorstats

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

func drilldownFixture(t *testing.T) *Result {
	t.Helper()
	withInstance := event(t, "B2", "AST01", "2026-03-02 09:10:00", "FAIL", "E-2", "ast fail")
	withInstance.StationInstance = "AST_170"
	rows := []api.TestEventRow{
		event(t, "A1", "FCT01", "2026-03-02 09:00:00", "FAIL", "E-1", "volt fail"),
		event(t, "A1", "FCT01", "2026-03-02 09:20:00", "PASS", "", ""),
		event(t, "B2", "AST01", "2026-03-02 09:00:00", "FAIL", "E-2", "ast fail"),
		withInstance,
	}
	return Compute(rows, 5, config.DefaultConfig())
}

func sns(items []SNListItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.SN)
	}
	return out
}

func TestComputeSNListByMetric(t *testing.T) {
	result := drilldownFixture(t)

	testCases := []struct {
		name     string
		opts     SNListOptions
		expected []string
	}{
		{
			name:     "fail by station",
			opts:     SNListOptions{Metric: "fail_by_station", StationGroup: "FCT01"},
			expected: []string{"A1"},
		},
		{
			name:     "fail by station without filter returns every fail",
			opts:     SNListOptions{Metric: "fail_by_station"},
			expected: []string{"A1", "B2", "B2"},
		},
		{
			name:     "top errors by key",
			opts:     SNListOptions{Metric: "top_errors", ErrorCode: "E-2"},
			expected: []string{"B2", "B2"},
		},
		{
			name:     "station error cell",
			opts:     SNListOptions{Metric: "station_error", StationGroup: "AST01", ErrorCode: "E-2"},
			expected: []string{"B2", "B2"},
		},
		{
			name:     "station instance requires an instance",
			opts:     SNListOptions{Metric: "station_instance"},
			expected: []string{},
		},
		{
			name:     "station instance",
			opts:     SNListOptions{Metric: "station_instance", StationInstance: "AST_170"},
			expected: []string{"B2"},
		},
		{
			name:     "ttc overall resolved",
			opts:     SNListOptions{Metric: "ttc_overall", TTCBucket: "resolved"},
			expected: []string{"A1"},
		},
		{
			name:     "ttc overall bucket",
			opts:     SNListOptions{Metric: "ttc_overall", TTCBucket: "15-60m"},
			expected: []string{"A1"},
		},
		{
			name:     "ttc overall empty bucket",
			opts:     SNListOptions{Metric: "ttc_overall", TTCBucket: ">60m"},
			expected: []string{},
		},
		{
			name:     "ttc by station keeps resolved only",
			opts:     SNListOptions{Metric: "ttc_by_station", StationGroup: "FCT01"},
			expected: []string{"A1"},
		},
		{
			name:     "ttc by error",
			opts:     SNListOptions{Metric: "ttc_by_error", ErrorCode: "E-1"},
			expected: []string{"A1"},
		},
		{
			name:     "unknown metric yields an empty list",
			opts:     SNListOptions{Metric: "nope"},
			expected: []string{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			items := result.ComputeSNList(tc.opts)
			if diff := cmp.Diff(tc.expected, sns(items)); diff != "" {
				t.Errorf("unexpected serials: %s", diff)
			}
		})
	}
}

// Keys derived from failure messages keep their original case (short
// verbatim messages) or are lowercase digests; drilling into those table
// cells must return the rows behind them.
func TestComputeSNListMessageDerivedKeys(t *testing.T) {
	longMsg := "sensor calibration drifted outside the acceptance envelope during soak"
	rows := []api.TestEventRow{
		event(t, "A1", "FCT01", "2026-03-02 09:00:00", "FAIL", "", "fan stuck"),
		event(t, "B2", "FCT01", "2026-03-02 09:05:00", "FAIL", "", "fan stuck"),
		event(t, "C3", "AST01", "2026-03-02 09:10:00", "FAIL", "", longMsg),
	}
	result := Compute(rows, 5, config.DefaultConfig())

	if result.TopErrors[0].ErrorKey != "fan stuck" {
		t.Fatalf("top key = %q, expected the verbatim message", result.TopErrors[0].ErrorKey)
	}
	items := result.ComputeSNList(SNListOptions{Metric: "top_errors", ErrorCode: "fan stuck"})
	if diff := cmp.Diff([]string{"A1", "B2"}, sns(items)); diff != "" {
		t.Errorf("unexpected serials for verbatim-message key: %s", diff)
	}

	hashed := ErrorKey("", longMsg)
	items = result.ComputeSNList(SNListOptions{Metric: "top_errors", ErrorCode: hashed})
	if diff := cmp.Diff([]string{"C3"}, sns(items)); diff != "" {
		t.Errorf("unexpected serials for hashed key %q: %s", hashed, diff)
	}
	items = result.ComputeSNList(SNListOptions{Metric: "station_error", StationGroup: "AST01", ErrorCode: hashed})
	if diff := cmp.Diff([]string{"C3"}, sns(items)); diff != "" {
		t.Errorf("unexpected station-error serials for hashed key: %s", diff)
	}
}

func TestComputeSNListUniqueTrays(t *testing.T) {
	result := drilldownFixture(t)

	items := result.ComputeSNList(SNListOptions{Metric: "top_errors", ErrorCode: "E-2", DrillType: "unique_trays"})
	if len(items) != 1 {
		t.Fatalf("expected one row per serial, got %d", len(items))
	}
	item := items[0]
	if item.SN != "B2" {
		t.Errorf("sn = %q, expected B2", item.SN)
	}
	// The chronologically latest fail represents the serial.
	if item.TestTime != "2026-03-02 09:10:00" {
		t.Errorf("test time = %q, expected the later fail", item.TestTime)
	}
	if item.TTCMinutes != nil || item.Open != nil {
		t.Errorf("per-event ttc fields must be stripped after dedup: %+v", item)
	}
}

func TestComputeSNListOpenDrilldownDedups(t *testing.T) {
	result := drilldownFixture(t)

	items := result.ComputeSNList(SNListOptions{Metric: "ttc_overall", TTCBucket: "open"})
	if diff := cmp.Diff([]string{"B2"}, sns(items)); diff != "" {
		t.Errorf("unexpected open serials: %s", diff)
	}

	items = result.ComputeSNList(SNListOptions{Metric: "ttc_by_station_open", StationGroup: "AST01"})
	if diff := cmp.Diff([]string{"B2"}, sns(items)); diff != "" {
		t.Errorf("unexpected open serials by station: %s", diff)
	}
}

// Drill-down counts must match the table cells they expand.
func TestComputeSNListConsistentWithTables(t *testing.T) {
	result := drilldownFixture(t)

	for _, row := range result.FailByStation {
		items := result.ComputeSNList(SNListOptions{Metric: "fail_by_station", StationGroup: row.StationGroup})
		if len(items) != row.FailEvents {
			t.Errorf("station %s: %d rows, table says %d fail events", row.StationGroup, len(items), row.FailEvents)
		}
		unique := result.ComputeSNList(SNListOptions{
			Metric: "fail_by_station", StationGroup: row.StationGroup, DrillType: "unique_trays",
		})
		if len(unique) != row.UniqueTrays {
			t.Errorf("station %s: %d unique rows, table says %d unique trays", row.StationGroup, len(unique), row.UniqueTrays)
		}
	}

	for _, te := range result.TopErrors {
		items := result.ComputeSNList(SNListOptions{Metric: "top_errors", ErrorCode: te.ErrorKey})
		if len(items) != te.FailEvents {
			t.Errorf("error %s: %d rows, table says %d fail events", te.ErrorKey, len(items), te.FailEvents)
		}
	}

	resolved := result.ComputeSNList(SNListOptions{Metric: "ttc_overall", TTCBucket: "resolved"})
	if len(resolved) != result.TTCOverall.ResolvedCount {
		t.Errorf("%d resolved rows, table says %d", len(resolved), result.TTCOverall.ResolvedCount)
	}
}
