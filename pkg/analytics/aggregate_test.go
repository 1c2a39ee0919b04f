package analytics

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

type setMembership struct {
	sns sets.Set[string]
}

func (m setMembership) IsMember(sn string) bool {
	return m.sns.Has(sn)
}

func testTime(t *testing.T, s string) *time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, config.DefaultConfig().Location())
	if err != nil {
		t.Fatalf("could not parse time %q: %v", s, err)
	}
	return &ts
}

func testRow(t *testing.T, sn, pn, station, timestamp, result, failureMsg string) api.TestEventRow {
	t.Helper()
	return api.TestEventRow{
		SerialNumber: sn,
		PartNumber:   pn,
		Station:      station,
		TestTime:     timestamp,
		TestTimeDT:   testTime(t, timestamp),
		Result:       result,
		FailureMsg:   failureMsg,
	}
}

// fixtureRows builds a three-serial scenario: A1 passes at its designated
// station, B2 fails first and clears at the fallback station, C3 only fails.
// A row without a serial number is mixed in to check it gets dropped.
func fixtureRows(t *testing.T) []api.TestEventRow {
	t.Helper()
	return []api.TestEventRow{
		testRow(t, "A1", "675-24109-0010-TS2", "FCT", "2026-03-02 10:00:00", "PASS", ""),
		testRow(t, "B2", "900-111-TS1", "FCT", "2026-03-02 09:00:00", "FAIL", "VOLTAGE OUT OF RANGE"),
		testRow(t, "B2", "900-111-TS1", "RIN", "2026-03-02 11:00:00", "PASS", ""),
		testRow(t, "C3", "", "FCT", "2026-03-02 09:30:00", "FAIL", "SHORT DETECTED"),
		testRow(t, "  ", "675-24109-0010-TS2", "FCT", "2026-03-02 09:45:00", "PASS", ""),
	}
}

func fixtureMembership() Membership {
	return setMembership{sns: sets.New("B2")}
}

func TestComputeAllSummaryAndTrays(t *testing.T) {
	cfg := config.DefaultConfig()
	result := ComputeAll(fixtureRows(t), config.AggregationDaily, cfg, fixtureMembership())

	expectedSummary := Summary{Total: 3, Pass: 2, Fail: 1}
	if diff := cmp.Diff(expectedSummary, result.Summary); diff != "" {
		t.Errorf("unexpected summary: %s", diff)
	}

	expectedTrays := TraySummary{
		Tested: TrayCounts{BP: 1, Fresh: 2, Total: 3},
		Pass:   TrayCounts{BP: 1, Fresh: 1, Total: 2},
		Fail:   TrayCounts{BP: 0, Fresh: 1, Total: 1},
	}
	if diff := cmp.Diff(expectedTrays, result.TraySummary); diff != "" {
		t.Errorf("unexpected tray summary: %s", diff)
	}
}

func TestComputeAllTrayPartition(t *testing.T) {
	cfg := config.DefaultConfig()
	result := ComputeAll(fixtureRows(t), config.AggregationDaily, cfg, fixtureMembership())

	for name, counts := range map[string]TrayCounts{
		"tested": result.TraySummary.Tested,
		"pass":   result.TraySummary.Pass,
		"fail":   result.TraySummary.Fail,
	} {
		if counts.BP+counts.Fresh != counts.Total {
			t.Errorf("%s: bp (%d) + fresh (%d) != total (%d)", name, counts.BP, counts.Fresh, counts.Total)
		}
	}
}

func TestComputeAllSKURows(t *testing.T) {
	cfg := config.DefaultConfig()
	result := ComputeAll(fixtureRows(t), config.AggregationDaily, cfg, fixtureMembership())

	expected := []SKURow{
		{SKU: "675-24109-0010-TS2", Tested: 1, Pass: 1, Fail: 0},
		{SKU: "900-111-TS1", Tested: 1, Pass: 1, Fail: 0},
		{SKU: "Unknown", Tested: 1, Pass: 0, Fail: 1},
	}
	if diff := cmp.Diff(expected, result.SKURows); diff != "" {
		t.Errorf("unexpected sku rows: %s", diff)
	}
}

func TestComputeAllBreakdownRows(t *testing.T) {
	cfg := config.DefaultConfig()
	rows := fixtureRows(t)
	rows = append(rows, testRow(t, "D4", "675-24109-0020-TS2", "FCT", "2026-03-03 08:00:00", "PASS", ""))
	result := ComputeAll(rows, config.AggregationDaily, cfg, fixtureMembership())

	expected := []BreakdownRow{
		{Period: "2026-03-02", Tested: 3, Passed: 2, Bonepile: 1, Fresh: 2, PassRate: 2.0 / 3.0},
		{Period: "2026-03-03", Tested: 1, Passed: 1, Bonepile: 0, Fresh: 1, PassRate: 1.0},
	}
	if diff := cmp.Diff(expected, result.BreakdownRows); diff != "" {
		t.Errorf("unexpected breakdown rows: %s", diff)
	}
}

func TestComputeAllBreakdownWeekly(t *testing.T) {
	cfg := config.DefaultConfig()
	rows := []api.TestEventRow{
		testRow(t, "A1", "675-24109-0010-TS2", "FCT", "2026-03-02 10:00:00", "PASS", ""),
		testRow(t, "B2", "900-111-TS1", "RIN", "2026-03-09 11:00:00", "PASS", ""),
	}
	result := ComputeAll(rows, config.AggregationWeekly, cfg, nil)

	expected := []BreakdownRow{
		{Period: "2026-03-01~2026-03-07", Tested: 1, Passed: 1, Fresh: 1, PassRate: 1.0},
		{Period: "2026-03-08~2026-03-14", Tested: 1, Passed: 1, Fresh: 1, PassRate: 1.0},
	}
	if diff := cmp.Diff(expected, result.BreakdownRows); diff != "" {
		t.Errorf("unexpected breakdown rows: %s", diff)
	}
}

func TestComputeAllTestFlow(t *testing.T) {
	cfg := config.DefaultConfig()
	result := ComputeAll(fixtureRows(t), config.AggregationDaily, cfg, fixtureMembership())

	if diff := cmp.Diff(cfg.StationsOrder, result.TestFlow.Stations); diff != "" {
		t.Errorf("unexpected station order: %s", diff)
	}
	if expected := (StationCounts{Pass: 1, Fail: 2}); result.TestFlow.Totals["FCT"] != expected {
		t.Errorf("FCT totals = %+v, expected %+v", result.TestFlow.Totals["FCT"], expected)
	}
	if expected := (StationCounts{Pass: 1, Fail: 0}); result.TestFlow.Totals["RIN"] != expected {
		t.Errorf("RIN totals = %+v, expected %+v", result.TestFlow.Totals["RIN"], expected)
	}

	var order []string
	for _, row := range result.TestFlow.Rows {
		order = append(order, row.TS+"/"+row.SKU)
	}
	// Numeric stages ascending, the unknown stage last.
	expectedOrder := []string{"TS1/900-111-TS1", "TS2/675-24109-0010-TS2", "TS?/Unknown"}
	if diff := cmp.Diff(expectedOrder, order); diff != "" {
		t.Errorf("unexpected test flow row order: %s", diff)
	}
}

func TestComputeAllPermutationInvariant(t *testing.T) {
	cfg := config.DefaultConfig()
	rows := fixtureRows(t)
	forward := ComputeAll(append([]api.TestEventRow{}, rows...), config.AggregationDaily, cfg, fixtureMembership())

	reversed := make([]api.TestEventRow, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		reversed = append(reversed, rows[i])
	}
	backward := ComputeAll(reversed, config.AggregationDaily, cfg, fixtureMembership())

	if diff := cmp.Diff(forward.Summary, backward.Summary); diff != "" {
		t.Errorf("summary depends on row order: %s", diff)
	}
	if diff := cmp.Diff(forward.TraySummary, backward.TraySummary); diff != "" {
		t.Errorf("tray summary depends on row order: %s", diff)
	}
	if diff := cmp.Diff(forward.SKURows, backward.SKURows); diff != "" {
		t.Errorf("sku rows depend on row order: %s", diff)
	}
	if diff := cmp.Diff(forward.BreakdownRows, backward.BreakdownRows); diff != "" {
		t.Errorf("breakdown rows depend on row order: %s", diff)
	}
}

// Recomputing over the same row slice yields the identical result. The
// first call tags IsBonepile on the shared rows in place, so the second
// call starts from already-tagged input and must not drift.
func TestComputeAllIdempotent(t *testing.T) {
	cfg := config.DefaultConfig()
	rows := fixtureRows(t)
	first := ComputeAll(rows, config.AggregationDaily, cfg, fixtureMembership())
	second := ComputeAll(rows, config.AggregationDaily, cfg, fixtureMembership())
	if diff := cmp.Diff(first, second, cmp.AllowUnexported(Result{})); diff != "" {
		t.Errorf("recompute diverged: %s", diff)
	}

	// Also with membership dropped: the pre-tagged rows alone must
	// reproduce the bonepile partition.
	third := ComputeAll(rows, config.AggregationDaily, cfg, nil)
	if diff := cmp.Diff(first.TraySummary, third.TraySummary); diff != "" {
		t.Errorf("pre-tagged recompute diverged: %s", diff)
	}
}

func TestComputeAllHonorsPreTaggedBonepile(t *testing.T) {
	cfg := config.DefaultConfig()
	rows := []api.TestEventRow{
		testRow(t, "A1", "675-24109-0010-TS2", "FCT", "2026-03-02 10:00:00", "PASS", ""),
	}
	rows[0].IsBonepile = true
	result := ComputeAll(rows, config.AggregationDaily, cfg, nil)

	if result.TraySummary.Tested.BP != 1 {
		t.Errorf("expected pre-tagged bonepile row to count as BP, got %+v", result.TraySummary.Tested)
	}
}

func TestComputeAllEmpty(t *testing.T) {
	cfg := config.DefaultConfig()
	result := ComputeAll(nil, config.AggregationDaily, cfg, fixtureMembership())

	if diff := cmp.Diff(Summary{}, result.Summary); diff != "" {
		t.Errorf("unexpected summary for empty input: %s", diff)
	}
	if len(result.SKURows) != 0 || len(result.BreakdownRows) != 0 || len(result.TestFlow.Rows) != 0 {
		t.Errorf("expected empty tables, got %+v", result)
	}
	if diff := cmp.Diff(cfg.StationsOrder, result.TestFlow.Stations); diff != "" {
		t.Errorf("empty result should still carry station columns: %s", diff)
	}
}
