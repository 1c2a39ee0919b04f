package analytics

import (
	"testing"
	"time"

	"github.com/l10-factory/sfc-tools/pkg/config"
)

func TestPeriodFor(t *testing.T) {
	loc := config.DefaultConfig().Location()
	testCases := []struct {
		name        string
		timestamp   string
		aggregation string
		expected    string
	}{
		{
			name:        "daily",
			timestamp:   "2026-03-04 13:45:00",
			aggregation: config.AggregationDaily,
			expected:    "2026-03-04",
		},
		{
			name:        "weekly anchors on sunday",
			timestamp:   "2026-03-04 13:45:00",
			aggregation: config.AggregationWeekly,
			expected:    "2026-03-01~2026-03-07",
		},
		{
			name:        "weekly on a sunday starts its own week",
			timestamp:   "2026-03-01 00:00:00",
			aggregation: config.AggregationWeekly,
			expected:    "2026-03-01~2026-03-07",
		},
		{
			name:        "weekly on a saturday ends the week",
			timestamp:   "2026-03-07 23:59:59",
			aggregation: config.AggregationWeekly,
			expected:    "2026-03-01~2026-03-07",
		},
		{
			name:        "weekly range can span a month boundary",
			timestamp:   "2026-03-31 08:00:00",
			aggregation: config.AggregationWeekly,
			expected:    "2026-03-29~2026-04-04",
		},
		{
			name:        "monthly",
			timestamp:   "2026-03-04 13:45:00",
			aggregation: config.AggregationMonthly,
			expected:    "2026-03",
		},
		{
			name:        "unknown aggregation falls back to daily",
			timestamp:   "2026-03-04 13:45:00",
			aggregation: "hourly",
			expected:    "2026-03-04",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts, err := time.ParseInLocation("2006-01-02 15:04:05", tc.timestamp, loc)
			if err != nil {
				t.Fatalf("could not parse timestamp: %v", err)
			}
			if actual := periodFor(ts, tc.aggregation, loc); actual != tc.expected {
				t.Errorf("periodFor(%s, %s) = %q, expected %q", tc.timestamp, tc.aggregation, actual, tc.expected)
			}
		})
	}
}
