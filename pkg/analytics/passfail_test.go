package analytics

import (
	"testing"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

func TestIsSNPassed(t *testing.T) {
	cfg := config.DefaultConfig()
	testCases := []struct {
		name     string
		rows     []api.TestEventRow
		expected bool
	}{
		{
			name: "pass at the designated station",
			rows: []api.TestEventRow{
				{PartNumber: "675-24109-0010-TS2", Station: "FCT", Result: "PASS"},
			},
			expected: true,
		},
		{
			name: "pass at the wrong station does not qualify",
			rows: []api.TestEventRow{
				{PartNumber: "675-24109-0010-TS2", Station: "RIN", Result: "PASS"},
			},
			expected: false,
		},
		{
			name: "unlisted part number passes at the fallback station",
			rows: []api.TestEventRow{
				{PartNumber: "900-111-TS1", Station: "RIN", Result: "PASS"},
			},
			expected: true,
		},
		{
			name: "station comparison is case and whitespace insensitive",
			rows: []api.TestEventRow{
				{PartNumber: "675-24109-0010-TS2", Station: " fct ", Result: "pass"},
			},
			expected: true,
		},
		{
			name: "blank part number never qualifies",
			rows: []api.TestEventRow{
				{PartNumber: "   ", Station: "RIN", Result: "PASS"},
			},
			expected: false,
		},
		{
			name: "unknown part number never qualifies",
			rows: []api.TestEventRow{
				{PartNumber: "unknown", Station: "RIN", Result: "PASS"},
			},
			expected: false,
		},
		{
			name: "fails alone are not a pass",
			rows: []api.TestEventRow{
				{PartNumber: "675-24109-0010-TS2", Station: "FCT", Result: "FAIL"},
				{PartNumber: "675-24109-0010-TS2", Station: "FCT", Result: "FAIL"},
			},
			expected: false,
		},
		{
			name: "qualifying pass anywhere in the history wins regardless of order",
			rows: []api.TestEventRow{
				{PartNumber: "675-24109-0010-TS2", Station: "FCT", Result: "PASS"},
				{PartNumber: "675-24109-0010-TS2", Station: "FCT", Result: "FAIL"},
			},
			expected: true,
		},
		{
			name:     "no rows",
			rows:     nil,
			expected: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if actual := IsSNPassed(tc.rows, cfg); actual != tc.expected {
				t.Errorf("IsSNPassed = %v, expected %v", actual, tc.expected)
			}
		})
	}
}
