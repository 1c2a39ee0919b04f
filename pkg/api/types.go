package api

import (
	"strings"
	"time"
)

// Result literals as the SFC report emits them.
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

// TestEventRow is one test execution record scraped from the SFC fail_result
// report. TestTimeDT is nil when the TEST TIME cell could not be parsed; all
// temporal logic keys off TestTimeDT, never the display string.
type TestEventRow struct {
	SerialNumber    string     `json:"serial_number"`
	WorkOrder       string     `json:"work_order,omitempty"`
	PartNumber      string     `json:"part_number"`
	Station         string     `json:"station"`
	TestTime        string     `json:"test_time"`
	TestTimeDT      *time.Time `json:"-"`
	Result          string     `json:"result"`
	ErrorCode       string     `json:"error_code,omitempty"`
	FailureMsg      string     `json:"failure_msg,omitempty"`
	CurrentStation  string     `json:"current_station,omitempty"`
	StationInstance string     `json:"station_instance,omitempty"`
	IsBonepile      bool       `json:"is_bonepile"`
}

// SN returns the trimmed serial number. An empty SN means the row has no unit
// identity and is dropped before aggregation.
func (r *TestEventRow) SN() string {
	return strings.TrimSpace(r.SerialNumber)
}

// Norm collapses the case and whitespace variance the SFC report exhibits.
func Norm(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
