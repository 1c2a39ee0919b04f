// Package sfc talks to the shop-floor-control report server: logging in,
// fetching the fail-result report, and parsing its HTML table into test
// event rows.
package sfc

import (
	"strings"
	"time"

	"github.com/anaskhan96/soup"

	"github.com/l10-factory/sfc-tools/pkg/api"
)

// Fail-result table column positions.
const (
	idxSerial          = 1
	idxMO              = 2
	idxModel           = 4
	idxStation         = 5
	idxTestTime        = 7
	idxResult          = 8
	idxErrorCode       = 9
	idxFailureMsg      = 10
	idxCurrentStation  = 18
	idxStationInstance = 19
)

var testTimeFormats = []string{
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02 15:04",
}

// ParseTestTime parses a report timestamp like "2026/02/09 00:46:40" in the
// given location. Unparseable input yields nil.
func ParseTestTime(s string, loc *time.Location) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, format := range testTimeFormats {
		if t, err := time.ParseInLocation(format, s, loc); err == nil {
			return &t
		}
	}
	return nil
}

// normalizeMO strips the suffix and leading zeros from a manufacturing
// order, e.g. "000007019042-1" -> "7019042".
func normalizeMO(mo string) string {
	s := strings.TrimSpace(mo)
	if s == "" {
		return ""
	}
	trimmed := s
	if i := strings.Index(trimmed, "-"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimLeft(trimmed, "0")
	if trimmed == "" {
		return "0"
	}
	for _, c := range trimmed {
		if c < '0' || c > '9' {
			return s
		}
	}
	return trimmed
}

func cellText(td soup.Root) string {
	if td.Error != nil {
		return ""
	}
	text := td.FullText()
	text = strings.ReplaceAll(text, " ", " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	return strings.TrimSpace(text)
}

// ParseFailResult parses the fail-result HTML table into rows. When both
// bounds are set, rows with a parseable test time outside [start, end] are
// dropped; rows whose time cannot be parsed are kept.
func ParseFailResult(html string, start, end *time.Time, loc *time.Location) []api.TestEventRow {
	doc := soup.HTMLParse(html)
	table := doc.Find("table")
	if table.Error != nil {
		return nil
	}

	var out []api.TestEventRow
	for _, tr := range table.FindAll("tr") {
		tds := tr.FindAll("td")
		if len(tds) <= idxCurrentStation {
			continue
		}
		first := strings.ToUpper(cellText(tds[0]))
		if first == "#" || first == "SERIAL NUMBER" {
			continue
		}

		row := api.TestEventRow{
			SerialNumber:   cellText(tds[idxSerial]),
			WorkOrder:      normalizeMO(cellText(tds[idxMO])),
			PartNumber:     cellText(tds[idxModel]),
			Station:        cellText(tds[idxStation]),
			TestTime:       cellText(tds[idxTestTime]),
			Result:         cellText(tds[idxResult]),
			ErrorCode:      cellText(tds[idxErrorCode]),
			FailureMsg:     cellText(tds[idxFailureMsg]),
			CurrentStation: cellText(tds[idxCurrentStation]),
		}
		if len(tds) > idxStationInstance {
			row.StationInstance = cellText(tds[idxStationInstance])
		}
		row.TestTimeDT = ParseTestTime(row.TestTime, loc)

		if start != nil && end != nil && row.TestTimeDT != nil {
			if row.TestTimeDT.Before(*start) || row.TestTimeDT.After(*end) {
				continue
			}
		}
		out = append(out, row)
	}
	return out
}
