package sfc

import (
	"bytes"
	"encoding/csv"

	"github.com/l10-factory/sfc-tools/pkg/api"
)

var csvHeader = []string{
	"SERIAL NUMBER", "Work order", "Part number", "STATION",
	"TEST TIME", "RESULT", "FAILURE MSG", "CURRENT STATION",
}

// RowsToCSV renders rows as a CSV export. With includeBP a trailing BP
// column marks bonepile membership Yes/No.
func RowsToCSV(rows []api.TestEventRow, includeBP bool) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := csvHeader
	if includeBP {
		header = append(append([]string{}, csvHeader...), "BP")
	}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.SerialNumber, r.WorkOrder, r.PartNumber, r.Station,
			r.TestTime, r.Result, r.FailureMsg, r.CurrentStation,
		}
		if includeBP {
			bp := "No"
			if r.IsBonepile {
				bp = "Yes"
			}
			record = append(record, bp)
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}
