package analytics

import (
	"strings"

	"github.com/l10-factory/sfc-tools/pkg/api"
	"github.com/l10-factory/sfc-tools/pkg/config"
)

// IsSNPassed reports whether a serial number counts as PASS: at least one of
// its rows has RESULT=PASS at the station the pass rules designate for that
// row's part number. Rows without a usable part number never qualify. The
// result does not depend on row order.
func IsSNPassed(rows []api.TestEventRow, cfg *config.Config) bool {
	for i := range rows {
		row := &rows[i]
		if api.Norm(row.Result) != api.ResultPass {
			continue
		}
		partNumber := strings.TrimSpace(row.PartNumber)
		if partNumber == "" || api.Norm(partNumber) == "UNKNOWN" {
			continue
		}
		if api.Norm(row.Station) == cfg.PassStationFor(partNumber) {
			return true
		}
	}
	return false
}
