package analytics

import (
	"fmt"
	"time"

	"github.com/l10-factory/sfc-tools/pkg/config"
)

// periodFor buckets a row timestamp under the requested granularity. The
// timestamp is localized into the business timezone first: two rows with the
// same UTC instant can land in different daily buckets when they straddle the
// timezone boundary. Weekly periods are anchored to Sunday.
func periodFor(t time.Time, aggregation string, loc *time.Location) string {
	local := t.In(loc)
	switch aggregation {
	case config.AggregationMonthly:
		return local.Format("2006-01")
	case config.AggregationWeekly:
		weekStart := local.AddDate(0, 0, -int(local.Weekday()))
		weekEnd := weekStart.AddDate(0, 0, 6)
		return fmt.Sprintf("%s~%s", weekStart.Format("2006-01-02"), weekEnd.Format("2006-01-02"))
	default:
		return local.Format("2006-01-02")
	}
}
