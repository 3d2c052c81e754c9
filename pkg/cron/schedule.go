package cron

import (
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

// CronExpression returns the trigger's cron expression, auto-generating one from
// interval_type when none is set.
func CronExpression(tp *model.TriggerParams) string {
	if tp != nil && tp.CronExpr != "" {
		return tp.CronExpr
	}
	interval := ""
	if tp != nil {
		interval = tp.IntervalType
	}
	switch interval {
	case "weekly":
		return "0 0 * * 1" // Every Monday at midnight
	case "monthly":
		return "0 0 1 * *" // First day of month at midnight
	default:
		return "0 0 * * *" // Every day at midnight
	}
}

// NextRun calculates the next fire time after now in the trigger's timezone.
// Invalid timezones fall back to UTC; an unparsable expression falls back to one hour from now.
// The result is UTC truncated to the second.
func NextRun(tp *model.TriggerParams, now time.Time) time.Time {
	loc := time.UTC
	if tp != nil && tp.Timezone != "" {
		if l, err := time.LoadLocation(tp.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	expr, err := cronexpr.Parse(CronExpression(tp))
	if err != nil {
		return local.Add(time.Hour).UTC().Truncate(time.Second)
	}
	return expr.Next(local).UTC().Truncate(time.Second)
}
