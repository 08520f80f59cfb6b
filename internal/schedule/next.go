package schedule

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/default-anton/jagc/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextOccurrence computes a task's next fire time strictly after `after`
// (for cron, at least one second after, in the task's timezone). A nil
// result means the schedule is exhausted and the task should disable.
func NextOccurrence(task *persistence.ScheduledTask, after time.Time) (*time.Time, error) {
	switch task.ScheduleKind {
	case persistence.ScheduleOnce:
		if task.OnceAt == nil {
			return nil, fmt.Errorf("once task %s has no once_at", task.TaskID)
		}
		if task.OnceAt.After(after) {
			t := task.OnceAt.UTC()
			return &t, nil
		}
		return nil, nil

	case persistence.ScheduleCron:
		loc, err := loadLocation(task.Timezone)
		if err != nil {
			return nil, err
		}
		sched, err := cronParser.Parse(task.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", task.CronExpr, err)
		}
		// Next is strictly-after, so shifting the cursor makes the result
		// land at or beyond after+1s.
		next := sched.Next(after.In(loc).Add(time.Second - time.Nanosecond))
		if next.IsZero() {
			return nil, nil
		}
		nextUTC := next.UTC()
		return &nextUTC, nil

	case persistence.ScheduleRRule:
		rule, err := parseRRule(task)
		if err != nil {
			return nil, err
		}
		next := rule.After(after, false)
		if next.IsZero() {
			return nil, nil
		}
		nextUTC := next.UTC()
		return &nextUTC, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

func parseRRule(task *persistence.ScheduledTask) (*rrule.RRule, error) {
	expr := strings.TrimSpace(task.RRuleExpr)
	if expr == "" {
		return nil, fmt.Errorf("rrule task %s has no rrule_expr", task.TaskID)
	}
	loc, err := loadLocation(task.Timezone)
	if err != nil {
		return nil, err
	}

	opts, err := rrule.StrToROption(strings.TrimPrefix(expr, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", expr, err)
	}
	if opts.Dtstart.IsZero() {
		opts.Dtstart = task.CreatedAt.In(loc)
	}
	rule, err := rrule.NewRRule(*opts)
	if err != nil {
		return nil, fmt.Errorf("build rrule %q: %w", expr, err)
	}
	return rule, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}
