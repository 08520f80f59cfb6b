package schedule

import (
	"testing"
	"time"

	"github.com/default-anton/jagc/internal/persistence"
)

func TestNextOccurrence_CronRespectsTimezone(t *testing.T) {
	task := &persistence.ScheduledTask{
		TaskID:       "task_tz",
		ScheduleKind: persistence.ScheduleCron,
		CronExpr:     "0 9 * * *",
		Timezone:     "America/New_York",
	}
	after := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC) // 08:00 in New York (EDT)
	next, err := NextOccurrence(task, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	// 09:00 EDT == 13:00 UTC the same day.
	want := time.Date(2026, 8, 2, 13, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrence_CronAtLeastOneSecondAhead(t *testing.T) {
	task := &persistence.ScheduledTask{
		TaskID:       "task_min",
		ScheduleKind: persistence.ScheduleCron,
		CronExpr:     "* * * * *",
		Timezone:     "UTC",
	}
	after := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	next, err := NextOccurrence(task, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || next.Sub(after) < time.Second {
		t.Fatalf("next = %v, want >= after+1s", next)
	}
}

func TestNextOccurrence_OncePastIsExhausted(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	task := &persistence.ScheduledTask{
		TaskID:       "task_once",
		ScheduleKind: persistence.ScheduleOnce,
		OnceAt:       &past,
		Timezone:     "UTC",
	}
	next, err := NextOccurrence(task, time.Now().UTC())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != nil {
		t.Fatalf("past once schedule must exhaust, got %v", next)
	}

	future := time.Now().UTC().Add(time.Hour)
	task.OnceAt = &future
	next, err = NextOccurrence(task, time.Now().UTC())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || !next.Equal(future) {
		t.Fatalf("next = %v, want %v", next, future)
	}
}

func TestNextOccurrence_RRuleDaily(t *testing.T) {
	task := &persistence.ScheduledTask{
		TaskID:       "task_rrule",
		ScheduleKind: persistence.ScheduleRRule,
		RRuleExpr:    "RRULE:FREQ=DAILY;INTERVAL=2",
		Timezone:     "UTC",
		CreatedAt:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	after := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	next, err := NextOccurrence(task, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrence_BadExpressions(t *testing.T) {
	task := &persistence.ScheduledTask{
		TaskID:       "task_bad",
		ScheduleKind: persistence.ScheduleCron,
		CronExpr:     "not a cron",
		Timezone:     "UTC",
	}
	if _, err := NextOccurrence(task, time.Now()); err == nil {
		t.Fatal("expected cron parse error")
	}

	task = &persistence.ScheduledTask{
		TaskID:       "task_badtz",
		ScheduleKind: persistence.ScheduleCron,
		CronExpr:     "0 9 * * *",
		Timezone:     "Mars/Olympus_Mons",
	}
	if _, err := NextOccurrence(task, time.Now()); err == nil {
		t.Fatal("expected timezone error")
	}
}
