// Package schedule polls for due scheduled tasks and turns each occurrence
// into exactly one run.
package schedule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/default-anton/jagc/internal/bus"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/service"
	"github.com/default-anton/jagc/internal/telemetry"
)

// RunService is the slice of the run service the engine needs.
type RunService interface {
	IngestMessage(ctx context.Context, params persistence.IngestParams) (service.IngestResult, error)
	SubscribeRunProgress(runID string, listener func(bus.RunProgressEvent)) func()
}

// Config holds the engine's dependencies.
type Config struct {
	Store  *persistence.Store
	Runs   RunService
	Logger *slog.Logger
	Bus    *bus.Bus
	// Interval is the poll tick; defaults to 15s if zero.
	Interval time.Duration
	// CatchupGrace bounds how far past-due an occurrence may be before the
	// missed occurrences coalesce into a single catch-up run at now.
	// Defaults to 5 minutes if zero.
	CatchupGrace time.Duration
	Metrics      *telemetry.Metrics
}

// Engine is the scheduled-task poller.
type Engine struct {
	store        *persistence.Store
	runs         RunService
	logger       *slog.Logger
	events       *bus.Bus
	interval     time.Duration
	catchupGrace time.Duration
	metrics      *telemetry.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an Engine with the given config.
func NewEngine(cfg Config) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	grace := cfg.CatchupGrace
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		runs:         cfg.Runs,
		logger:       logger,
		events:       cfg.Bus,
		interval:     interval,
		catchupGrace: grace,
		metrics:      cfg.Metrics,
	}
}

// Start begins the poll loop in a background goroutine.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("scheduled task engine started", "interval", e.interval)
}

// Stop cancels the poll loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("scheduled task engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	e.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes every due task once. Due tasks arrive ordered by ascending
// task_id, the tie-break for simultaneous fires.
func (e *Engine) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := e.store.ListDueScheduledTasks(ctx, now)
	if err != nil {
		e.logger.Error("query due scheduled tasks failed", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		e.fire(ctx, task, now)
	}
}

// fire claims the task's due occurrence, ingests it as a run, and advances
// next_run_at. Occurrences missed beyond the grace window collapse into a
// single catch-up run at now.
func (e *Engine) fire(ctx context.Context, task *persistence.ScheduledTask, now time.Time) {
	if task.NextRunAt == nil {
		return
	}
	scheduledFor := task.NextRunAt.UTC()
	if now.Sub(scheduledFor) > e.catchupGrace {
		e.logger.Info("coalescing missed occurrences into catch-up run",
			"task_id", task.TaskID, "was_due", scheduledFor, "now", now)
		scheduledFor = now
	}

	key := IdempotencyKey(task.TaskID, scheduledFor)
	taskRun, created, err := e.store.CreateOrGetTaskRun(ctx, task.TaskID, scheduledFor, key)
	if err != nil {
		e.logger.Error("claim task occurrence failed", "task_id", task.TaskID, "error", err)
		return
	}

	if created {
		result, err := e.runs.IngestMessage(ctx, persistence.IngestParams{
			Source:         "scheduled",
			ThreadKey:      task.RunThreadKey(),
			UserKey:        task.OwnerUserKey,
			DeliveryMode:   persistence.DeliveryFollowUp,
			Text:           task.Instructions,
			IdempotencyKey: key,
		})
		if err != nil {
			e.logger.Error("ingest scheduled run failed", "task_id", task.TaskID, "error", err)
			if ferr := e.store.FinalizeTaskRun(ctx, taskRun.TaskRunID, persistence.TaskRunFailed, err.Error()); ferr != nil {
				e.logger.Error("finalize task run failed", "task_run_id", taskRun.TaskRunID, "error", ferr)
			}
			e.advance(ctx, task, now, string(persistence.TaskRunFailed), err.Error())
			return
		}

		runID := result.Run.RunID
		if err := e.store.BindTaskRun(ctx, taskRun.TaskRunID, runID); err != nil {
			e.logger.Error("bind task run failed", "task_run_id", taskRun.TaskRunID, "error", err)
		}
		e.watchOutcome(task.TaskID, taskRun.TaskRunID, runID)

		if e.metrics != nil {
			e.metrics.ScheduleFires.Add(ctx, 1)
		}
		if e.events != nil {
			e.events.Publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{
				TaskID:       task.TaskID,
				TaskRunID:    taskRun.TaskRunID,
				RunID:        runID,
				ScheduledFor: scheduledFor.Format(time.RFC3339),
			})
		}
		e.logger.Info("scheduled task fired",
			"task_id", task.TaskID, "task_run_id", taskRun.TaskRunID,
			"run_id", runID, "scheduled_for", scheduledFor)
	}

	e.advance(ctx, task, now, "", "")
}

// watchOutcome records the run's terminal state against the task and its
// occurrence row.
func (e *Engine) watchOutcome(taskID, taskRunID, runID string) {
	var unsub func()
	unsub = e.runs.SubscribeRunProgress(runID, func(ev bus.RunProgressEvent) {
		if !ev.Terminal() {
			return
		}
		ctx := context.Background()
		status := persistence.TaskRunSucceeded
		if ev.Kind == bus.RunProgressFailed {
			status = persistence.TaskRunFailed
		}
		if err := e.store.FinalizeTaskRun(ctx, taskRunID, status, ev.ErrorMessage); err != nil {
			e.logger.Error("finalize task run failed", "task_run_id", taskRunID, "error", err)
		}
		if err := e.store.UpdateScheduledTaskOutcome(ctx, taskID, string(status), ev.ErrorMessage); err != nil {
			e.logger.Error("update task outcome failed", "task_id", taskID, "error", err)
		}
		if unsub != nil {
			unsub()
		}
	})
}

// advance computes and stores the task's next fire time; once-tasks
// disable.
func (e *Engine) advance(ctx context.Context, task *persistence.ScheduledTask, now time.Time, status, errMsg string) {
	next, err := NextOccurrence(task, now)
	if err != nil {
		e.logger.Error("compute next occurrence failed", "task_id", task.TaskID, "error", err)
		// Disable rather than refiring the same due time forever.
		next = nil
		if status == "" {
			status, errMsg = string(persistence.TaskRunFailed), err.Error()
		}
	}
	if status == "" {
		status = string(persistence.TaskRunPending)
	}
	if err := e.store.AdvanceScheduledTask(ctx, task.TaskID, now, status, errMsg, next); err != nil {
		e.logger.Error("advance scheduled task failed", "task_id", task.TaskID, "error", err)
	}
}

// IdempotencyKey derives the stable occurrence key: sha256 over the task id
// and the scheduled time.
func IdempotencyKey(taskID string, scheduledFor time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s", taskID, scheduledFor.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])
}
