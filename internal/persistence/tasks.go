package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/default-anton/jagc/internal/shared"
)

// ScheduleKind enumerates scheduled-task schedule types.
type ScheduleKind string

const (
	ScheduleOnce  ScheduleKind = "once"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleRRule ScheduleKind = "rrule"
)

// Valid reports whether k is a known schedule kind.
func (k ScheduleKind) Valid() bool {
	return k == ScheduleOnce || k == ScheduleCron || k == ScheduleRRule
}

// DeliveryTarget names where a scheduled task's output is delivered.
type DeliveryTarget struct {
	Provider string `json:"provider"`
	Route    string `json:"route"`
	Metadata string `json:"metadata,omitempty"`
}

// ScheduledTask is a recurring or one-shot task definition.
type ScheduledTask struct {
	TaskID             string         `json:"task_id"`
	Title              string         `json:"title"`
	Instructions       string         `json:"instructions"`
	ScheduleKind       ScheduleKind   `json:"schedule_kind"`
	OnceAt             *time.Time     `json:"once_at,omitempty"`
	CronExpr           string         `json:"cron_expr,omitempty"`
	RRuleExpr          string         `json:"rrule_expr,omitempty"`
	Timezone           string         `json:"timezone"`
	Enabled            bool           `json:"enabled"`
	NextRunAt          *time.Time     `json:"next_run_at,omitempty"`
	CreatorThreadKey   string         `json:"creator_thread_key"`
	OwnerUserKey       string         `json:"owner_user_key,omitempty"`
	Delivery           DeliveryTarget `json:"delivery_target"`
	ExecutionThreadKey string         `json:"execution_thread_key,omitempty"`
	LastRunAt          *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus      string         `json:"last_run_status,omitempty"`
	LastErrorMessage   string         `json:"last_error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// RunThreadKey is the thread scheduled runs execute on.
func (t *ScheduledTask) RunThreadKey() string {
	if t.ExecutionThreadKey != "" {
		return t.ExecutionThreadKey
	}
	return t.CreatorThreadKey
}

// TaskRunStatus is the lifecycle state of one scheduled occurrence.
type TaskRunStatus string

const (
	TaskRunPending   TaskRunStatus = "pending"
	TaskRunSucceeded TaskRunStatus = "succeeded"
	TaskRunFailed    TaskRunStatus = "failed"
)

// ScheduledTaskRun is one occurrence of a task. UNIQUE(task_id,
// scheduled_for) and UNIQUE(idempotency_key) make it at-most-once across
// process restarts.
type ScheduledTaskRun struct {
	TaskRunID      string        `json:"task_run_id"`
	TaskID         string        `json:"task_id"`
	ScheduledFor   time.Time     `json:"scheduled_for"`
	IdempotencyKey string        `json:"idempotency_key"`
	RunID          string        `json:"run_id,omitempty"`
	Status         TaskRunStatus `json:"status"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// CreateScheduledTask inserts a new task definition, minting its id when
// absent.
func (s *Store) CreateScheduledTask(ctx context.Context, task *ScheduledTask) error {
	if task.TaskID == "" {
		task.TaskID = shared.NewTaskID()
	}
	if task.Timezone == "" {
		task.Timezone = "UTC"
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (task_id, title, instructions, schedule_kind,
			once_at, cron_expr, rrule_expr, timezone, enabled, next_run_at,
			creator_thread_key, owner_user_key, delivery_provider, delivery_route,
			delivery_metadata, execution_thread_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		task.TaskID, task.Title, task.Instructions, string(task.ScheduleKind),
		nullTime(task.OnceAt), nullString(task.CronExpr), nullString(task.RRuleExpr),
		task.Timezone, boolToInt(task.Enabled), nullTime(task.NextRunAt),
		task.CreatorThreadKey, nullString(task.OwnerUserKey),
		task.Delivery.Provider, task.Delivery.Route, nullString(task.Delivery.Metadata),
		nullString(task.ExecutionThreadKey), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

// GetScheduledTask loads one task.
func (s *Store) GetScheduledTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, scheduledTaskSelect+` WHERE task_id = ?;`, taskID)
	task, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// ListDueScheduledTasks returns enabled tasks with next_run_at <= now,
// ascending task_id (the simultaneous-fire tie-break).
func (s *Store) ListDueScheduledTasks(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, scheduledTaskSelect+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY task_id ASC;
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

// ListScheduledTasksByCreator returns the tasks a thread created.
func (s *Store) ListScheduledTasksByCreator(ctx context.Context, creatorThreadKey string) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, scheduledTaskSelect+`
		WHERE creator_thread_key = ? ORDER BY created_at ASC;
	`, creatorThreadKey)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectScheduledTasks(rows)
}

// AdvanceScheduledTask records an occurrence outcome and the next fire time.
// A nil nextRunAt disables the task (one-shot completion).
func (s *Store) AdvanceScheduledTask(ctx context.Context, taskID string, lastRunAt time.Time, lastStatus, lastErr string, nextRunAt *time.Time) error {
	enabled := 1
	if nextRunAt == nil {
		enabled = 0
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = ?, last_run_status = ?, last_error_message = ?,
			next_run_at = ?, enabled = ?, updated_at = ?
		WHERE task_id = ?;
	`, formatTime(lastRunAt), nullString(lastStatus), nullString(lastErr),
		nullTime(nextRunAt), enabled, nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("advance scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateScheduledTaskOutcome records the terminal outcome of the task's
// most recent occurrence without touching its schedule.
func (s *Store) UpdateScheduledTaskOutcome(ctx context.Context, taskID, lastStatus, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run_status = ?, last_error_message = ?, updated_at = ?
		WHERE task_id = ?;
	`, nullString(lastStatus), nullString(lastErr), nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("update scheduled task outcome: %w", err)
	}
	return nil
}

// SetScheduledTaskEnabled toggles a task.
func (s *Store) SetScheduledTaskEnabled(ctx context.Context, taskID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE task_id = ?;
	`, boolToInt(enabled), nowUTC(), taskID)
	if err != nil {
		return fmt.Errorf("toggle scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteScheduledTask removes a task and its occurrence rows.
func (s *Store) DeleteScheduledTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// CreateOrGetTaskRun claims one occurrence. The UNIQUE constraints make the
// claim exactly-once: a second caller gets the existing row and created=false.
func (s *Store) CreateOrGetTaskRun(ctx context.Context, taskID string, scheduledFor time.Time, idempotencyKey string) (*ScheduledTaskRun, bool, error) {
	taskRun := &ScheduledTaskRun{
		TaskRunID:      shared.NewTaskRunID(),
		TaskID:         taskID,
		ScheduledFor:   scheduledFor.UTC(),
		IdempotencyKey: idempotencyKey,
		Status:         TaskRunPending,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_task_runs (task_run_id, task_id, scheduled_for,
			idempotency_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, taskRun.TaskRunID, taskID, formatTime(scheduledFor), idempotencyKey,
		string(TaskRunPending), nowUTC(), nowUTC())
	if err == nil {
		return taskRun, true, nil
	}
	if !isConstraintViolation(err) {
		return nil, false, fmt.Errorf("insert task run: %w", err)
	}

	existing, err := s.getTaskRun(ctx, taskID, scheduledFor)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) getTaskRun(ctx context.Context, taskID string, scheduledFor time.Time) (*ScheduledTaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, idempotency_key, run_id, status, error_message
		FROM scheduled_task_runs WHERE task_id = ? AND scheduled_for = ?;
	`, taskID, formatTime(scheduledFor))
	return scanTaskRun(row)
}

// GetTaskRunByID loads one occurrence row.
func (s *Store) GetTaskRunByID(ctx context.Context, taskRunID string) (*ScheduledTaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, idempotency_key, run_id, status, error_message
		FROM scheduled_task_runs WHERE task_run_id = ?;
	`, taskRunID)
	return scanTaskRun(row)
}

// BindTaskRun records the run a task occurrence produced.
func (s *Store) BindTaskRun(ctx context.Context, taskRunID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_task_runs SET run_id = ?, updated_at = ? WHERE task_run_id = ?;
	`, runID, nowUTC(), taskRunID)
	if err != nil {
		return fmt.Errorf("bind task run: %w", err)
	}
	return nil
}

// FinalizeTaskRun writes the occurrence outcome.
func (s *Store) FinalizeTaskRun(ctx context.Context, taskRunID string, status TaskRunStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ?
		WHERE task_run_id = ?;
	`, string(status), nullString(errMsg), nowUTC(), taskRunID)
	if err != nil {
		return fmt.Errorf("finalize task run: %w", err)
	}
	return nil
}

const scheduledTaskSelect = `
	SELECT task_id, title, instructions, schedule_kind, once_at, cron_expr,
		rrule_expr, timezone, enabled, next_run_at, creator_thread_key,
		owner_user_key, delivery_provider, delivery_route, delivery_metadata,
		execution_thread_key, last_run_at, last_run_status, last_error_message,
		created_at, updated_at
	FROM scheduled_tasks`

func scanScheduledTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var kind, createdAt, updatedAt string
	var onceAt, cronExpr, rruleExpr, nextRunAt, ownerUserKey, metadata sql.NullString
	var executionThreadKey, lastRunAt, lastStatus, lastErr sql.NullString
	var enabled int
	if err := row.Scan(
		&t.TaskID, &t.Title, &t.Instructions, &kind, &onceAt, &cronExpr,
		&rruleExpr, &t.Timezone, &enabled, &nextRunAt, &t.CreatorThreadKey,
		&ownerUserKey, &t.Delivery.Provider, &t.Delivery.Route, &metadata,
		&executionThreadKey, &lastRunAt, &lastStatus, &lastErr,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	t.ScheduleKind = ScheduleKind(kind)
	t.CronExpr = cronExpr.String
	t.RRuleExpr = rruleExpr.String
	t.Enabled = enabled == 1
	t.OwnerUserKey = ownerUserKey.String
	t.Delivery.Metadata = metadata.String
	t.ExecutionThreadKey = executionThreadKey.String
	t.LastRunStatus = lastStatus.String
	t.LastErrorMessage = lastErr.String

	var err error
	if t.OnceAt, err = parseNullTime(onceAt); err != nil {
		return nil, err
	}
	if t.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, err
	}
	if t.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectScheduledTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	var out []*ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTaskRun(row rowScanner) (*ScheduledTaskRun, error) {
	var tr ScheduledTaskRun
	var scheduledFor, status string
	var runID, errMsg sql.NullString
	if err := row.Scan(&tr.TaskRunID, &tr.TaskID, &scheduledFor, &tr.IdempotencyKey, &runID, &status, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task run: %w", err)
	}
	tr.RunID = runID.String
	tr.Status = TaskRunStatus(status)
	tr.ErrorMessage = errMsg.String
	var err error
	if tr.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return nil, err
	}
	return &tr, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
