package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryMode selects how a run's prompt enters the agent session.
type DeliveryMode string

const (
	// DeliveryFollowUp queues the prompt behind the current turn.
	DeliveryFollowUp DeliveryMode = "followUp"
	// DeliverySteer interrupts the current turn.
	DeliverySteer DeliveryMode = "steer"
)

// Valid reports whether m is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == DeliveryFollowUp || m == DeliverySteer
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// RunImage is one image attached to a run's input.
type RunImage struct {
	MimeType string `json:"mime_type"`
	Bytes    []byte `json:"bytes"`
	Filename string `json:"filename,omitempty"`
}

// Run is one end-to-end unit of agent work.
type Run struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	ThreadKey    string          `json:"thread_key"`
	UserKey      string          `json:"user_key,omitempty"`
	DeliveryMode DeliveryMode    `json:"delivery_mode"`
	Status       RunStatus       `json:"status"`
	InputText    string          `json:"input_text"`
	Images       []RunImage      `json:"images,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IngestParams carries one inbound message into IngestMessage.
type IngestParams struct {
	Source         string
	ThreadKey      string
	UserKey        string
	DeliveryMode   DeliveryMode
	Text           string
	Images         []RunImage
	IdempotencyKey string
}

// InsertRun persists a new run row.
func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	return s.insertRunExec(ctx, s.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertRunExec(ctx context.Context, db execer, run *Run) error {
	imagesJSON, err := marshalImages(run.Images)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, source, thread_key, user_key, delivery_mode,
			status, input_text, images_json, output_json, error_message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		run.RunID, run.Source, run.ThreadKey, nullString(run.UserKey),
		string(run.DeliveryMode), string(run.Status), run.InputText,
		imagesJSON, nullRaw(run.Output), nullString(run.ErrorMessage),
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, thread_key, user_key, delivery_mode, status,
			input_text, images_json, output_json, error_message,
			created_at, updated_at
		FROM runs WHERE run_id = ?;
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRunsByThread returns the most recent runs for a thread, newest first.
func (s *Store) ListRunsByThread(ctx context.Context, threadKey string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, thread_key, user_key, delivery_mode, status,
			input_text, images_json, output_json, error_message,
			created_at, updated_at
		FROM runs WHERE thread_key = ?
		ORDER BY created_at DESC LIMIT ?;
	`, threadKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// ListRunningRuns returns runs still marked running, oldest first. Used by
// the recovery sweep at startup.
func (s *Store) ListRunningRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, thread_key, user_key, delivery_mode, status,
			input_text, images_json, output_json, error_message,
			created_at, updated_at
		FROM runs WHERE status = 'running'
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// FinalizeRun writes a run's terminal state exactly once. Exactly one of
// output/errMsg is stored; a second finalize returns ErrRunAlreadyFinal.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status RunStatus, output json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	if status == RunStatusSucceeded {
		errMsg = ""
	} else {
		output = nil
		if errMsg == "" {
			errMsg = "unknown error"
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, output_json = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running';
	`, string(status), nullRaw(output), nullString(errMsg), nowUTC(), runID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, runID); errors.Is(err, ErrRunNotFound) {
			return ErrRunNotFound
		}
		return ErrRunAlreadyFinal
	}
	return nil
}

// AttachImages replaces a run's image list. Used after draining the pending
// buffer into a freshly ingested run.
func (s *Store) AttachImages(ctx context.Context, runID string, images []RunImage) error {
	imagesJSON, err := marshalImages(images)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET images_json = ?, updated_at = ? WHERE run_id = ?;
	`, imagesJSON, nowUTC(), runID)
	if err != nil {
		return fmt.Errorf("attach images: %w", err)
	}
	return nil
}

// IngestMessage atomically resolves an inbound message to a run. A repeat
// (source, idempotency_key) returns the original run with deduplicated=true;
// otherwise runFactory builds the run and both the run row and the ingest
// row are inserted in one transaction. A missing idempotency key gets a
// synthesized unique one.
func (s *Store) IngestMessage(ctx context.Context, params IngestParams, runFactory func() *Run) (*Run, bool, error) {
	key := params.IdempotencyKey
	if key == "" {
		key = "gen_" + uuid.NewString()
	}

	var run *Run
	var dedup bool
	err := withBusyRetry(ctx, func() error {
		run, dedup = nil, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ingest tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existingRunID string
		err = tx.QueryRowContext(ctx, `
			SELECT run_id FROM message_ingests WHERE source = ? AND idempotency_key = ?;
		`, params.Source, key).Scan(&existingRunID)
		switch {
		case err == nil:
			row := tx.QueryRowContext(ctx, `
				SELECT run_id, source, thread_key, user_key, delivery_mode, status,
					input_text, images_json, output_json, error_message,
					created_at, updated_at
				FROM runs WHERE run_id = ?;
			`, existingRunID)
			run, err = scanRun(row)
			if err != nil {
				return fmt.Errorf("load deduplicated run: %w", err)
			}
			dedup = true
			return tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
			// fall through to create
		default:
			return fmt.Errorf("lookup ingest: %w", err)
		}

		run = runFactory()
		if err := s.insertRunExec(ctx, tx, run); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_ingests (source, idempotency_key, run_id, created_at)
			VALUES (?, ?, ?, ?);
		`, params.Source, key, run.RunID, nowUTC()); err != nil {
			return fmt.Errorf("insert ingest: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return run, dedup, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var userKey, imagesJSON, outputJSON, errMsg sql.NullString
	var mode, status, createdAt, updatedAt string
	if err := row.Scan(
		&run.RunID, &run.Source, &run.ThreadKey, &userKey, &mode, &status,
		&run.InputText, &imagesJSON, &outputJSON, &errMsg,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	run.UserKey = userKey.String
	run.DeliveryMode = DeliveryMode(mode)
	run.Status = RunStatus(status)
	run.ErrorMessage = errMsg.String
	if outputJSON.Valid {
		run.Output = json.RawMessage(outputJSON.String)
	}
	if imagesJSON.Valid && imagesJSON.String != "" {
		if err := json.Unmarshal([]byte(imagesJSON.String), &run.Images); err != nil {
			return nil, fmt.Errorf("decode run images: %w", err)
		}
	}
	var err error
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func marshalImages(images []RunImage) (sql.NullString, error) {
	if len(images) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode run images: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
