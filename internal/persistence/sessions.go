package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ThreadSession maps a thread to its current agent session.
type ThreadSession struct {
	ThreadKey       string    `json:"thread_key"`
	SessionID       string    `json:"session_id"`
	SessionFilePath string    `json:"session_file_path"`
	Generation      int64     `json:"generation"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetThreadSession loads the session mapping for a thread. Returns nil when
// no mapping exists.
func (s *Store) GetThreadSession(ctx context.Context, threadKey string) (*ThreadSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_key, session_id, session_file_path, generation, created_at, updated_at
		FROM thread_sessions WHERE thread_key = ?;
	`, threadKey)

	var ts ThreadSession
	var createdAt, updatedAt string
	err := row.Scan(&ts.ThreadKey, &ts.SessionID, &ts.SessionFilePath, &ts.Generation, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query thread session: %w", err)
	}
	if ts.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ts.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ts, nil
}

// UpsertThreadSession records the thread's current session, gated on the
// generation captured when the run started. A mismatch means the session was
// reset while the run executed; the write is skipped and false returned.
func (s *Store) UpsertThreadSession(ctx context.Context, threadKey, sessionID, sessionFilePath string, expectedGeneration int64) (bool, error) {
	var applied bool
	err := withBusyRetry(ctx, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current int64
		err = tx.QueryRowContext(ctx,
			`SELECT generation FROM thread_sessions WHERE thread_key = ?;`, threadKey,
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO thread_sessions (thread_key, session_id, session_file_path, generation, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, threadKey, sessionID, sessionFilePath, expectedGeneration, nowUTC(), nowUTC()); err != nil {
				return fmt.Errorf("insert thread session: %w", err)
			}
		case err != nil:
			return fmt.Errorf("query thread session generation: %w", err)
		case current != expectedGeneration:
			// Stale write: the thread was reset mid-run.
			return tx.Commit()
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE thread_sessions
				SET session_id = ?, session_file_path = ?, updated_at = ?
				WHERE thread_key = ?;
			`, sessionID, sessionFilePath, nowUTC(), threadKey); err != nil {
				return fmt.Errorf("update thread session: %w", err)
			}
		}
		applied = true
		return tx.Commit()
	})
	return applied, err
}

// DeleteThreadSession removes the persisted mapping so the next run starts a
// fresh session.
func (s *Store) DeleteThreadSession(ctx context.Context, threadKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_sessions WHERE thread_key = ?;`, threadKey)
	if err != nil {
		return fmt.Errorf("delete thread session: %w", err)
	}
	return nil
}
