package persistence

import (
	"context"
	"errors"
	"fmt"
)

// ImageScope identifies whose pending images a buffer holds.
type ImageScope struct {
	ThreadKey string
	UserKey   string
}

// BufferResult reports how much one update contributed to the buffer.
type BufferResult struct {
	InsertedCount int
	TotalBytes    int64
}

// BufferTelegramImages appends decoded images for the scope. The UNIQUE
// index on (telegram_update_id, position) makes ingestion exactly-once: a
// repeated update returns InsertedCount=0 and no error.
func (s *Store) BufferTelegramImages(ctx context.Context, scope ImageScope, updateID int64, mediaGroupID string, images []RunImage) (BufferResult, error) {
	var result BufferResult
	if len(images) == 0 {
		return result, nil
	}

	err := withBusyRetry(ctx, func() error {
		result = BufferResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin image tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, img := range images {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pending_telegram_images (thread_key, user_key,
					telegram_update_id, media_group_id, position, mime_type,
					filename, bytes, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, scope.ThreadKey, scope.UserKey, updateID, nullString(mediaGroupID),
				i, img.MimeType, nullString(img.Filename), img.Bytes, nowUTC()); err != nil {
				if isConstraintViolation(err) {
					// Whole update was already buffered; report zero inserts.
					result = BufferResult{}
					return ErrTelegramUpdateDup
				}
				return fmt.Errorf("insert pending image: %w", err)
			}
			result.InsertedCount++
			result.TotalBytes += int64(len(img.Bytes))
		}
		return tx.Commit()
	})
	if errors.Is(err, ErrTelegramUpdateDup) {
		return BufferResult{}, nil
	}
	if err != nil {
		return BufferResult{}, err
	}
	return result, nil
}

// DrainPendingImages returns and deletes all buffered images for the scope
// atomically, in buffer order.
func (s *Store) DrainPendingImages(ctx context.Context, scope ImageScope) ([]RunImage, error) {
	var images []RunImage
	err := withBusyRetry(ctx, func() error {
		images = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin drain tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT mime_type, filename, bytes FROM pending_telegram_images
			WHERE thread_key = ? AND user_key = ?
			ORDER BY id ASC;
		`, scope.ThreadKey, scope.UserKey)
		if err != nil {
			return fmt.Errorf("query pending images: %w", err)
		}
		for rows.Next() {
			var img RunImage
			var filename stringOrNull
			if err := rows.Scan(&img.MimeType, &filename, &img.Bytes); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending image: %w", err)
			}
			img.Filename = string(filename)
			images = append(images, img)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("pending image rows: %w", err)
		}
		rows.Close()

		if len(images) == 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM pending_telegram_images WHERE thread_key = ? AND user_key = ?;
		`, scope.ThreadKey, scope.UserKey); err != nil {
			return fmt.Errorf("delete pending images: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// stringOrNull scans TEXT columns that may be NULL into an empty string.
type stringOrNull string

func (s *stringOrNull) Scan(v any) error {
	switch val := v.(type) {
	case nil:
		*s = ""
	case string:
		*s = stringOrNull(val)
	case []byte:
		*s = stringOrNull(val)
	default:
		return fmt.Errorf("unsupported string scan type %T", v)
	}
	return nil
}
