package telegram

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxSendAttempts  = 5
	baseRetryBackoff = 500 * time.Millisecond
)

// retryAfterTextPattern matches the human-readable rate-limit hint some
// Telegram errors carry only in their message text. The transport SDK does
// not always surface the typed field, so the text fallback stays.
var retryAfterTextPattern = regexp.MustCompile(`(?i)retry after\s+(\d+(\.\d+)?)`)

// retryAfterJSONPattern matches retry_after inside a raw response body.
var retryAfterJSONPattern = regexp.MustCompile(`"retry_after"\s*:\s*([0-9]+(\.[0-9]+)?)`)

// callWithRetry runs one outbound Telegram API call with bounded retries.
// retry_after hints (typed field, response body, or message text) set the
// wait; otherwise exponential backoff applies. "Message is not modified"
// errors are swallowed. Context abort short-circuits silently.
func callWithRetry(ctx context.Context, logger *slog.Logger, op string, call func() error) error {
	var lastErr error
	backoff := baseRetryBackoff

	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := call()
		if err == nil {
			return nil
		}
		if isNotModified(err) {
			return nil
		}
		lastErr = err

		if attempt == maxSendAttempts {
			break
		}

		wait := backoff
		if hinted, ok := retryAfterHint(err); ok {
			wait = hinted
		} else {
			backoff *= 2
		}
		logger.Warn("telegram call retrying",
			"op", op, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// retryAfterHint extracts a rate-limit wait from a Telegram error: the
// typed response parameter first, then the response body, then the message
// text.
func retryAfterHint(err error) (time.Duration, bool) {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return time.Duration(tgErr.RetryAfter) * time.Second, true
	}
	var tgValErr tgbotapi.Error
	if errors.As(err, &tgValErr) && tgValErr.RetryAfter > 0 {
		return time.Duration(tgValErr.RetryAfter) * time.Second, true
	}

	msg := err.Error()
	if m := retryAfterJSONPattern.FindStringSubmatch(msg); m != nil {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	if m := retryAfterTextPattern.FindStringSubmatch(msg); m != nil {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	return 0, false
}

// isNotModified recognizes edit calls whose content already matches.
func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
