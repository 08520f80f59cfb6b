package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestCallWithRetry_HonorsTypedRetryAfter(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := callWithRetry(context.Background(), testLogger(), "send", func() error {
		attempts++
		if attempts == 1 {
			return &tgbotapi.Error{
				Code:    429,
				Message: "Too Many Requests",
				ResponseParameters: tgbotapi.ResponseParameters{
					RetryAfter: 1,
				},
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("waited %v, want >= 1s", elapsed)
	}
}

func TestCallWithRetry_ParsesFractionalRetryAfterFromBody(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := callWithRetry(context.Background(), testLogger(), "send", func() error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf(`telegram: 429 {"ok":false,"parameters":{"retry_after":0.5}}`)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one wait then one retry)", attempts)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("waited %v, want >= 500ms", elapsed)
	}
}

func TestCallWithRetry_ParsesRetryAfterFromMessageText(t *testing.T) {
	wait, ok := retryAfterHint(errors.New("Too Many Requests: retry after 3"))
	if !ok || wait != 3*time.Second {
		t.Fatalf("hint = (%v, %v)", wait, ok)
	}
	wait, ok = retryAfterHint(errors.New("Retry After 1.5 please"))
	if !ok || wait != 1500*time.Millisecond {
		t.Fatalf("hint = (%v, %v)", wait, ok)
	}
	if _, ok = retryAfterHint(errors.New("some other failure")); ok {
		t.Fatal("expected no hint")
	}
}

func TestCallWithRetry_SwallowsNotModified(t *testing.T) {
	attempts := 0
	err := callWithRetry(context.Background(), testLogger(), "edit", func() error {
		attempts++
		return errors.New("Bad Request: message is not modified")
	})
	if err != nil {
		t.Fatalf("not-modified must be swallowed, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry)", attempts)
	}
}

func TestCallWithRetry_BoundedAttempts(t *testing.T) {
	attempts := 0
	boom := errors.New("network down")
	err := callWithRetry(context.Background(), testLogger(), "send", func() error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if attempts != maxSendAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, maxSendAttempts)
	}
}

func TestCallWithRetry_AbortShortCircuitsSilently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := callWithRetry(ctx, testLogger(), "send", func() error {
		attempts++
		return fmt.Errorf("retry after 30")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (abort mid-wait)", attempts)
	}
}
