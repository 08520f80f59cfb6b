package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/default-anton/jagc/internal/bus"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/shared"
	"github.com/default-anton/jagc/internal/telemetry"
)

// BotClient is the slice of the Telegram bot API the delivery pipeline
// uses. *tgbotapi.BotAPI satisfies it.
type BotClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// RunSource is the slice of the run service delivery needs.
type RunSource interface {
	GetRun(ctx context.Context, runID string) (*persistence.Run, error)
	SubscribeRunProgress(runID string, listener func(bus.RunProgressEvent)) func()
}

// Delivery sends run progress and results to Telegram chats in background
// tasks tracked by the Registry.
type Delivery struct {
	bot          BotClient
	runs         RunSource
	registry     *Registry
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	messageLimit int
	editInterval time.Duration
}

// NewDelivery wires the delivery pipeline. metrics may be nil.
func NewDelivery(bot BotClient, runs RunSource, registry *Registry, logger *slog.Logger, metrics *telemetry.Metrics) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{
		bot:          bot,
		runs:         runs,
		registry:     registry,
		logger:       logger,
		metrics:      metrics,
		messageLimit: DefaultMessageLimit,
		editInterval: time.Second,
	}
}

// Deliver starts the background delivery task for one run.
func (d *Delivery) Deliver(runID, threadKey string, route Route) {
	d.registry.Register(runID, threadKey, func(ctx context.Context) {
		d.run(ctx, runID, route)
	})
}

func (d *Delivery) run(ctx context.Context, runID string, route Route) {
	progressID, err := d.send(ctx, tgbotapi.NewMessage(route.ChatID, "⏳ Working on it…"))
	if err != nil {
		d.logger.Error("send progress message failed", "run_id", runID, "error", err)
		return
	}

	events := make(chan bus.RunProgressEvent, 32)
	unsub := d.runs.SubscribeRunProgress(runID, func(ev bus.RunProgressEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsub()

	// The run may already be terminal (fast runs, restarts): the store is
	// the ground truth, the subscription only wakes us earlier.
	if run, err := d.runs.GetRun(ctx, runID); err == nil && run.Status.Terminal() {
		d.finalize(ctx, run, route, progressID)
		return
	}

	lastEdit := time.Now()
	var pending *bus.RunProgressEvent
	ticker := time.NewTicker(d.editInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Terminal() {
				run, err := d.runs.GetRun(ctx, runID)
				if err != nil {
					d.logger.Error("load finished run failed", "run_id", runID, "error", err)
					return
				}
				d.finalize(ctx, run, route, progressID)
				return
			}
			// Coalesce: if an edit went out recently, keep only the latest
			// event and let the ticker flush it.
			if time.Since(lastEdit) >= d.editInterval {
				d.editProgress(ctx, route.ChatID, progressID, ev)
				lastEdit = time.Now()
				pending = nil
			} else {
				cp := ev
				pending = &cp
			}
		case <-ticker.C:
			if pending != nil && time.Since(lastEdit) >= d.editInterval {
				d.editProgress(ctx, route.ChatID, progressID, *pending)
				lastEdit = time.Now()
				pending = nil
			}
		}
	}
}

func (d *Delivery) editProgress(ctx context.Context, chatID int64, messageID int, ev bus.RunProgressEvent) {
	text := "⏳ Working on it…"
	if ev.Kind == bus.RunProgressStarted {
		text = "🛠 Run started…"
	}
	err := callWithRetry(ctx, d.logger, "editMessageText", func() error {
		_, err := d.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("progress edit failed", "error", err)
	}
}

// finalize replaces the progress message with the run result.
func (d *Delivery) finalize(ctx context.Context, run *persistence.Run, route Route, progressID int) {
	switch run.Status {
	case persistence.RunStatusFailed:
		msg := "❌ " + shared.TruncateForChat(run.ErrorMessage, 180)
		d.editOrSend(ctx, route.ChatID, progressID, msg)
		return
	case persistence.RunStatusSucceeded:
		text := outputText(run.Output)
		if text == "" {
			d.editOrSend(ctx, route.ChatID, progressID, "Run succeeded with no output.")
			return
		}
		rendered := RenderForTelegram(text, d.messageLimit)
		if len(rendered.Chunks) == 0 {
			d.editOrSend(ctx, route.ChatID, progressID, "Run succeeded with no output.")
		} else {
			d.editOrSend(ctx, route.ChatID, progressID, rendered.Chunks[0])
			for _, chunk := range rendered.Chunks[1:] {
				if _, err := d.send(ctx, tgbotapi.NewMessage(route.ChatID, chunk)); err != nil {
					d.logger.Error("send result chunk failed", "run_id", run.RunID, "error", err)
					return
				}
			}
		}
		for _, att := range rendered.Attachments {
			doc := tgbotapi.NewDocument(route.ChatID, tgbotapi.FileBytes{Name: att.Name, Bytes: att.Content})
			if _, err := d.send(ctx, doc); err != nil {
				d.logger.Error("send attachment failed", "run_id", run.RunID, "name", att.Name, "error", err)
				return
			}
		}
	}
}

func (d *Delivery) editOrSend(ctx context.Context, chatID int64, messageID int, text string) {
	err := callWithRetry(ctx, d.logger, "editMessageText", func() error {
		_, err := d.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
		return err
	})
	if err == nil || ctx.Err() != nil {
		return
	}
	// Edit failed for good; fall back to a fresh message.
	if _, err := d.send(ctx, tgbotapi.NewMessage(chatID, text)); err != nil {
		d.logger.Error("final message send failed", "error", err)
	}
}

// send runs one Send through the retry wrapper and returns the message id.
func (d *Delivery) send(ctx context.Context, c tgbotapi.Chattable) (int, error) {
	var sent tgbotapi.Message
	err := callWithRetry(ctx, d.logger, "send", func() error {
		var callErr error
		sent, callErr = d.bot.Send(c)
		if callErr != nil && d.metrics != nil {
			d.metrics.TelegramRetries.Add(ctx, 1)
		}
		return callErr
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// outputText extracts the assistant text from a run's structured output.
func outputText(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}
	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(output, &decoded); err != nil {
		return string(output)
	}
	return decoded.Text
}
