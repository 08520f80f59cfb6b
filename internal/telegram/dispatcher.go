package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/config"
	"github.com/default-anton/jagc/internal/executor"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/service"
	"github.com/default-anton/jagc/internal/shared"
)

const (
	maxImageBytes     = 5 << 20 // per-image cap
	maxImagesPerBatch = 10
	resetReplyText    = "✅ Session reset. Your next message will start a new pi session."
)

var allowedImageMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// Ingestor is the slice of the run service the dispatcher calls.
type Ingestor interface {
	IngestMessage(ctx context.Context, params persistence.IngestParams) (service.IngestResult, error)
}

// ThreadControl is the slice of the executor the dispatcher calls.
// *executor.Executor satisfies it.
type ThreadControl interface {
	CancelThreadRun(threadKey string) (executor.CancelResult, error)
	ResetThreadSession(ctx context.Context, threadKey string) error
	ShareThreadSession(ctx context.Context, threadKey string) (agent.ShareResult, error)
	SetThreadModel(ctx context.Context, threadKey string, model agent.Model) error
	SetThreadThinkingLevel(ctx context.Context, threadKey, level string) error
}

// ImageStore buffers inbound images until the next text message drains
// them.
type ImageStore interface {
	BufferTelegramImages(ctx context.Context, scope persistence.ImageScope, updateID int64, mediaGroupID string, images []persistence.RunImage) (persistence.BufferResult, error)
}

// Dispatcher converts Telegram updates into Run Service calls.
type Dispatcher struct {
	bot      BotClient
	poller   updatePoller
	runs     Ingestor
	control  ThreadControl
	images   ImageStore
	delivery *Delivery
	catalog  *config.ModelCatalog
	logger   *slog.Logger

	allowed map[string]struct{}

	// download fetches a file by URL; injectable for tests.
	download func(ctx context.Context, url string) ([]byte, error)
}

// updatePoller is the long-poll surface of *tgbotapi.BotAPI.
type updatePoller interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Bot            BotClient
	Poller         updatePoller
	Runs           Ingestor
	Control        ThreadControl
	Images         ImageStore
	Delivery       *Delivery
	Catalog        *config.ModelCatalog
	Logger         *slog.Logger
	AllowedUserIDs []string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Dispatcher{
		bot:      cfg.Bot,
		poller:   cfg.Poller,
		runs:     cfg.Runs,
		control:  cfg.Control,
		images:   cfg.Images,
		delivery: cfg.Delivery,
		catalog:  cfg.Catalog,
		logger:   logger,
		allowed:  allowed,
		download: downloadHTTP,
	}
}

// longPollSeconds is the getUpdates timeout handed to Telegram. The
// watchdog below is derived from it.
const longPollSeconds = 60

// maxReconnectWait caps the pause between reconnect attempts.
const maxReconnectWait = 30 * time.Second

// Start consumes the long-poll stream until ctx is cancelled. Each time
// the stream is declared lost, the poller is torn down and reopened after
// a pause that doubles up to maxReconnectWait, resetting on success.
func (d *Dispatcher) Start(ctx context.Context) error {
	wait := time.Second
	for ctx.Err() == nil {
		cfg := tgbotapi.NewUpdate(0)
		cfg.Timeout = longPollSeconds

		opened := time.Now()
		streamErr := d.consume(ctx, d.poller.GetUpdatesChan(cfg))
		d.poller.StopReceivingUpdates()
		if streamErr == nil {
			break
		}
		if time.Since(opened) > 2*time.Minute {
			// The stream was healthy for a while before dying; start the
			// reconnect pause over.
			wait = time.Second
		}

		d.logger.Warn("telegram update stream lost", "error", streamErr, "retry_in", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		wait = min(wait*2, maxReconnectWait)
	}
	return nil
}

// consume drains one update stream. The library never closes the channel
// on a dead connection — an empty long-poll round still yields activity —
// so two missed rounds plus slack means the stream is gone. Returns nil
// only on ctx cancellation.
func (d *Dispatcher) consume(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	silence := 2*longPollSeconds*time.Second + 15*time.Second
	watchdog := time.NewTimer(silence)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watchdog.C:
			return fmt.Errorf("no activity from telegram for %v", silence)
		case update, open := <-updates:
			if !open {
				return fmt.Errorf("telegram update stream closed")
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(silence)
			d.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate routes one update. Exported for the poll loop and tests.
func (d *Dispatcher) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		if !d.authorize(update.Message.From) {
			return
		}
		d.handleMessage(ctx, update.UpdateID, update.Message)
	case update.CallbackQuery != nil:
		if !d.authorize(update.CallbackQuery.From) {
			return
		}
		d.handleCallback(ctx, update.CallbackQuery)
	}
}

func (d *Dispatcher) authorize(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	id := strconv.FormatInt(from.ID, 10)
	if _, ok := d.allowed[id]; ok {
		return true
	}
	d.logger.Warn("telegram access denied", "user_id", from.ID, "user_name", from.UserName)
	return false
}

func (d *Dispatcher) handleMessage(ctx context.Context, updateID int, msg *tgbotapi.Message) {
	threadKey := ThreadKey(msg.Chat.ID, 0)
	userKey := strconv.FormatInt(msg.From.ID, 10)

	if len(msg.Photo) > 0 || isImageDocument(msg.Document) {
		d.handleImages(ctx, updateID, msg, threadKey, userKey)
		if strings.TrimSpace(msg.Caption) == "" {
			return
		}
		// A captioned image is also a message.
		d.ingestText(ctx, msg, threadKey, userKey, msg.Caption, persistence.DeliveryFollowUp)
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	if strings.HasPrefix(content, "/") {
		d.handleCommand(ctx, msg, threadKey, content)
		return
	}
	d.ingestText(ctx, msg, threadKey, userKey, content, persistence.DeliveryFollowUp)
}

func (d *Dispatcher) handleCommand(ctx context.Context, msg *tgbotapi.Message, threadKey, content string) {
	cmd, args, _ := strings.Cut(content, " ")
	cmd = strings.ToLower(cmd)
	// Strip the @botname suffix groups add to commands.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start":
		d.reply(ctx, msg.Chat.ID, "👋 Send me a message and I will hand it to the coding agent. /help lists commands.")
	case "/help":
		d.reply(ctx, msg.Chat.ID, helpText)
	case "/settings":
		d.sendSettingsPanel(ctx, msg.Chat.ID, threadKey)
	case "/cancel":
		res, err := d.control.CancelThreadRun(threadKey)
		if err != nil {
			d.replyError(ctx, msg.Chat.ID, err)
			return
		}
		if res.Cancelled {
			d.reply(ctx, msg.Chat.ID, "⏹ Cancelled the active run.")
		} else {
			d.reply(ctx, msg.Chat.ID, "Nothing to cancel.")
		}
	case "/new":
		if err := d.control.ResetThreadSession(ctx, threadKey); err != nil {
			d.replyError(ctx, msg.Chat.ID, err)
			return
		}
		d.reply(ctx, msg.Chat.ID, resetReplyText)
	case "/delete":
		if err := d.control.ResetThreadSession(ctx, threadKey); err != nil {
			d.replyError(ctx, msg.Chat.ID, err)
			return
		}
		d.reply(ctx, msg.Chat.ID, "🗑 Session deleted. Your next message will start a new pi session.")
	case "/share":
		share, err := d.control.ShareThreadSession(ctx, threadKey)
		if err != nil {
			d.replyError(ctx, msg.Chat.ID, err)
			return
		}
		d.reply(ctx, msg.Chat.ID, fmt.Sprintf("🔗 Session shared:\n%s\n%s", share.GistURL, share.ShareURL))
	case "/model":
		d.sendModelPanel(ctx, msg.Chat.ID)
	case "/thinking":
		d.sendThinkingPanel(ctx, msg.Chat.ID)
	case "/auth":
		d.reply(ctx, msg.Chat.ID, "🔐 Credentials are managed on the server in auth.json; nothing to do here.")
	case "/steer":
		if args == "" {
			d.reply(ctx, msg.Chat.ID, "Usage: /steer <message> — interrupts the current turn.")
			return
		}
		d.ingestText(ctx, msg, threadKey, strconv.FormatInt(msg.From.ID, 10), args, persistence.DeliverySteer)
	default:
		d.reply(ctx, msg.Chat.ID, "Unknown command. /help lists what I understand.")
	}
}

func (d *Dispatcher) ingestText(ctx context.Context, msg *tgbotapi.Message, threadKey, userKey, text string, mode persistence.DeliveryMode) {
	result, err := d.runs.IngestMessage(ctx, persistence.IngestParams{
		Source:       "telegram",
		ThreadKey:    threadKey,
		UserKey:      userKey,
		DeliveryMode: mode,
		Text:         text,
	})
	if err != nil {
		d.replyError(ctx, msg.Chat.ID, err)
		return
	}
	if result.Deduplicated {
		return
	}
	d.delivery.Deliver(result.Run.RunID, threadKey, Route{ChatID: msg.Chat.ID})
}

// handleImages decodes, validates, and buffers inbound images; the buffer
// drains into the next text message.
func (d *Dispatcher) handleImages(ctx context.Context, updateID int, msg *tgbotapi.Message, threadKey, userKey string) {
	var images []persistence.RunImage

	if len(msg.Photo) > 0 {
		// Telegram sends multiple sizes; the last entry is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		if photo.FileSize > maxImageBytes {
			d.reply(ctx, msg.Chat.ID, fmt.Sprintf("Image too large (max %d MiB).", maxImageBytes>>20))
			return
		}
		data, err := d.fetchFile(ctx, photo.FileID)
		if err != nil {
			d.logger.Warn("photo download failed", "error", err)
			d.reply(ctx, msg.Chat.ID, "Could not download that image, sorry.")
			return
		}
		images = append(images, persistence.RunImage{MimeType: "image/jpeg", Bytes: data, Filename: "photo.jpg"})
	}

	if doc := msg.Document; isImageDocument(doc) {
		if !allowedImageMIMEs[doc.MimeType] {
			d.reply(ctx, msg.Chat.ID, fmt.Sprintf("Unsupported image type %s.", doc.MimeType))
			return
		}
		if doc.FileSize > maxImageBytes {
			d.reply(ctx, msg.Chat.ID, fmt.Sprintf("Image too large (max %d MiB).", maxImageBytes>>20))
			return
		}
		data, err := d.fetchFile(ctx, doc.FileID)
		if err != nil {
			d.logger.Warn("document download failed", "error", err)
			d.reply(ctx, msg.Chat.ID, "Could not download that image, sorry.")
			return
		}
		images = append(images, persistence.RunImage{MimeType: doc.MimeType, Bytes: data, Filename: doc.FileName})
	}

	if len(images) == 0 {
		return
	}
	if len(images) > maxImagesPerBatch {
		images = images[:maxImagesPerBatch]
	}

	res, err := d.images.BufferTelegramImages(ctx, persistence.ImageScope{
		ThreadKey: threadKey, UserKey: userKey,
	}, int64(updateID), msg.MediaGroupID, images)
	if err != nil {
		d.logger.Error("buffer images failed", "error", err)
		d.reply(ctx, msg.Chat.ID, "Could not store that image, sorry.")
		return
	}
	if res.InsertedCount > 0 && strings.TrimSpace(msg.Caption) == "" {
		d.reply(ctx, msg.Chat.ID, fmt.Sprintf("📷 Got %d image(s); they will ride along with your next message.", res.InsertedCount))
	}
}

func (d *Dispatcher) fetchFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := d.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	data, err := d.download(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

func (d *Dispatcher) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.Message == nil {
		return
	}
	chatID := query.Message.Chat.ID
	threadKey := ThreadKey(chatID, 0)

	ack := func(text string) {
		if _, err := d.bot.Request(tgbotapi.NewCallback(query.ID, text)); err != nil {
			d.logger.Warn("callback ack failed", "error", err)
		}
	}

	data, err := ParseCallbackData(query.Data)
	if err != nil {
		// Unknown or stale button: acknowledge and re-render the panel.
		ack("")
		d.sendSettingsPanel(ctx, chatID, threadKey)
		return
	}

	switch data.Kind {
	case callbackModel:
		provider, modelID, ok := strings.Cut(data.Value, "/")
		if !ok || !d.catalog.Has(provider, modelID) {
			ack("Unknown model")
			d.sendModelPanel(ctx, chatID)
			return
		}
		if err := d.control.SetThreadModel(ctx, threadKey, agent.Model{Provider: provider, ID: modelID}); err != nil {
			ack("Failed")
			d.replyError(ctx, chatID, err)
			return
		}
		ack("Model updated")
		d.reply(ctx, chatID, fmt.Sprintf("🧠 Model set to %s/%s.", provider, modelID))
	case callbackThinking:
		if err := d.control.SetThreadThinkingLevel(ctx, threadKey, data.Value); err != nil {
			ack("Failed")
			d.replyError(ctx, chatID, err)
			return
		}
		ack("Thinking updated")
		d.reply(ctx, chatID, fmt.Sprintf("💭 Thinking level set to %s.", data.Value))
	case callbackSettings:
		ack("")
		d.sendSettingsPanel(ctx, chatID, threadKey)
	case callbackAuth:
		ack("")
		d.reply(ctx, chatID, "🔐 Credentials are managed on the server in auth.json.")
	}
}

func (d *Dispatcher) sendSettingsPanel(ctx context.Context, chatID int64, threadKey string) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🧠 Model", SerializeCallbackData(CallbackData{Kind: callbackModel, Value: "panel"})),
			tgbotapi.NewInlineKeyboardButtonData("💭 Thinking", SerializeCallbackData(CallbackData{Kind: callbackThinking, Value: "panel"})),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔐 Auth", SerializeCallbackData(CallbackData{Kind: callbackAuth, Value: "panel"})),
		),
	)
	msg := tgbotapi.NewMessage(chatID, "⚙️ Settings for "+threadKey)
	msg.ReplyMarkup = keyboard
	if err := callWithRetry(ctx, d.logger, "sendSettings", func() error {
		_, err := d.bot.Send(msg)
		return err
	}); err != nil {
		d.logger.Error("send settings panel failed", "error", err)
	}
}

func (d *Dispatcher) sendModelPanel(ctx context.Context, chatID int64) {
	models := d.catalog.Models()
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range models {
		label := m.Provider + "/" + m.ID
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, SerializeCallbackData(CallbackData{Kind: callbackModel, Value: label})),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "🧠 Pick a model:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if err := callWithRetry(ctx, d.logger, "sendModels", func() error {
		_, err := d.bot.Send(msg)
		return err
	}); err != nil {
		d.logger.Error("send model panel failed", "error", err)
	}
}

func (d *Dispatcher) sendThinkingPanel(ctx context.Context, chatID int64) {
	var row []tgbotapi.InlineKeyboardButton
	for _, level := range []string{"off", "low", "medium", "high"} {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(level, SerializeCallbackData(CallbackData{Kind: callbackThinking, Value: level})))
	}
	msg := tgbotapi.NewMessage(chatID, "💭 Pick a thinking level:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(row...))
	if err := callWithRetry(ctx, d.logger, "sendThinking", func() error {
		_, err := d.bot.Send(msg)
		return err
	}); err != nil {
		d.logger.Error("send thinking panel failed", "error", err)
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	if err := callWithRetry(ctx, d.logger, "reply", func() error {
		_, err := d.bot.Send(tgbotapi.NewMessage(chatID, text))
		return err
	}); err != nil {
		d.logger.Error("telegram reply failed", "error", err)
	}
}

func (d *Dispatcher) replyError(ctx context.Context, chatID int64, err error) {
	d.reply(ctx, chatID, "❌ "+shared.TruncateForChat(err.Error(), 180))
}

func isImageDocument(doc *tgbotapi.Document) bool {
	return doc != nil && strings.HasPrefix(doc.MimeType, "image/")
}

func downloadHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

const helpText = `Commands:
/new — reset the session and start fresh
/delete — delete the session
/cancel — cancel the active run
/steer <text> — interrupt the current turn
/share — upload and link the session transcript
/model — pick the model
/thinking — pick the thinking level
/settings — open the settings panel
/auth — credential info

Anything else is handed to the agent as a message.`
