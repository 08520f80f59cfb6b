package telegram

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/bus"
	"github.com/default-anton/jagc/internal/config"
	"github.com/default-anton/jagc/internal/executor"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/service"
	"github.com/default-anton/jagc/internal/shared"
)

// fakeBot records outbound API calls.
type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErr  func(c tgbotapi.Chattable) error
	nextID   int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(c); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	return "https://files.invalid/" + fileID, nil
}

func (f *fakeBot) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

// fakeControl records executor calls.
type fakeControl struct {
	mu          sync.Mutex
	resets      []string
	cancels     []string
	shares      []string
	models      []agent.Model
	thinking    []string
	cancelState bool
}

func (f *fakeControl) CancelThreadRun(threadKey string) (executor.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, threadKey)
	return executor.CancelResult{Cancelled: f.cancelState}, nil
}

func (f *fakeControl) ResetThreadSession(_ context.Context, threadKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, threadKey)
	return nil
}

func (f *fakeControl) ShareThreadSession(_ context.Context, threadKey string) (agent.ShareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares = append(f.shares, threadKey)
	return agent.ShareResult{GistURL: "https://gist.invalid/x", ShareURL: "https://share.invalid/x"}, nil
}

func (f *fakeControl) SetThreadModel(_ context.Context, _ string, model agent.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	return nil
}

func (f *fakeControl) SetThreadThinkingLevel(_ context.Context, _ string, level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thinking = append(f.thinking, level)
	return nil
}

// fakeIngestor records ingest params.
type fakeIngestor struct {
	mu      sync.Mutex
	ingests []persistence.IngestParams
}

func (f *fakeIngestor) IngestMessage(_ context.Context, params persistence.IngestParams) (service.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingests = append(f.ingests, params)
	return service.IngestResult{Run: &persistence.Run{
		RunID:        shared.NewRunID(),
		ThreadKey:    params.ThreadKey,
		DeliveryMode: params.DeliveryMode,
		Status:       persistence.RunStatusRunning,
		InputText:    params.Text,
	}}, nil
}

// fakeRunSource serves delivery lookups/subscriptions.
type fakeRunSource struct {
	mu        sync.Mutex
	runs      map[string]*persistence.Run
	listeners map[string][]func(bus.RunProgressEvent)
}

func newFakeRunSource() *fakeRunSource {
	return &fakeRunSource{
		runs:      make(map[string]*persistence.Run),
		listeners: make(map[string][]func(bus.RunProgressEvent)),
	}
}

func (f *fakeRunSource) GetRun(_ context.Context, runID string) (*persistence.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[runID]; ok {
		return run, nil
	}
	return nil, persistence.ErrRunNotFound
}

func (f *fakeRunSource) SubscribeRunProgress(runID string, listener func(bus.RunProgressEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[runID] = append(f.listeners[runID], listener)
	return func() {}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBot, *fakeControl, *fakeIngestor, *fakeRunSource) {
	t.Helper()
	bot := &fakeBot{}
	control := &fakeControl{}
	ingestor := &fakeIngestor{}
	source := newFakeRunSource()
	catalog, err := config.LoadModelCatalog(t.TempDir() + "/models.json")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store, err := persistence.Open(t.TempDir() + "/jagc.sqlite")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry()
	t.Cleanup(registry.AbortAllAndWait)
	delivery := NewDelivery(bot, source, registry, testLogger(), nil)

	d := NewDispatcher(DispatcherConfig{
		Bot:            bot,
		Runs:           ingestor,
		Control:        control,
		Images:         store,
		Delivery:       delivery,
		Catalog:        catalog,
		Logger:         testLogger(),
		AllowedUserIDs: []string{"101"},
	})
	d.download = func(context.Context, string) ([]byte, error) {
		return []byte{0xFF, 0xD8, 0xFF}, nil
	}
	return d, bot, control, ingestor, source
}

func userMessage(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: int(time.Now().UnixNano() % 1_000_000),
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: userID, UserName: "u"},
			Chat: &tgbotapi.Chat{ID: chatID},
			Text: text,
		},
	}
}

func TestDispatcher_RejectsUnlistedUser(t *testing.T) {
	d, _, _, ingestor, _ := newTestDispatcher(t)
	d.HandleUpdate(context.Background(), userMessage(999, 101, "hello"))

	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	if len(ingestor.ingests) != 0 {
		t.Fatalf("unauthorized user reached ingest: %+v", ingestor.ingests)
	}
}

func TestDispatcher_TextIngestsAsFollowUp(t *testing.T) {
	d, _, _, ingestor, _ := newTestDispatcher(t)
	d.HandleUpdate(context.Background(), userMessage(101, 555, "fix the tests"))

	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	if len(ingestor.ingests) != 1 {
		t.Fatalf("ingests = %d", len(ingestor.ingests))
	}
	p := ingestor.ingests[0]
	if p.Source != "telegram" || p.ThreadKey != "telegram:chat:555" || p.UserKey != "101" {
		t.Fatalf("params = %+v", p)
	}
	if p.DeliveryMode != persistence.DeliveryFollowUp || p.Text != "fix the tests" {
		t.Fatalf("params = %+v", p)
	}
}

func TestDispatcher_SteerCommandUsesSteerMode(t *testing.T) {
	d, _, _, ingestor, _ := newTestDispatcher(t)
	d.HandleUpdate(context.Background(), userMessage(101, 555, "/steer stop and explain"))

	ingestor.mu.Lock()
	defer ingestor.mu.Unlock()
	if len(ingestor.ingests) != 1 {
		t.Fatalf("ingests = %d", len(ingestor.ingests))
	}
	p := ingestor.ingests[0]
	if p.DeliveryMode != persistence.DeliverySteer || p.Text != "stop and explain" {
		t.Fatalf("params = %+v", p)
	}
}

func TestDispatcher_NewCommandResetsSession(t *testing.T) {
	d, bot, control, _, _ := newTestDispatcher(t)
	d.HandleUpdate(context.Background(), userMessage(101, 101, "/new"))

	control.mu.Lock()
	if len(control.resets) != 1 || control.resets[0] != "telegram:chat:101" {
		control.mu.Unlock()
		t.Fatalf("resets = %v", control.resets)
	}
	control.mu.Unlock()

	texts := bot.sentTexts()
	if len(texts) != 1 || texts[0] != "✅ Session reset. Your next message will start a new pi session." {
		t.Fatalf("reply = %v", texts)
	}
}

func TestDispatcher_CancelCommand(t *testing.T) {
	d, bot, control, _, _ := newTestDispatcher(t)
	control.cancelState = true
	d.HandleUpdate(context.Background(), userMessage(101, 101, "/cancel"))

	control.mu.Lock()
	if len(control.cancels) != 1 {
		control.mu.Unlock()
		t.Fatalf("cancels = %v", control.cancels)
	}
	control.mu.Unlock()
	texts := bot.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Cancelled") {
		t.Fatalf("reply = %v", texts)
	}
}

func TestDispatcher_ShareCommandRepliesURLs(t *testing.T) {
	d, bot, _, _, _ := newTestDispatcher(t)
	d.HandleUpdate(context.Background(), userMessage(101, 101, "/share"))

	texts := bot.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "gist.invalid") {
		t.Fatalf("reply = %v", texts)
	}
}

func TestDispatcher_ModelCallbackValidatesAgainstCatalog(t *testing.T) {
	d, bot, control, _, _ := newTestDispatcher(t)

	callback := func(data string) tgbotapi.Update {
		return tgbotapi.Update{
			CallbackQuery: &tgbotapi.CallbackQuery{
				ID:   "cb1",
				From: &tgbotapi.User{ID: 101},
				Message: &tgbotapi.Message{
					Chat: &tgbotapi.Chat{ID: 101},
				},
				Data: data,
			},
		}
	}

	d.HandleUpdate(context.Background(), callback("m:anthropic/claude-sonnet-4-5"))
	control.mu.Lock()
	if len(control.models) != 1 || control.models[0].ID != "claude-sonnet-4-5" {
		control.mu.Unlock()
		t.Fatalf("models = %v", control.models)
	}
	control.mu.Unlock()

	// Unknown model re-renders the model panel instead of applying.
	d.HandleUpdate(context.Background(), callback("m:bogus/nope"))
	control.mu.Lock()
	if len(control.models) != 1 {
		control.mu.Unlock()
		t.Fatalf("unknown model applied: %v", control.models)
	}
	control.mu.Unlock()
	if len(bot.sentTexts()) < 2 {
		t.Fatalf("expected panel re-render, sent = %v", bot.sentTexts())
	}
}

func TestDispatcher_StaleCallbackReRendersSettings(t *testing.T) {
	d, bot, _, _, _ := newTestDispatcher(t)
	d.HandleUpdate(context.Background(), tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb2",
			From:    &tgbotapi.User{ID: 101},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 101}},
			Data:    "hitl:old:approve",
		},
	})
	texts := bot.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Settings") {
		t.Fatalf("expected settings re-render, got %v", texts)
	}
}

func TestDispatcher_PhotoBuffersImage(t *testing.T) {
	d, bot, _, ingestor, _ := newTestDispatcher(t)
	update := tgbotapi.Update{
		UpdateID: 777,
		Message: &tgbotapi.Message{
			From:  &tgbotapi.User{ID: 101},
			Chat:  &tgbotapi.Chat{ID: 101},
			Photo: []tgbotapi.PhotoSize{{FileID: "small", FileSize: 100}, {FileID: "big", FileSize: 2048}},
		},
	}
	d.HandleUpdate(context.Background(), update)

	// No run is ingested for a bare photo; it is buffered for the next text.
	ingestor.mu.Lock()
	if len(ingestor.ingests) != 0 {
		ingestor.mu.Unlock()
		t.Fatalf("photo alone ingested a run: %+v", ingestor.ingests)
	}
	ingestor.mu.Unlock()

	texts := bot.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "1 image") {
		t.Fatalf("ack = %v", texts)
	}

	// Same update again: exactly-once per update id.
	d.HandleUpdate(context.Background(), update)
	texts = bot.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("duplicate update acked again: %v", texts)
	}
}

func TestDispatcher_RejectsOversizedAndWrongMIMEDocuments(t *testing.T) {
	d, bot, _, _, _ := newTestDispatcher(t)

	d.HandleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			From:     &tgbotapi.User{ID: 101},
			Chat:     &tgbotapi.Chat{ID: 101},
			Document: &tgbotapi.Document{FileID: "f", MimeType: "image/tiff", FileSize: 100},
		},
	})
	d.HandleUpdate(context.Background(), tgbotapi.Update{
		UpdateID: 2,
		Message: &tgbotapi.Message{
			From:     &tgbotapi.User{ID: 101},
			Chat:     &tgbotapi.Chat{ID: 101},
			Document: &tgbotapi.Document{FileID: "f", MimeType: "image/png", FileSize: maxImageBytes + 1},
		},
	})

	texts := bot.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("replies = %v", texts)
	}
	if !strings.Contains(texts[0], "Unsupported") || !strings.Contains(texts[1], "too large") {
		t.Fatalf("replies = %v", texts)
	}
}

func TestDelivery_FailedRunSendsTruncatedError(t *testing.T) {
	bot := &fakeBot{}
	source := newFakeRunSource()
	registry := NewRegistry()
	delivery := NewDelivery(bot, source, registry, testLogger(), nil)

	longErr := strings.Repeat("e", 400)
	source.runs["run_f"] = &persistence.Run{
		RunID: "run_f", Status: persistence.RunStatusFailed, ErrorMessage: longErr,
	}

	delivery.Deliver("run_f", "telegram:chat:9", Route{ChatID: 9})
	waitSettled(t, registry)

	texts := bot.sentTexts()
	if len(texts) < 2 {
		t.Fatalf("sent = %v", texts)
	}
	final := texts[len(texts)-1]
	if !strings.HasPrefix(final, "❌ ") {
		t.Fatalf("final = %q", final)
	}
	if len([]rune(final)) > 185 {
		t.Fatalf("error not truncated to chat budget: %d runes", len([]rune(final)))
	}
}

func TestDelivery_SucceededNoOutput(t *testing.T) {
	bot := &fakeBot{}
	source := newFakeRunSource()
	registry := NewRegistry()
	delivery := NewDelivery(bot, source, registry, testLogger(), nil)

	source.runs["run_s"] = &persistence.Run{
		RunID: "run_s", Status: persistence.RunStatusSucceeded,
		Output: json.RawMessage(`{"type":"message","text":""}`),
	}
	delivery.Deliver("run_s", "telegram:chat:9", Route{ChatID: 9})
	waitSettled(t, registry)

	texts := bot.sentTexts()
	if len(texts) == 0 || texts[len(texts)-1] != "Run succeeded with no output." {
		t.Fatalf("sent = %v", texts)
	}
}

func TestDelivery_SucceededWithTextEditsProgressMessage(t *testing.T) {
	bot := &fakeBot{}
	source := newFakeRunSource()
	registry := NewRegistry()
	delivery := NewDelivery(bot, source, registry, testLogger(), nil)

	source.runs["run_ok"] = &persistence.Run{
		RunID: "run_ok", Status: persistence.RunStatusSucceeded,
		Output: json.RawMessage(`{"type":"message","text":"all green"}`),
	}
	delivery.Deliver("run_ok", "telegram:chat:9", Route{ChatID: 9})
	waitSettled(t, registry)

	texts := bot.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("sent = %v", texts)
	}
	if texts[0] != "⏳ Working on it…" || texts[1] != "all green" {
		t.Fatalf("sent = %v", texts)
	}
}

func waitSettled(t *testing.T, r *Registry) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("delivery never settled")
		}
		time.Sleep(time.Millisecond)
	}
}
