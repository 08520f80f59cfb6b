package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// EchoFactory builds in-process sessions that echo prompts back as
// assistant turns. Used for tests and local smoke runs (RUNNER=echo).
type EchoFactory struct{}

func (EchoFactory) Create(_ context.Context, opts Options) (Session, error) {
	s := &echoSession{
		id:        opts.SessionID,
		filePath:  opts.FilePath,
		model:     opts.Model,
		thinking:  opts.Thinking,
		queue:     make(chan string, 64),
		listeners: make(map[int]func(Event)),
	}
	if s.model.Provider == "" {
		s.model = Model{Provider: "echo", ID: "echo-1"}
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

type echoSession struct {
	id       string
	filePath string

	mu        sync.Mutex
	model     Model
	thinking  string
	listeners map[int]func(Event)
	nextSub   int
	streaming bool
	queued    int
	closed    bool

	queue chan string
	wg    sync.WaitGroup
}

func (s *echoSession) ID() string       { return s.id }
func (s *echoSession) FilePath() string { return s.filePath }

func (s *echoSession) Prompt(ctx context.Context, text string) error   { return s.enqueue(ctx, text) }
func (s *echoSession) FollowUp(ctx context.Context, text string) error { return s.enqueue(ctx, text) }
func (s *echoSession) Steer(ctx context.Context, text string) error    { return s.enqueue(ctx, text) }

func (s *echoSession) enqueue(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("echo session closed")
	}
	s.queued++
	s.mu.Unlock()

	select {
	case s.queue <- text:
		s.emit(Event{Kind: EventQueued})
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.queued--
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *echoSession) loop() {
	defer s.wg.Done()
	for text := range s.queue {
		s.mu.Lock()
		s.queued--
		s.streaming = true
		model := s.model
		s.mu.Unlock()

		s.emit(Event{Kind: EventStarted})
		s.emit(Event{Kind: EventTurnStart})
		s.emit(Event{Kind: EventMessageStart, Role: "user", Content: text})
		reply := text
		s.emit(Event{Kind: EventAssistantTextDelta, Delta: reply})
		s.emit(Event{
			Kind: EventMessageEnd, Role: "assistant", Content: reply,
			Provider: model.Provider, Model: model.ID, StopReason: "end_turn",
		})
		s.emit(Event{Kind: EventTurnEnd})
		s.emit(Event{Kind: EventSucceeded})

		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
	}
}

func (s *echoSession) SetModel(_ context.Context, model Model) error {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}

func (s *echoSession) SetThinkingLevel(_ context.Context, level string) error {
	s.mu.Lock()
	s.thinking = level
	s.mu.Unlock()
	return nil
}

func (s *echoSession) Abort() error {
	// Drain whatever is queued; the in-flight echo finishes instantly.
	for {
		select {
		case <-s.queue:
			s.mu.Lock()
			s.queued--
			s.mu.Unlock()
		default:
			return nil
		}
	}
}

func (s *echoSession) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming || s.queued > 0
}

func (s *echoSession) Subscribe(listener func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *echoSession) emit(ev Event) {
	s.mu.Lock()
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (s *echoSession) Share(context.Context) (ShareResult, error) {
	// Echo sessions have nothing to upload; mint a deterministic stub so
	// the share flow stays exercisable end to end.
	url := fmt.Sprintf("https://example.invalid/echo/%s", s.id)
	return ShareResult{GistURL: url, ShareURL: url}, nil
}

func (s *echoSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	// Touch the session file so reset/share flows see a real path.
	if s.filePath != "" {
		_ = os.WriteFile(s.filePath, []byte("{}\n"), 0o600)
	}
	return nil
}
