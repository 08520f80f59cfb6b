package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/shared"
)

// fakeSession records delivered prompts and lets the test script events.
type fakeSession struct {
	mu        sync.Mutex
	prompts   []string
	followUps []string
	steers    []string
	listeners []func(agent.Event)
	aborted   bool
}

func (f *fakeSession) ID() string       { return "fake" }
func (f *fakeSession) FilePath() string { return "/tmp/fake.jsonl" }

func (f *fakeSession) Prompt(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakeSession) FollowUp(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followUps = append(f.followUps, text)
	return nil
}

func (f *fakeSession) Steer(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steers = append(f.steers, text)
	return nil
}

func (f *fakeSession) SetModel(context.Context, agent.Model) error    { return nil }
func (f *fakeSession) SetThinkingLevel(context.Context, string) error { return nil }
func (f *fakeSession) Busy() bool                                     { return false }
func (f *fakeSession) Close() error                                   { return nil }

func (f *fakeSession) Abort() error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Share(context.Context) (agent.ShareResult, error) {
	return agent.ShareResult{}, nil
}

func (f *fakeSession) Subscribe(listener func(agent.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
	return func() {}
}

func (f *fakeSession) emit(ev agent.Event) {
	f.mu.Lock()
	listeners := append([]func(agent.Event){}, f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (f *fakeSession) userStart(text string) {
	f.emit(agent.Event{Kind: agent.EventMessageStart, Role: "user", Content: text})
}

func (f *fakeSession) assistantEnd(text string) {
	f.emit(agent.Event{
		Kind: agent.EventMessageEnd, Role: "assistant", Content: text,
		Provider: "anthropic", Model: "claude-sonnet-4-5", StopReason: "end_turn",
	})
}

func newRun(text string, mode persistence.DeliveryMode) *persistence.Run {
	return &persistence.Run{
		RunID:        shared.NewRunID(),
		ThreadKey:    "telegram:chat:1",
		DeliveryMode: mode,
		Status:       persistence.RunStatusRunning,
		InputText:    text,
	}
}

type submitResult struct {
	result Result
	err    error
}

func submitAsync(c *Controller, run *persistence.Run) chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		res, err := c.Submit(context.Background(), run)
		ch <- submitResult{res, err}
	}()
	return ch
}

func waitDelivered(t *testing.T, f *fakeSession, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.prompts) + len(f.followUps) + len(f.steers)
		f.mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never saw %d deliveries", want)
}

func TestController_TwoFollowUpsResolveInOrder(t *testing.T) {
	f := &fakeSession{}
	c := New(f, nil)
	defer c.Close()

	r1 := submitAsync(c, newRun("first", persistence.DeliveryFollowUp))
	waitDelivered(t, f, 1)
	r2 := submitAsync(c, newRun("second", persistence.DeliveryFollowUp))
	waitDelivered(t, f, 2)

	f.userStart("first")
	f.assistantEnd("RUN1")
	f.userStart("second")
	f.assistantEnd("RUN2")

	res1 := <-r1
	res2 := <-r2
	if res1.err != nil || res2.err != nil {
		t.Fatalf("errs: %v, %v", res1.err, res2.err)
	}
	if res1.result.Text != "RUN1" || res2.result.Text != "RUN2" {
		t.Fatalf("texts: %q, %q", res1.result.Text, res2.result.Text)
	}
	if res1.result.DeliveryMode != persistence.DeliveryFollowUp || res2.result.DeliveryMode != persistence.DeliveryFollowUp {
		t.Fatalf("delivery modes: %+v, %+v", res1.result, res2.result)
	}
	if res1.result.Type != "message" || res1.result.Provider != "anthropic" {
		t.Fatalf("result shape: %+v", res1.result)
	}

	// The very first run goes through prompt; the second through followUp.
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) != 1 || f.prompts[0] != "first" {
		t.Fatalf("prompts = %v", f.prompts)
	}
	if len(f.followUps) != 1 || f.followUps[0] != "second" {
		t.Fatalf("followUps = %v", f.followUps)
	}
}

func TestController_SteerInterleavesAndEchoesMode(t *testing.T) {
	f := &fakeSession{}
	c := New(f, nil)
	defer c.Close()

	r1 := submitAsync(c, newRun("first", persistence.DeliveryFollowUp))
	waitDelivered(t, f, 1)
	r2 := submitAsync(c, newRun("interrupt", persistence.DeliverySteer))
	waitDelivered(t, f, 2)

	f.userStart("first")
	f.assistantEnd("RUN1")
	f.userStart("interrupt")
	f.assistantEnd("RUN2")
	f.emit(agent.Event{Kind: agent.EventAgentEnd})

	res1 := <-r1
	res2 := <-r2
	if res1.err != nil || res2.err != nil {
		t.Fatalf("errs: %v, %v", res1.err, res2.err)
	}
	if res1.result.Text != "RUN1" || res2.result.Text != "RUN2" {
		t.Fatalf("texts: %q, %q", res1.result.Text, res2.result.Text)
	}
	if res2.result.DeliveryMode != persistence.DeliverySteer {
		t.Fatalf("steer mode not echoed: %+v", res2.result)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steers) != 1 || f.steers[0] != "interrupt" {
		t.Fatalf("session.steer not used: %v", f.steers)
	}
}

func TestController_AgentEndRejectsUndelivered(t *testing.T) {
	f := &fakeSession{}
	c := New(f, nil)
	defer c.Close()

	r1 := submitAsync(c, newRun("first", persistence.DeliveryFollowUp))
	waitDelivered(t, f, 1)
	r2 := submitAsync(c, newRun("second", persistence.DeliveryFollowUp))
	waitDelivered(t, f, 2)

	f.userStart("first")
	f.assistantEnd("RUN1")
	f.emit(agent.Event{Kind: agent.EventAgentEnd})

	res1 := <-r1
	if res1.err != nil || res1.result.Text != "RUN1" {
		t.Fatalf("r1 = %+v, %v", res1.result, res1.err)
	}
	res2 := <-r2
	if !errors.Is(res2.err, ErrAgentEnded) {
		t.Fatalf("r2 err = %v, want ErrAgentEnded", res2.err)
	}
	if !strings.Contains(res2.err.Error(), "agent ended before message delivery") {
		t.Fatalf("r2 err text = %q", res2.err)
	}
}

func TestController_CancelRejectsPending(t *testing.T) {
	f := &fakeSession{}
	c := New(f, nil)
	defer c.Close()

	r1 := submitAsync(c, newRun("first", persistence.DeliveryFollowUp))
	waitDelivered(t, f, 1)
	f.userStart("first")

	cancelErr := errors.New("run cancelled")
	c.Cancel(cancelErr)

	res := <-r1
	if !errors.Is(res.err, cancelErr) {
		t.Fatalf("err = %v, want cancellation error", res.err)
	}
}

func TestController_ContextCancellationUnblocksSubmit(t *testing.T) {
	f := &fakeSession{}
	c := New(f, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, newRun("never answered", persistence.DeliveryFollowUp))
		done <- err
	}()
	waitDelivered(t, f, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not unblock on ctx cancel")
	}
}
