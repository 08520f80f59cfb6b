package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/shared"
	"github.com/default-anton/jagc/internal/workspace"
)

func newTestExecutor(t *testing.T) (*Executor, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	if err := workspace.Bootstrap(dir); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	store, err := persistence.Open(dir + "/jagc.sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	e := New(store, agent.EchoFactory{}, workspace.SessionsDir(dir), nil)
	t.Cleanup(e.Shutdown)
	return e, store
}

func newRun(threadKey, text string) *persistence.Run {
	return &persistence.Run{
		RunID:        shared.NewRunID(),
		Source:       "cli",
		ThreadKey:    threadKey,
		DeliveryMode: persistence.DeliveryFollowUp,
		Status:       persistence.RunStatusRunning,
		InputText:    text,
	}
}

func TestExecutor_ExecutePersistsThreadSession(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	result, err := e.Execute(ctx, newRun("cli:default", "hello"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "hello" || result.Type != "message" {
		t.Fatalf("result = %+v", result)
	}

	ts, err := store.GetThreadSession(ctx, "cli:default")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if ts == nil || ts.SessionID == "" || ts.Generation != 1 {
		t.Fatalf("thread session = %+v", ts)
	}
}

func TestExecutor_SessionReusedAcrossRuns(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, newRun("cli:default", "one")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	first, _ := store.GetThreadSession(ctx, "cli:default")

	if _, err := e.Execute(ctx, newRun("cli:default", "two")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, _ := store.GetThreadSession(ctx, "cli:default")
	if first.SessionID != second.SessionID {
		t.Fatalf("session changed between runs: %s vs %s", first.SessionID, second.SessionID)
	}
}

func TestExecutor_SingleFlightSessionCreation(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Execute(ctx, newRun("telegram:chat:5", "hi")); err != nil {
				t.Errorf("execute %d: %v", i, err)
				return
			}
			ids[i] = e.GetThreadRuntimeState("telegram:chat:5").SessionID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing creations produced distinct sessions: %v", ids)
		}
	}
}

func TestExecutor_ResetBumpsGenerationAndDropsMapping(t *testing.T) {
	e, store := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, newRun("cli:default", "hello")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	before := e.GetThreadRuntimeState("cli:default")

	if err := e.ResetThreadSession(ctx, "cli:default"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	after := e.GetThreadRuntimeState("cli:default")
	if after.Generation != before.Generation+1 {
		t.Fatalf("generation %d -> %d, want +1", before.Generation, after.Generation)
	}
	if after.SessionActive {
		t.Fatal("session still active after reset")
	}
	ts, _ := store.GetThreadSession(ctx, "cli:default")
	if ts != nil {
		t.Fatalf("persisted mapping survived reset: %+v", ts)
	}

	// Next run starts a fresh session and repersists under the new generation.
	if _, err := e.Execute(ctx, newRun("cli:default", "again")); err != nil {
		t.Fatalf("execute after reset: %v", err)
	}
	ts, _ = store.GetThreadSession(ctx, "cli:default")
	if ts == nil || ts.Generation != after.Generation {
		t.Fatalf("new mapping = %+v, want generation %d", ts, after.Generation)
	}
	if ts.SessionID == before.SessionID {
		t.Fatal("reset did not mint a new session")
	}
}

func TestExecutor_CancelIdleThreadIsFalse(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	// No session at all.
	res, err := e.CancelThreadRun("cli:default")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Cancelled {
		t.Fatal("cancel on missing session must report false")
	}

	// Idle session.
	if _, err := e.Execute(ctx, newRun("cli:default", "hello")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	res, err = e.CancelThreadRun("cli:default")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Cancelled {
		t.Fatal("cancel on idle session must report false")
	}
}

func TestExecutor_ModelAndThinkingRoundTrip(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	model := agent.Model{Provider: "anthropic", ID: "claude-sonnet-4-5"}
	if err := e.SetThreadModel(ctx, "cli:default", model); err != nil {
		t.Fatalf("set model: %v", err)
	}
	if err := e.SetThreadThinkingLevel(ctx, "cli:default", "high"); err != nil {
		t.Fatalf("set thinking: %v", err)
	}

	rs := e.GetThreadRuntimeState("cli:default")
	if rs.Model != model || rs.ThinkingLevel != "high" {
		t.Fatalf("runtime state = %+v", rs)
	}

	// A run created after the mutation carries the model in its output.
	result, err := e.Execute(ctx, newRun("cli:default", "hello"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Provider != "anthropic" || result.Model != "claude-sonnet-4-5" {
		t.Fatalf("result model = %+v", result)
	}
}

func TestExecutor_ShareReturnsURLs(t *testing.T) {
	e, _ := newTestExecutor(t)
	res, err := e.ShareThreadSession(context.Background(), "cli:default")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if res.GistURL == "" || res.ShareURL == "" {
		t.Fatalf("share result = %+v", res)
	}
}
