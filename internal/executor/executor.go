// Package executor owns the long-lived agent sessions, keyed by thread.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/controller"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/shared"
)

// RuntimeState is a thread's live metadata.
type RuntimeState struct {
	ThreadKey     string      `json:"thread_key"`
	SessionID     string      `json:"session_id,omitempty"`
	SessionActive bool        `json:"session_active"`
	Busy          bool        `json:"busy"`
	Model         agent.Model `json:"model"`
	ThinkingLevel string      `json:"thinking_level,omitempty"`
	Generation    int64       `json:"generation"`
}

// CancelResult reports whether cancellation interrupted live work.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// threadState is the in-memory session/controller pair for one thread.
type threadState struct {
	session    *sessionHandle
	generation int64
}

type sessionHandle struct {
	session    agent.Session
	controller *controller.Controller
}

// creation is a single-flight future for a thread's session being built.
type creation struct {
	done  chan struct{}
	state *threadState
	err   error
}

// Executor resolves thread keys to sessions and runs lifecycle operations.
type Executor struct {
	store       *persistence.Store
	factory     agent.Factory
	sessionsDir string
	logger      *slog.Logger

	mu          sync.Mutex
	states      map[string]*threadState
	creating    map[string]*creation
	generations map[string]int64
	models      map[string]agent.Model
	thinking    map[string]string
}

// New creates an Executor.
func New(store *persistence.Store, factory agent.Factory, sessionsDir string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       store,
		factory:     factory,
		sessionsDir: sessionsDir,
		logger:      logger,
		states:      make(map[string]*threadState),
		creating:    make(map[string]*creation),
		generations: make(map[string]int64),
		models:      make(map[string]agent.Model),
		thinking:    make(map[string]string),
	}
}

// Execute submits the run to its thread's controller and, once the
// assistant turn resolves, records the session mapping gated on the
// generation captured before submission.
func (e *Executor) Execute(ctx context.Context, run *persistence.Run) (controller.Result, error) {
	state, err := e.resolveState(ctx, run.ThreadKey)
	if err != nil {
		return controller.Result{}, err
	}
	generation := state.generation

	result, err := state.session.controller.Submit(ctx, run)
	if err != nil {
		return controller.Result{}, err
	}

	// A reset while the run executed bumps the in-memory generation and
	// deletes the persisted row; this run's write is then stale and dropped.
	e.mu.Lock()
	current := e.currentGenerationLocked(run.ThreadKey)
	e.mu.Unlock()
	if current != generation {
		e.logger.Info("thread session upsert skipped (stale generation)",
			"thread_key", run.ThreadKey, "generation", generation)
		return result, nil
	}

	applied, upsertErr := e.store.UpsertThreadSession(ctx,
		run.ThreadKey, state.session.session.ID(), state.session.session.FilePath(), generation)
	if upsertErr != nil {
		e.logger.Error("thread session upsert failed", "thread_key", run.ThreadKey, "error", upsertErr)
	} else if !applied {
		e.logger.Info("thread session upsert skipped (stale generation)",
			"thread_key", run.ThreadKey, "generation", generation)
	}
	return result, nil
}

// CancelThreadRun aborts the thread's session when it is streaming or has
// queued messages. Cancelled is true iff work was actually interrupted.
func (e *Executor) CancelThreadRun(threadKey string) (CancelResult, error) {
	e.mu.Lock()
	state := e.states[threadKey]
	e.mu.Unlock()

	if state == nil || !state.session.session.Busy() {
		return CancelResult{Cancelled: false}, nil
	}
	if err := state.session.session.Abort(); err != nil {
		return CancelResult{}, fmt.Errorf("failed to cancel active run for thread %s: %w", threadKey, err)
	}
	state.session.controller.Cancel(fmt.Errorf("run cancelled for thread %s", threadKey))
	return CancelResult{Cancelled: true}, nil
}

// ResetThreadSession bumps the thread's generation, drops the in-memory
// session and controller, and deletes the persisted mapping so the next run
// starts fresh.
func (e *Executor) ResetThreadSession(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	e.generations[threadKey] = e.currentGenerationLocked(threadKey) + 1
	state := e.states[threadKey]
	delete(e.states, threadKey)
	e.mu.Unlock()

	if state != nil {
		state.session.controller.Cancel(fmt.Errorf("session reset for thread %s", threadKey))
		state.session.controller.Close()
		if err := state.session.session.Close(); err != nil {
			e.logger.Warn("session close failed during reset", "thread_key", threadKey, "error", err)
		}
	}
	if err := e.store.DeleteThreadSession(ctx, threadKey); err != nil {
		return fmt.Errorf("reset thread session %s: %w", threadKey, err)
	}
	return nil
}

// ShareThreadSession uploads the thread's session transcript.
func (e *Executor) ShareThreadSession(ctx context.Context, threadKey string) (agent.ShareResult, error) {
	state, err := e.resolveState(ctx, threadKey)
	if err != nil {
		return agent.ShareResult{}, err
	}
	res, err := state.session.session.Share(ctx)
	if err != nil {
		return agent.ShareResult{}, fmt.Errorf("share session for thread %s: %w", threadKey, err)
	}
	return res, nil
}

// GetThreadRuntimeState reports the thread's live metadata.
func (e *Executor) GetThreadRuntimeState(threadKey string) RuntimeState {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := RuntimeState{
		ThreadKey:     threadKey,
		Model:         e.models[threadKey],
		ThinkingLevel: e.thinking[threadKey],
		Generation:    e.currentGenerationLocked(threadKey),
	}
	if state := e.states[threadKey]; state != nil {
		rs.SessionID = state.session.session.ID()
		rs.SessionActive = true
		rs.Busy = state.session.session.Busy()
	}
	return rs
}

// SetThreadModel records the thread's model and applies it to a live
// session immediately.
func (e *Executor) SetThreadModel(ctx context.Context, threadKey string, model agent.Model) error {
	e.mu.Lock()
	e.models[threadKey] = model
	state := e.states[threadKey]
	e.mu.Unlock()

	if state != nil {
		if err := state.session.session.SetModel(ctx, model); err != nil {
			return fmt.Errorf("set model for thread %s: %w", threadKey, err)
		}
	}
	return nil
}

// SetThreadThinkingLevel records the thread's thinking level and applies it
// to a live session immediately.
func (e *Executor) SetThreadThinkingLevel(ctx context.Context, threadKey, level string) error {
	e.mu.Lock()
	e.thinking[threadKey] = level
	state := e.states[threadKey]
	e.mu.Unlock()

	if state != nil {
		if err := state.session.session.SetThinkingLevel(ctx, level); err != nil {
			return fmt.Errorf("set thinking level for thread %s: %w", threadKey, err)
		}
	}
	return nil
}

// Shutdown closes every live session and controller.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	states := make(map[string]*threadState, len(e.states))
	for k, v := range e.states {
		states[k] = v
	}
	e.states = make(map[string]*threadState)
	e.mu.Unlock()

	for threadKey, state := range states {
		state.session.controller.Close()
		if err := state.session.session.Close(); err != nil {
			e.logger.Warn("session close failed during shutdown", "thread_key", threadKey, "error", err)
		}
	}
}

// resolveState returns the thread's live state, creating the session
// single-flight: concurrent callers for the same thread share one creation.
func (e *Executor) resolveState(ctx context.Context, threadKey string) (*threadState, error) {
	for {
		e.mu.Lock()
		if state := e.states[threadKey]; state != nil {
			e.mu.Unlock()
			return state, nil
		}
		if pending := e.creating[threadKey]; pending != nil {
			e.mu.Unlock()
			select {
			case <-pending.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if pending.err != nil {
				return nil, pending.err
			}
			// The creation may have been reset immediately; re-check.
			continue
		}
		pending := &creation{done: make(chan struct{})}
		e.creating[threadKey] = pending
		e.mu.Unlock()

		state, err := e.createState(ctx, threadKey)

		e.mu.Lock()
		delete(e.creating, threadKey)
		if err == nil {
			e.states[threadKey] = state
		}
		e.mu.Unlock()
		pending.state, pending.err = state, err
		close(pending.done)

		return state, err
	}
}

func (e *Executor) createState(ctx context.Context, threadKey string) (*threadState, error) {
	e.mu.Lock()
	model := e.models[threadKey]
	thinking := e.thinking[threadKey]
	e.mu.Unlock()

	sessionID := ""
	filePath := ""
	generation := int64(1)

	persisted, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil {
		return nil, fmt.Errorf("load thread session %s: %w", threadKey, err)
	}
	if persisted != nil {
		sessionID = persisted.SessionID
		filePath = persisted.SessionFilePath
		generation = persisted.Generation
	} else {
		sessionID = shared.NewSessionID()
		filePath = filepath.Join(e.sessionsDir, sessionID+".jsonl")
	}

	e.mu.Lock()
	if g := e.generations[threadKey]; g > generation {
		generation = g
	} else {
		e.generations[threadKey] = generation
	}
	e.mu.Unlock()

	session, err := e.factory.Create(ctx, agent.Options{
		SessionID: sessionID,
		FilePath:  filePath,
		Model:     model,
		Thinking:  thinking,
	})
	if err != nil {
		return nil, fmt.Errorf("create session for thread %s: %w", threadKey, err)
	}

	ctrl := controller.New(session, e.logger)
	return &threadState{
		session:    &sessionHandle{session: session, controller: ctrl},
		generation: generation,
	}, nil
}

func (e *Executor) currentGenerationLocked(threadKey string) int64 {
	if g, ok := e.generations[threadKey]; ok {
		return g
	}
	return 1
}
