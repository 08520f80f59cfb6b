// Package controller serializes runs onto a single agent session and maps
// streamed assistant turns back to the run that triggered them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/persistence"
)

// ErrAgentEnded rejects runs still undelivered when the session's agent
// loop ends.
var ErrAgentEnded = errors.New("agent ended before message delivery")

// Result is the assistant turn a run resolved to. It becomes the run's
// output verbatim.
type Result struct {
	Type         string                   `json:"type"`
	Text         string                   `json:"text"`
	Provider     string                   `json:"provider,omitempty"`
	Model        string                   `json:"model,omitempty"`
	DeliveryMode persistence.DeliveryMode `json:"delivery_mode"`
}

type outcome struct {
	result Result
	err    error
}

// expectation is one submitted run awaiting its assistant turn.
type expectation struct {
	runID string
	text  string
	mode  persistence.DeliveryMode
	done  chan outcome
}

func (e *expectation) resolve(o outcome) {
	select {
	case e.done <- o:
	default:
	}
}

// Controller owns one agent session's event subscription. Correlation is by
// arrival order per queue: a user message_start pops the head of the queue
// whose front entry's input matches the echoed text; the next assistant
// message_end resolves it.
type Controller struct {
	session agent.Session
	logger  *slog.Logger

	mu       sync.Mutex
	followUp []*expectation
	steer    []*expectation
	current  *expectation
	prompted bool
	closed   bool

	unsubscribe func()
}

// New wires a controller to its session's event stream.
func New(session agent.Session, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		session: session,
		logger:  logger,
	}
	c.unsubscribe = session.Subscribe(c.onEvent)
	return c
}

// Session exposes the underlying session for lifecycle operations.
func (c *Controller) Session() agent.Session {
	return c.session
}

// Submit delivers the run's text into the session (prompt for the very
// first run, then steer or follow-up per delivery mode) and blocks until
// the matching assistant turn ends.
func (c *Controller) Submit(ctx context.Context, run *persistence.Run) (Result, error) {
	exp := &expectation{
		runID: run.RunID,
		text:  run.InputText,
		mode:  run.DeliveryMode,
		done:  make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("thread controller closed")
	}
	first := !c.prompted
	c.prompted = true
	if run.DeliveryMode == persistence.DeliverySteer {
		c.steer = append(c.steer, exp)
	} else {
		c.followUp = append(c.followUp, exp)
	}
	c.mu.Unlock()

	var err error
	switch {
	case first:
		err = c.session.Prompt(ctx, run.InputText)
	case run.DeliveryMode == persistence.DeliverySteer:
		err = c.session.Steer(ctx, run.InputText)
	default:
		err = c.session.FollowUp(ctx, run.InputText)
	}
	if err != nil {
		c.remove(exp)
		return Result{}, fmt.Errorf("deliver run %s: %w", run.RunID, err)
	}

	select {
	case o := <-exp.done:
		return o.result, o.err
	case <-ctx.Done():
		c.remove(exp)
		return Result{}, ctx.Err()
	}
}

// Cancel rejects every pending expectation with err. Called after the
// session is aborted.
func (c *Controller) Cancel(err error) {
	c.rejectAll(err)
}

// Close detaches from the session and rejects anything still pending.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.rejectAll(fmt.Errorf("thread controller closed"))
}

func (c *Controller) onEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventMessageStart:
		if ev.Role != "user" {
			return
		}
		c.onUserMessageStart(ev.Content)
	case agent.EventMessageEnd:
		if ev.Role != "assistant" {
			return
		}
		c.onAssistantMessageEnd(ev)
	case agent.EventAgentEnd:
		c.rejectAll(ErrAgentEnded)
	case agent.EventFailed:
		msg := ev.Error
		if msg == "" {
			msg = "agent run failed"
		}
		c.rejectAll(errors.New(msg))
	}
}

func (c *Controller) onUserMessageStart(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.followUp) > 0 && c.followUp[0].text == text {
		c.current = c.followUp[0]
		c.followUp = c.followUp[1:]
		return
	}
	if len(c.steer) > 0 && c.steer[0].text == text {
		c.current = c.steer[0]
		c.steer = c.steer[1:]
		return
	}
	// A user message we did not submit (e.g. injected by the agent side);
	// nothing to correlate.
	c.logger.Debug("unmatched user message start", "text_len", len(text))
}

func (c *Controller) onAssistantMessageEnd(ev agent.Event) {
	c.mu.Lock()
	exp := c.current
	c.current = nil
	c.mu.Unlock()
	if exp == nil {
		return
	}
	exp.resolve(outcome{result: Result{
		Type:         "message",
		Text:         ev.Content,
		Provider:     ev.Provider,
		Model:        ev.Model,
		DeliveryMode: exp.mode,
	}})
}

func (c *Controller) rejectAll(err error) {
	c.mu.Lock()
	pending := make([]*expectation, 0, len(c.followUp)+len(c.steer)+1)
	if c.current != nil {
		pending = append(pending, c.current)
		c.current = nil
	}
	pending = append(pending, c.followUp...)
	pending = append(pending, c.steer...)
	c.followUp = nil
	c.steer = nil
	c.mu.Unlock()

	for _, exp := range pending {
		exp.resolve(outcome{err: err})
	}
}

func (c *Controller) remove(target *expectation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUp = removeExpectation(c.followUp, target)
	c.steer = removeExpectation(c.steer, target)
	if c.current == target {
		c.current = nil
	}
}

func removeExpectation(queue []*expectation, target *expectation) []*expectation {
	for i, exp := range queue {
		if exp == target {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}
