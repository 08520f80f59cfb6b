// Package agent defines the streaming session contract the coordinator
// consumes, plus the built-in runners. The session is an opaque
// collaborator: jagc never drives an LLM directly.
package agent

import "context"

// EventKind enumerates the streamed event kinds a session emits.
type EventKind string

const (
	EventQueued             EventKind = "queued"
	EventStarted            EventKind = "started"
	EventAgentStart         EventKind = "agent_start"
	EventAgentEnd           EventKind = "agent_end"
	EventTurnStart          EventKind = "turn_start"
	EventTurnEnd            EventKind = "turn_end"
	EventMessageStart       EventKind = "message_start"
	EventMessageEnd         EventKind = "message_end"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventThinkingDelta      EventKind = "assistant_thinking_delta"
	EventToolExecStart      EventKind = "tool_execution_start"
	EventToolExecUpdate     EventKind = "tool_execution_update"
	EventToolExecEnd        EventKind = "tool_execution_end"
	EventSucceeded          EventKind = "succeeded"
	EventFailed             EventKind = "failed"
	EventShareResult        EventKind = "share_result"
)

// Terminal reports whether the event ends the session's run stream.
func (k EventKind) Terminal() bool {
	return k == EventSucceeded || k == EventFailed
}

// Event is one streamed session event. Deltas are additive; tool updates
// may arrive out of order and are keyed by ToolCallID.
type Event struct {
	Kind       EventKind `json:"kind"`
	Role       string    `json:"role,omitempty"`
	Content    string    `json:"content,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	GistURL    string    `json:"gist_url,omitempty"`
	ShareURL   string    `json:"share_url,omitempty"`
}

// Model names a provider/model pair.
type Model struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// ShareResult carries the upload URLs from a session share.
type ShareResult struct {
	GistURL  string `json:"gist_url"`
	ShareURL string `json:"share_url"`
}

// Session is one long-lived agent conversation backed by a session file.
// Prompt delivers the very first message; FollowUp queues behind the
// current turn; Steer interrupts it.
type Session interface {
	ID() string
	FilePath() string

	Prompt(ctx context.Context, text string) error
	FollowUp(ctx context.Context, text string) error
	Steer(ctx context.Context, text string) error

	SetModel(ctx context.Context, model Model) error
	SetThinkingLevel(ctx context.Context, level string) error

	// Abort interrupts the current turn and drops queued messages.
	Abort() error
	// Busy reports whether the session is streaming or has queued messages.
	Busy() bool

	// Subscribe registers a listener for every subsequent event. The
	// returned func removes it.
	Subscribe(listener func(Event)) (unsubscribe func())

	// Share uploads the session transcript and returns its URLs.
	Share(ctx context.Context) (ShareResult, error)

	Close() error
}

// Options configures session creation.
type Options struct {
	SessionID string
	FilePath  string
	Model     Model
	Thinking  string
}

// Factory creates sessions. Implementations: the echo runner and the pi
// subprocess runner.
type Factory interface {
	Create(ctx context.Context, opts Options) (Session, error)
}
