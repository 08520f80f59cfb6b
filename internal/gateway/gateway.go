// Package gateway exposes the HTTP API: message ingestion, run lookup, and
// thread control.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/default-anton/jagc/internal/agent"
	"github.com/default-anton/jagc/internal/config"
	"github.com/default-anton/jagc/internal/executor"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/service"
)

const maxIdempotencyKeyLen = 256

// ThreadControl is the slice of the executor the gateway forwards to.
type ThreadControl interface {
	CancelThreadRun(threadKey string) (executor.CancelResult, error)
	ResetThreadSession(ctx context.Context, threadKey string) error
	ShareThreadSession(ctx context.Context, threadKey string) (agent.ShareResult, error)
	GetThreadRuntimeState(threadKey string) executor.RuntimeState
	SetThreadModel(ctx context.Context, threadKey string, model agent.Model) error
	SetThreadThinkingLevel(ctx context.Context, threadKey, level string) error
}

// Config wires the gateway.
type Config struct {
	Runs    *service.Service
	Control ThreadControl // nil = thread control routes answer 501
	Catalog *config.ModelCatalog
	Logger  *slog.Logger

	// WorkspaceDir locates auth.json for the providers route.
	WorkspaceDir string
}

// Server is the HTTP API server.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/auth/providers", s.handleAuthProviders)
	mux.HandleFunc("GET /v1/threads/{thread_key}/runtime", s.handleThreadRuntime)
	mux.HandleFunc("PUT /v1/threads/{thread_key}/model", s.handleThreadModel)
	mux.HandleFunc("PUT /v1/threads/{thread_key}/thinking", s.handleThreadThinking)
	mux.HandleFunc("POST /v1/threads/{thread_key}/cancel", s.handleThreadCancel)
	mux.HandleFunc("DELETE /v1/threads/{thread_key}/session", s.handleThreadSessionDelete)
	mux.HandleFunc("POST /v1/threads/{thread_key}/share", s.handleThreadShare)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type messagePayload struct {
	Source         string `json:"source"`
	ThreadKey      string `json:"thread_key"`
	UserKey        string `json:"user_key"`
	Text           string `json:"text"`
	DeliveryMode   string `json:"delivery_mode"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message_payload", "request body is not valid JSON")
		return
	}
	if payload.Source == "" || payload.ThreadKey == "" || payload.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_message_payload", "source, thread_key, and text are required")
		return
	}
	mode := persistence.DeliveryMode(payload.DeliveryMode)
	if payload.DeliveryMode == "" {
		mode = persistence.DeliveryFollowUp
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_message_payload",
			fmt.Sprintf("delivery_mode must be steer or followUp, got %q", payload.DeliveryMode))
		return
	}

	headerKey := r.Header.Get("Idempotency-Key")
	if headerKey != "" {
		if strings.TrimSpace(headerKey) != headerKey || len(headerKey) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, "invalid_idempotency_key_header", "Idempotency-Key header is malformed")
			return
		}
	}
	key := payload.IdempotencyKey
	switch {
	case headerKey != "" && key != "" && headerKey != key:
		writeError(w, http.StatusBadRequest, "idempotency_key_mismatch",
			"Idempotency-Key header and body idempotency_key disagree")
		return
	case headerKey != "" && key == "":
		key = headerKey
	}

	result, err := s.cfg.Runs.IngestMessage(r.Context(), persistence.IngestParams{
		Source:         payload.Source,
		ThreadKey:      payload.ThreadKey,
		UserKey:        payload.UserKey,
		DeliveryMode:   mode,
		Text:           payload.Text,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_message_payload", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, runView(result.Run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" || !strings.HasPrefix(runID, "run_") {
		writeError(w, http.StatusBadRequest, "invalid_run_id", fmt.Sprintf("malformed run id %q", runID))
		return
	}
	run, err := s.cfg.Runs.GetRun(r.Context(), runID)
	if errors.Is(err, persistence.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run_not_found", fmt.Sprintf("no run with id %q", runID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runView(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	threadKey := r.URL.Query().Get("thread_key")
	if threadKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_thread_key", "thread_key query parameter is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_message_payload", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.cfg.Runs.ListRunsByThread(r.Context(), threadKey, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	views := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleAuthProviders(w http.ResponseWriter, _ *http.Request) {
	authPath := filepath.Join(s.cfg.WorkspaceDir, "auth.json")
	data, err := os.ReadFile(authPath)
	if err != nil {
		writeError(w, http.StatusNotImplemented, "auth_unavailable", "no credential store configured")
		return
	}
	var creds map[string]json.RawMessage
	if err := json.Unmarshal(data, &creds); err != nil {
		writeError(w, http.StatusNotImplemented, "auth_unavailable", "credential store unreadable")
		return
	}
	providers := make([]string, 0, len(creds))
	for name := range creds {
		providers = append(providers, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) threadKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	threadKey := r.PathValue("thread_key")
	if threadKey == "" || !strings.Contains(threadKey, ":") {
		writeError(w, http.StatusBadRequest, "invalid_thread_key", fmt.Sprintf("malformed thread key %q", threadKey))
		return "", false
	}
	if s.cfg.Control == nil {
		writeError(w, http.StatusNotImplemented, "thread_control_unavailable", "thread control is not configured")
		return "", false
	}
	return threadKey, true
}

func (s *Server) handleThreadRuntime(w http.ResponseWriter, r *http.Request) {
	threadKey, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Control.GetThreadRuntimeState(threadKey))
}

func (s *Server) handleThreadModel(w http.ResponseWriter, r *http.Request) {
	threadKey, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	var payload struct {
		Provider string `json:"provider"`
		ModelID  string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Provider == "" || payload.ModelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_model_payload", "provider and model_id are required")
		return
	}
	if s.cfg.Catalog != nil && !s.cfg.Catalog.Has(payload.Provider, payload.ModelID) {
		writeError(w, http.StatusBadRequest, "invalid_model_payload",
			fmt.Sprintf("unknown model %s/%s", payload.Provider, payload.ModelID))
		return
	}
	if err := s.cfg.Control.SetThreadModel(r.Context(), threadKey, agent.Model{Provider: payload.Provider, ID: payload.ModelID}); err != nil {
		writeError(w, http.StatusBadRequest, "thread_model_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Control.GetThreadRuntimeState(threadKey))
}

var thinkingLevels = map[string]bool{"off": true, "low": true, "medium": true, "high": true}

func (s *Server) handleThreadThinking(w http.ResponseWriter, r *http.Request) {
	threadKey, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	var payload struct {
		ThinkingLevel string `json:"thinking_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || !thinkingLevels[payload.ThinkingLevel] {
		writeError(w, http.StatusBadRequest, "invalid_thinking_payload", "thinking_level must be off, low, medium, or high")
		return
	}
	if err := s.cfg.Control.SetThreadThinkingLevel(r.Context(), threadKey, payload.ThinkingLevel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_thinking_payload", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Control.GetThreadRuntimeState(threadKey))
}

func (s *Server) handleThreadCancel(w http.ResponseWriter, r *http.Request) {
	threadKey, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.Control.CancelThreadRun(threadKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "thread_run_cancel_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_key": threadKey, "cancelled": res.Cancelled})
}

func (s *Server) handleThreadSessionDelete(w http.ResponseWriter, r *http.Request) {
	threadKey, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Control.ResetThreadSession(r.Context(), threadKey); err != nil {
		writeError(w, http.StatusBadRequest, "thread_session_reset_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_key": threadKey, "reset": true})
}

func (s *Server) handleThreadShare(w http.ResponseWriter, r *http.Request) {
	threadKey, ok := s.threadKey(w, r)
	if !ok {
		return
	}
	share, err := s.cfg.Control.ShareThreadSession(r.Context(), threadKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "thread_session_share_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_key": threadKey,
		"gist_url":   share.GistURL,
		"share_url":  share.ShareURL,
	})
}

// runView is the wire shape for a run. Statuses are terminal-truthful: a
// 200 here may still carry status=failed — that is the run, not the
// transport.
func runView(run *persistence.Run) map[string]any {
	var output any
	if len(run.Output) > 0 {
		output = json.RawMessage(run.Output)
	}
	var errMsg any
	if run.ErrorMessage != "" {
		errMsg = run.ErrorMessage
	}
	return map[string]any{
		"run_id": run.RunID,
		"status": string(run.Status),
		"output": output,
		"error":  errMsg,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
