// Package service orchestrates run ingestion, dispatch, and progress
// fan-out: ingest → persist → enqueue, then executeRunById on dispatch.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/default-anton/jagc/internal/bus"
	"github.com/default-anton/jagc/internal/executor"
	"github.com/default-anton/jagc/internal/persistence"
	"github.com/default-anton/jagc/internal/scheduler"
	"github.com/default-anton/jagc/internal/shared"
	"github.com/default-anton/jagc/internal/telemetry"
)

// IngestResult is the outcome of one ingested message.
type IngestResult struct {
	Run          *persistence.Run
	Deduplicated bool
}

// Service is the run lifecycle orchestrator.
type Service struct {
	store   *persistence.Store
	exec    *executor.Executor
	sched   scheduler.Scheduler
	events  *bus.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics

	seqMu sync.Mutex
	seqs  map[string]int
}

// New wires a Service. metrics may be nil.
func New(store *persistence.Store, exec *executor.Executor, sched scheduler.Scheduler, events *bus.Bus, logger *slog.Logger, metrics *telemetry.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		exec:    exec,
		sched:   sched,
		events:  events,
		logger:  logger,
		metrics: metrics,
		seqs:    make(map[string]int),
	}
}

// IngestMessage validates the message, resolves it to a run (deduplicating
// on the idempotency key), attaches any pending images for the scope, and
// enqueues the run for dispatch.
func (s *Service) IngestMessage(ctx context.Context, params persistence.IngestParams) (IngestResult, error) {
	if params.Source == "" {
		return IngestResult{}, fmt.Errorf("ingest message: source is required")
	}
	if params.ThreadKey == "" {
		return IngestResult{}, fmt.Errorf("ingest message: thread_key is required")
	}
	if params.Text == "" {
		return IngestResult{}, fmt.Errorf("ingest message: text is required")
	}
	if params.DeliveryMode == "" {
		params.DeliveryMode = persistence.DeliveryFollowUp
	}
	if !params.DeliveryMode.Valid() {
		return IngestResult{}, fmt.Errorf("ingest message: invalid delivery_mode %q", params.DeliveryMode)
	}

	run, dedup, err := s.store.IngestMessage(ctx, params, func() *persistence.Run {
		now := time.Now().UTC()
		return &persistence.Run{
			RunID:        shared.NewRunID(),
			Source:       params.Source,
			ThreadKey:    params.ThreadKey,
			UserKey:      params.UserKey,
			DeliveryMode: params.DeliveryMode,
			Status:       persistence.RunStatusRunning,
			InputText:    params.Text,
			Images:       params.Images,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest message: %w", err)
	}

	if dedup {
		if s.metrics != nil {
			s.metrics.RunsDeduplicated.Add(ctx, 1)
		}
		// Backstop: a deduplicated run that never reached a terminal state
		// (e.g. lost to a crash) is re-scheduled; a terminal one is not.
		if !run.Status.Terminal() {
			if _, err := s.sched.EnsureEnqueued(scheduler.Ref{RunID: run.RunID, ThreadKey: run.ThreadKey}); err != nil {
				s.logger.Warn("re-enqueue of deduplicated run failed", "run_id", run.RunID, "error", err)
			}
		}
		return IngestResult{Run: run, Deduplicated: true}, nil
	}

	if images, err := s.store.DrainPendingImages(ctx, persistence.ImageScope{
		ThreadKey: params.ThreadKey, UserKey: params.UserKey,
	}); err != nil {
		s.logger.Warn("drain pending images failed", "thread_key", params.ThreadKey, "error", err)
	} else if len(images) > 0 {
		run.Images = append(run.Images, images...)
		if err := s.store.AttachImages(ctx, run.RunID, run.Images); err != nil {
			s.logger.Warn("attach drained images failed", "run_id", run.RunID, "error", err)
		}
	}

	if err := s.sched.Enqueue(scheduler.Ref{RunID: run.RunID, ThreadKey: run.ThreadKey}); err != nil {
		return IngestResult{}, fmt.Errorf("enqueue run %s: %w", run.RunID, err)
	}
	if s.metrics != nil {
		s.metrics.RunsIngested.Add(ctx, 1)
	}
	return IngestResult{Run: run, Deduplicated: false}, nil
}

// ExecuteRunByID is the scheduler's dispatch handler: load → execute →
// record result → emit progress. A run already terminal is a no-op (the
// enqueue-idempotency backstop). Executor failures become run failures and
// never propagate to the scheduler.
func (s *Service) ExecuteRunByID(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil
	}

	s.publish(run, bus.RunProgressStarted, nil, "")
	started := time.Now()

	result, execErr := s.exec.Execute(ctx, run)
	if s.metrics != nil {
		s.metrics.RunDuration.Record(ctx, time.Since(started).Seconds())
	}

	if execErr != nil {
		msg := execErr.Error()
		if err := s.store.FinalizeRun(ctx, runID, persistence.RunStatusFailed, nil, msg); err != nil {
			return fmt.Errorf("finalize failed run %s: %w", runID, err)
		}
		s.publish(run, bus.RunProgressFailed, nil, msg)
		if s.metrics != nil {
			s.metrics.RunsFailed.Add(ctx, 1)
		}
		return nil
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run output %s: %w", runID, err)
	}
	if err := s.store.FinalizeRun(ctx, runID, persistence.RunStatusSucceeded, output, ""); err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	s.publish(run, bus.RunProgressSucceeded, output, "")
	if s.metrics != nil {
		s.metrics.RunsSucceeded.Add(ctx, 1)
	}
	return nil
}

// SubscribeRunProgress delivers the run's progress events to listener until
// the returned unsubscribe func is called. Events arrive in order with the
// terminal event last.
func (s *Service) SubscribeRunProgress(runID string, listener func(bus.RunProgressEvent)) func() {
	sub := s.events.Subscribe(bus.RunTopic(runID))
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if progress, isProgress := ev.Payload.(bus.RunProgressEvent); isProgress {
					listener(progress)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			s.events.Unsubscribe(sub)
		})
	}
}

// GetRun loads one run.
func (s *Service) GetRun(ctx context.Context, runID string) (*persistence.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRunsByThread returns recent runs for a thread.
func (s *Service) ListRunsByThread(ctx context.Context, threadKey string, limit int) ([]*persistence.Run, error) {
	return s.store.ListRunsByThread(ctx, threadKey, limit)
}

// RecoverPendingRuns re-enqueues runs left `running` by a previous process.
// Called once at startup, before ingress adapters open.
func (s *Service) RecoverPendingRuns(ctx context.Context) error {
	runs, err := s.store.ListRunningRuns(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep: %w", err)
	}
	for _, run := range runs {
		if _, err := s.sched.EnsureEnqueued(scheduler.Ref{RunID: run.RunID, ThreadKey: run.ThreadKey}); err != nil {
			return fmt.Errorf("recover run %s: %w", run.RunID, err)
		}
	}
	if len(runs) > 0 {
		s.logger.Info("recovered pending runs", "count", len(runs))
	}
	return nil
}

// Shutdown stops the scheduler (waiting for in-flight dispatches) and
// closes every agent session.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.sched.Stop(ctx)
	s.exec.Shutdown()
	return err
}

func (s *Service) publish(run *persistence.Run, kind bus.RunProgressKind, output json.RawMessage, errMsg string) {
	s.seqMu.Lock()
	s.seqs[run.RunID]++
	seq := s.seqs[run.RunID]
	if kind == bus.RunProgressSucceeded || kind == bus.RunProgressFailed {
		delete(s.seqs, run.RunID)
	}
	s.seqMu.Unlock()

	var payload any
	if len(output) > 0 {
		payload = json.RawMessage(output)
	}
	s.events.Publish(bus.RunTopic(run.RunID), bus.RunProgressEvent{
		RunID:        run.RunID,
		ThreadKey:    run.ThreadKey,
		Kind:         kind,
		Output:       payload,
		ErrorMessage: errMsg,
		Seq:          seq,
	})
}
