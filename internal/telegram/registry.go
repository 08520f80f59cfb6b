package telegram

import (
	"context"
	"sync"
)

// Registry tracks background delivery tasks so they can be cancelled per
// thread or all at once on shutdown.
type Registry struct {
	mu       sync.Mutex
	byRun    map[string]*handle
	byThread map[string]map[*handle]struct{}
	wg       sync.WaitGroup
}

type handle struct {
	runID     string
	threadKey string
	cancel    context.CancelFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byRun:    make(map[string]*handle),
		byThread: make(map[string]map[*handle]struct{}),
	}
}

// Register starts a delivery task with its own abort signal, tracks it, and
// deregisters it when start returns.
func (r *Registry) Register(runID, threadKey string, start func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{runID: runID, threadKey: threadKey, cancel: cancel}

	r.mu.Lock()
	r.byRun[runID] = h
	set := r.byThread[threadKey]
	if set == nil {
		set = make(map[*handle]struct{})
		r.byThread[threadKey] = set
	}
	set[h] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.deregister(h)
		defer cancel()
		start(ctx)
	}()
}

// AbortRun cancels the delivery for one run, if any.
func (r *Registry) AbortRun(runID string) {
	r.mu.Lock()
	h := r.byRun[runID]
	r.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// AbortThread cancels every delivery for the thread.
func (r *Registry) AbortThread(threadKey string) {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.byThread[threadKey]))
	for h := range r.byThread[threadKey] {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// AbortAllAndWait cancels everything and waits for settlement.
func (r *Registry) AbortAllAndWait() {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.byRun))
	for _, h := range r.byRun {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	r.wg.Wait()
}

// ActiveCount returns the number of in-flight deliveries.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRun)
}

func (r *Registry) deregister(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRun, h.runID)
	if set := r.byThread[h.threadKey]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(r.byThread, h.threadKey)
		}
	}
}
