package telegram

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_RegisterAndDeregister(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})

	r.Register("run_1", "telegram:chat:1", func(ctx context.Context) {
		<-done
	})
	if r.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", r.ActiveCount())
	}

	close(done)
	deadline := time.Now().Add(2 * time.Second)
	for r.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never deregistered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistry_AbortThreadCancelsAllHandles(t *testing.T) {
	r := NewRegistry()
	var cancelled atomic.Int32

	for _, runID := range []string{"run_a", "run_b"} {
		r.Register(runID, "telegram:chat:1", func(ctx context.Context) {
			<-ctx.Done()
			cancelled.Add(1)
		})
	}
	r.Register("run_other", "telegram:chat:2", func(ctx context.Context) {
		<-ctx.Done()
	})

	r.AbortThread("telegram:chat:1")
	deadline := time.Now().Add(2 * time.Second)
	for cancelled.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("cancelled = %d, want 2", cancelled.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1 (other thread untouched)", r.ActiveCount())
	}
	r.AbortAllAndWait()
}

func TestRegistry_AbortAllAndWaitSettles(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Register("run_"+string(rune('a'+i)), "t", func(ctx context.Context) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
		})
	}
	r.AbortAllAndWait()
	if r.ActiveCount() != 0 {
		t.Fatalf("active = %d after AbortAllAndWait", r.ActiveCount())
	}
}

func TestRegistry_AbortRun(t *testing.T) {
	r := NewRegistry()
	stopped := make(chan struct{})
	r.Register("run_x", "t", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})
	r.AbortRun("run_x")
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("run not aborted")
	}
}
