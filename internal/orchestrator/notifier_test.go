package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pipeline/internal/scheduler"
)

func TestFailureNotifier_DeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	n := NewFailureNotifier(func(task scheduler.Task, err error) {
		mu.Lock()
		got = append(got, task.ID+": "+err.Error())
		mu.Unlock()
	}, zerolog.Nop())
	n.Start()

	for i := range 10 {
		if !n.Notify(scheduler.Task{ID: fmt.Sprintf("t%d", i)}, errors.New("boom")) {
			t.Fatalf("Notify %d refused", i)
		}
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("delivered %d notices, want 10", len(got))
	}
	for i, line := range got {
		if want := fmt.Sprintf("t%d: boom", i); line != want {
			t.Errorf("notice %d = %q, want %q", i, line, want)
		}
	}
}

func TestFailureNotifier_RecoversCallbackPanic(t *testing.T) {
	calls := 0
	n := NewFailureNotifier(func(task scheduler.Task, err error) {
		calls++
		if task.ID == "bad" {
			panic("callback bug")
		}
	}, zerolog.Nop())
	n.Start()

	n.Notify(scheduler.Task{ID: "bad"}, errors.New("x"))
	n.Notify(scheduler.Task{ID: "good"}, errors.New("y"))
	n.Stop(context.Background())

	if calls != 2 {
		t.Errorf("callback ran %d times, want 2", calls)
	}
}

func TestFailureNotifier_AfterStop(t *testing.T) {
	n := NewFailureNotifier(func(scheduler.Task, error) {}, zerolog.Nop())
	n.Start()
	n.Stop(context.Background())

	if n.Notify(scheduler.Task{ID: "late"}, errors.New("x")) {
		t.Error("Notify after Stop should be refused")
	}
	n.Stop(context.Background()) // second Stop returns immediately
}

func TestFailureNotifier_NoCallback(t *testing.T) {
	n := NewFailureNotifier(nil, zerolog.Nop())
	n.Start()
	defer n.Stop(context.Background())

	if n.Notify(scheduler.Task{ID: "t"}, errors.New("x")) {
		t.Error("Notify without a callback should report false")
	}
}

func TestFailureNotifier_NotifyNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	n := NewFailureNotifier(func(scheduler.Task, error) { <-release }, zerolog.Nop())
	n.Start()
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := range 100 {
			n.Notify(scheduler.Task{ID: fmt.Sprintf("t%d", i)}, errors.New("boom"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked behind a slow callback")
	}
	if got := n.Pending(); got < 99 {
		t.Errorf("Pending() = %d, want at least 99", got)
	}
}

func TestFailureNotifier_StopHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	n := NewFailureNotifier(func(scheduler.Task, error) { <-release }, zerolog.Nop())
	n.Start()

	n.Notify(scheduler.Task{ID: "stuck"}, errors.New("x"))
	n.Notify(scheduler.Task{ID: "queued"}, errors.New("y"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := n.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v despite a 50ms deadline", elapsed)
	}
	if n.Pending() != 0 {
		t.Errorf("undelivered notices should be dropped, %d left", n.Pending())
	}
}
