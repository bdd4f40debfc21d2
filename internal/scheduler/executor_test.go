package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// mockExecutor records calls and returns a canned result after an optional delay.
type mockExecutor struct {
	result    string
	err       error
	delay     time.Duration
	panicWith any
	calls     atomic.Int32
}

func (m *mockExecutor) Execute(ctx context.Context, task Task) (string, error) {
	m.calls.Add(1)
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.result, m.err
}

func TestInvoke_Success(t *testing.T) {
	exec := &mockExecutor{result: "ok"}
	task := *NewTask("task-1", "main.go", KindSyntax, PriorityMedium)

	out, err := Invoke[string](context.Background(), exec, task, time.Second)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if out != "ok" {
		t.Errorf("expected output 'ok', got %q", out)
	}
}

func TestInvoke_Classification(t *testing.T) {
	appErr := errors.New("lint failed")

	tests := []struct {
		name     string
		exec     *mockExecutor
		timeout  time.Duration
		cancel   bool
		wantKind ErrorKind
		wantIs   error
	}{
		{
			name:     "application error",
			exec:     &mockExecutor{err: appErr},
			timeout:  time.Second,
			wantKind: ErrorKindApplication,
			wantIs:   appErr,
		},
		{
			name:     "timeout",
			exec:     &mockExecutor{delay: time.Second},
			timeout:  20 * time.Millisecond,
			wantKind: ErrorKindTimeout,
			wantIs:   ErrTimeout,
		},
		{
			name:     "panic",
			exec:     &mockExecutor{panicWith: "boom"},
			timeout:  time.Second,
			wantKind: ErrorKindPanic,
		},
		{
			name:     "parent cancelled",
			exec:     &mockExecutor{delay: time.Second},
			timeout:  time.Second,
			cancel:   true,
			wantKind: ErrorKindCancelled,
			wantIs:   ErrCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				time.AfterFunc(10*time.Millisecond, cancel)
			}

			task := *NewTask("task-1", "main.go", KindSecurity, PriorityHigh)
			task.Attempt = 2

			_, err := Invoke[string](ctx, tt.exec, task, tt.timeout)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
			}
			if execErr.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, execErr.Kind)
			}
			if execErr.Attempt != 2 || execErr.TaskID != "task-1" {
				t.Errorf("expected task-1 attempt 2, got %s attempt %d", execErr.TaskID, execErr.Attempt)
			}
			if Classify(err) != tt.wantKind {
				t.Errorf("Classify returned %s, want %s", Classify(err), tt.wantKind)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("expected error to wrap %v, got %v", tt.wantIs, err)
			}
		})
	}
}

// The timer wins even when the executor ignores its context.
func TestInvoke_TimeoutDoesNotWaitForStuckExecutor(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := ExecutorFunc[int](func(ctx context.Context, task Task) (int, error) {
		<-release
		return 1, nil
	})

	start := time.Now()
	_, err := Invoke[int](context.Background(), stuck, Task{ID: "stuck"}, 30*time.Millisecond)
	if Classify(err) != ErrorKindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Invoke waited %s for a stuck executor", elapsed)
	}
}

func TestKindRouter(t *testing.T) {
	router := NewKindRouter[string]()
	syntax := &mockExecutor{result: "syntax"}
	fallback := &mockExecutor{result: "fallback"}
	router.Register(KindSyntax, syntax)

	out, err := router.Execute(context.Background(), Task{ID: "1", Kind: KindSyntax})
	if err != nil || out != "syntax" {
		t.Fatalf("expected syntax executor, got %q, %v", out, err)
	}

	if _, err := router.Execute(context.Background(), Task{ID: "2", Kind: KindWarmup}); err == nil {
		t.Fatal("expected error for unrouted kind")
	}

	router.SetDefault(fallback)
	out, err = router.Execute(context.Background(), Task{ID: "3", Kind: KindWarmup})
	if err != nil || out != "fallback" {
		t.Fatalf("expected fallback executor, got %q, %v", out, err)
	}
	if syntax.calls.Load() != 1 || fallback.calls.Load() != 1 {
		t.Errorf("unexpected call counts: syntax=%d fallback=%d", syntax.calls.Load(), fallback.calls.Load())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ErrorKindNone},
		{errors.New("x"), ErrorKindApplication},
		{context.DeadlineExceeded, ErrorKindTimeout},
		{context.Canceled, ErrorKindCancelled},
		{ErrDependencyFailed, ErrorKindDependencyFailed},
		{&ExecutionError{Kind: ErrorKindPanic, Err: errors.New("p")}, ErrorKindPanic},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
