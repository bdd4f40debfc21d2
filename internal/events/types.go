package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicProgress = "progress"
)

// Event type constants
const (
	EventTypeTaskQueued    = "task.queued"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeProgress      = "pipeline.progress"
)

// TaskQueuedEvent is published when a task is accepted into the queue.
type TaskQueuedEvent struct {
	ID           string
	Target       string
	Kind         string
	Priority     string
	Dependencies []string
	Timestamp    time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker begins an attempt.
type TaskStartedEvent struct {
	ID        string
	Target    string
	Kind      string
	Attempt   int
	WorkerID  int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published when a failed attempt is scheduled again.
type TaskRetryingEvent struct {
	ID          string
	NextAttempt int
	Delay       time.Duration
	Err         error
	Timestamp   time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task reaches its terminal failed state,
// including cancellation and dependency failure.
type TaskFailedEvent struct {
	ID        string
	ErrorKind string
	Err       error
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// ProgressEvent is published whenever the number of tasks in any state changes.
type ProgressEvent struct {
	Total     int
	Queued    int
	Running   int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// Done reports whether every known task is terminal.
func (e ProgressEvent) Done() bool {
	return e.Total > 0 && e.Completed+e.Failed == e.Total
}
