package scheduler

import (
	"testing"
	"time"
)

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func always(*Task) bool { return true }

func TestPriorityQueue_PriorityOrder(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(NewTask("A", "a.go", KindSyntax, PriorityLow), 0)
	q.Push(NewTask("B", "b.go", KindSyntax, PriorityCritical), 0)
	q.Push(NewTask("C", "c.go", KindSyntax, PriorityHigh), 0)

	var got []string
	for q.Len() > 0 {
		got = append(got, q.PopAdmissible(always).ID)
	}

	if want := []string{"B", "C", "A"}; !equalIDs(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPriorityQueue_TieBreaks(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		setup func(q *PriorityQueue)
		want  []string
	}{
		{
			name: "FIFO within the same priority",
			setup: func(q *PriorityQueue) {
				q.Push(NewTask("first", "x", KindStyle, PriorityMedium), 0)
				q.Push(NewTask("second", "x", KindStyle, PriorityMedium), 0)
				q.Push(NewTask("third", "x", KindStyle, PriorityMedium), 0)
			},
			want: []string{"first", "second", "third"},
		},
		{
			name: "fewer unresolved dependencies first",
			setup: func(q *PriorityQueue) {
				q.Push(NewTask("blocked", "x", KindStyle, PriorityMedium), 2)
				q.Push(NewTask("ready", "x", KindStyle, PriorityMedium), 0)
			},
			want: []string{"ready", "blocked"},
		},
		{
			name: "earlier deadline first, no deadline last",
			setup: func(q *PriorityQueue) {
				none := NewTask("none", "x", KindStyle, PriorityMedium)
				late := NewTask("late", "x", KindStyle, PriorityMedium)
				late.Deadline = now.Add(time.Hour)
				soon := NewTask("soon", "x", KindStyle, PriorityMedium)
				soon.Deadline = now.Add(time.Minute)
				q.Push(none, 0)
				q.Push(late, 0)
				q.Push(soon, 0)
			},
			want: []string{"soon", "late", "none"},
		},
		{
			name: "priority beats deadline",
			setup: func(q *PriorityQueue) {
				urgent := NewTask("urgent-low", "x", KindStyle, PriorityLow)
				urgent.Deadline = now
				q.Push(urgent, 0)
				q.Push(NewTask("high", "x", KindStyle, PriorityHigh), 0)
			},
			want: []string{"high", "urgent-low"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewPriorityQueue()
			tt.setup(q)
			got := ids(q.Drain())
			if !equalIDs(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPriorityQueue_PopAdmissibleSkipsWithoutReordering(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(NewTask("big", "x", KindSemantic, PriorityCritical), 0)
	q.Push(NewTask("small-1", "x", KindSemantic, PriorityMedium), 0)
	q.Push(NewTask("small-2", "x", KindSemantic, PriorityMedium), 0)

	got := q.PopAdmissible(func(task *Task) bool { return task.ID != "big" })
	if got == nil || got.ID != "small-1" {
		t.Fatalf("expected small-1, got %v", got)
	}

	if q.Len() != 2 {
		t.Fatalf("expected 2 tasks left, got %d", q.Len())
	}
	if rest := ids(q.Drain()); !equalIDs(rest, []string{"big", "small-2"}) {
		t.Errorf("skipped tasks lost their place: %v", rest)
	}
}

func TestPriorityQueue_PopAdmissibleNone(t *testing.T) {
	q := NewPriorityQueue()
	if got := q.PopAdmissible(always); got != nil {
		t.Errorf("expected nil from empty queue, got %v", got.ID)
	}

	q.Push(NewTask("A", "x", KindSyntax, PriorityLow), 0)
	if got := q.PopAdmissible(func(*Task) bool { return false }); got != nil {
		t.Errorf("expected nil when nothing is admissible, got %v", got.ID)
	}
	if !q.Contains("A") {
		t.Error("rejected task was removed from the queue")
	}
}

func TestPriorityQueue_DuplicatePush(t *testing.T) {
	q := NewPriorityQueue()
	if !q.Push(NewTask("A", "x", KindSyntax, PriorityLow), 0) {
		t.Fatal("first push rejected")
	}
	if q.Push(NewTask("A", "y", KindSyntax, PriorityHigh), 0) {
		t.Error("duplicate push accepted")
	}
	if q.Len() != 1 {
		t.Errorf("expected 1 task, got %d", q.Len())
	}
}

func TestPriorityQueue_ResolveReorders(t *testing.T) {
	q := NewPriorityQueue()
	q.Push(NewTask("waiting", "x", KindSyntax, PriorityMedium), 1)
	q.Push(NewTask("free", "x", KindSyntax, PriorityMedium), 0)

	q.Resolve("waiting")
	q.Resolve("unknown") // no-op

	// Both unresolved counts are now zero; insertion order decides.
	if got := ids(q.Drain()); !equalIDs(got, []string{"waiting", "free"}) {
		t.Errorf("expected [waiting free], got %v", got)
	}
}

func TestPriorityQueue_Remove(t *testing.T) {
	q := NewPriorityQueue()
	for _, id := range []string{"A", "B", "C", "D"} {
		q.Push(NewTask(id, "x", KindSyntax, PriorityMedium), 0)
	}

	task, ok := q.Remove("B")
	if !ok || task.ID != "B" {
		t.Fatalf("expected to remove B, got %v %v", task, ok)
	}
	if _, ok := q.Remove("B"); ok {
		t.Error("removed B twice")
	}
	if got := ids(q.Drain()); !equalIDs(got, []string{"A", "C", "D"}) {
		t.Errorf("expected [A C D], got %v", got)
	}
	if q.Contains("A") {
		t.Error("Drain left A in the index")
	}
}
