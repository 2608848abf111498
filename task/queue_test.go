package task

import (
	"container/heap"
	"testing"
)

func queued(prio Priority, seq uint64) *Task {
	return &Task{ID: prio.String(), Priority: prio, Status: StatusPending, seq: seq}
}

func TestQueue_PriorityOrder(t *testing.T) {
	var q queue
	heap.Push(&q, queued(PriorityLow, 0))
	heap.Push(&q, queued(PriorityHigh, 1))
	heap.Push(&q, queued(PriorityNormal, 2))

	want := []Priority{PriorityHigh, PriorityNormal, PriorityLow}
	for i, w := range want {
		got := heap.Pop(&q).(*Task)
		if got.Priority != w {
			t.Fatalf("pop %d: got %s, want %s", i, got.Priority, w)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d left", q.Len())
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	var q queue
	for seq := uint64(0); seq < 5; seq++ {
		tk := queued(PriorityNormal, seq)
		tk.ID = string(rune('a' + seq))
		heap.Push(&q, tk)
	}
	for seq := uint64(0); seq < 5; seq++ {
		got := heap.Pop(&q).(*Task)
		if got.seq != seq {
			t.Fatalf("pop: got seq %d, want %d", got.seq, seq)
		}
	}
}

func TestQueue_MixedInterleaving(t *testing.T) {
	var q queue
	heap.Push(&q, queued(PriorityNormal, 0))
	heap.Push(&q, queued(PriorityHigh, 1))
	heap.Push(&q, queued(PriorityNormal, 2))
	heap.Push(&q, queued(PriorityHigh, 3))

	var got []uint64
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*Task).seq)
	}
	want := []uint64{1, 3, 0, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestStatus_Transitions(t *testing.T) {
	tk := &Task{ID: "x", Status: StatusPending}
	if err := tk.transition(StatusSucceeded); err == nil {
		t.Fatal("pending -> succeeded should be rejected")
	}
	if err := tk.transition(StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := tk.transition(StatusPending); err == nil {
		t.Fatal("running -> pending should be rejected")
	}
	if err := tk.transition(StatusSucceeded); err != nil {
		t.Fatalf("running -> succeeded: %v", err)
	}
	if err := tk.transition(StatusFailed); err == nil {
		t.Fatal("terminal status must not transition")
	}
	if !tk.Status.Terminal() {
		t.Fatal("succeeded should be terminal")
	}
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"high": PriorityHigh, "normal": PriorityNormal, "": PriorityNormal, "low": PriorityLow} {
		got, err := ParsePriority(in)
		if err != nil || got != want {
			t.Fatalf("ParsePriority(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("unknown priority should error")
	}
}
