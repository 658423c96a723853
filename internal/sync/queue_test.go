package sync

import "testing"

func TestWriteQueueFIFO(t *testing.T) {
	q := newWriteQueue()
	q.push(&QueuedWrite{Action: "first"})
	q.push(&QueuedWrite{Action: "second"})
	q.push(&QueuedWrite{Action: "third"})

	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}

	for _, want := range []string{"first", "second", "third"} {
		w, ok := q.pop()
		if !ok || w.Action != want {
			t.Fatalf("pop = %+v, %v; want action %q", w, ok, want)
		}
	}

	if _, ok := q.pop(); ok {
		t.Error("empty queue should pop false")
	}
}

func TestWriteQueueAssignsIDs(t *testing.T) {
	q := newWriteQueue()
	q.push(&QueuedWrite{Action: "a"})
	q.push(&QueuedWrite{Action: "b"})

	first, _ := q.pop()
	second, _ := q.pop()
	if first.ID == "" || second.ID == "" {
		t.Fatal("queued writes should get IDs")
	}
	if first.ID == second.ID {
		t.Error("write IDs should be unique")
	}
}

func TestWriteQueueHasRow(t *testing.T) {
	q := newWriteQueue()
	q.push(&QueuedWrite{Action: "pushClient", Table: "clients", Key: "Acme Plumbing"})

	if !q.hasRow("clients", "Acme Plumbing") {
		t.Error("expected queued row to be found")
	}
	if q.hasRow("clients", "Harbour Cafe") {
		t.Error("unexpected match for different key")
	}
	if q.hasRow("bookings", "Acme Plumbing") {
		t.Error("unexpected match for different table")
	}

	q.pop()
	if q.hasRow("clients", "Acme Plumbing") {
		t.Error("popped row should no longer be found")
	}
}
