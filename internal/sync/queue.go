package sync

import (
	gosync "sync"

	"github.com/google/uuid"
)

// writeMaxAttempts is the retry budget for one queued write. Attempts beyond
// this abandon the write; any dirty row behind it stays dirty for the next
// opportunistic push pass.
const writeMaxAttempts = 3

// QueuedWrite is one outbound mutation waiting in the write-back queue.
type QueuedWrite struct {
	ID      string
	Action  string
	Payload interface{}
	// Table and Key optionally link the write to a local row whose dirty
	// flag clears when the write succeeds.
	Table    string
	Key      string
	Attempts int
}

// writeQueue is a strict FIFO queue of pending writes. Retried items move to
// the tail so one persistently failing write cannot starve the rest.
type writeQueue struct {
	mu    gosync.Mutex
	items []*QueuedWrite
}

func newWriteQueue() *writeQueue {
	return &writeQueue{}
}

// push appends a write to the tail.
func (q *writeQueue) push(w *QueuedWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	q.items = append(q.items, w)
}

// pop removes and returns the head of the queue.
func (q *writeQueue) pop() (*QueuedWrite, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items = q.items[1:]
	return w, true
}

// hasRow reports whether a pending write is linked to the given row.
func (q *writeQueue) hasRow(table, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.items {
		if w.Table == table && w.Key == key {
			return true
		}
	}
	return false
}

// len returns the number of pending writes.
func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
