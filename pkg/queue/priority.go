// Package queue holds inbound events between the router and the workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/onebot"
)

var (
	ErrQueueFull = errors.New("queue: full")
	ErrClosed    = errors.New("queue: closed")
)

type Item struct {
	Seq        uint64
	Priority   bool
	Event      *onebot.Event
	EnqueuedAt time.Time
}

// PriorityQueue is a bounded FIFO whose PriorityRequeue splices an item to
// the head while keeping every other item in arrival order. All mutations,
// including the rebuild, run under one lock.
type PriorityQueue struct {
	capacity int
	hardCap  int

	mu     sync.Mutex
	items  []*Item
	seq    uint64
	closed bool
	ready  chan struct{}
}

// New creates a queue that rejects ordinary items beyond capacity. Priority
// items may exceed it, up to twice capacity in total.
func New(capacity int) *PriorityQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &PriorityQueue{
		capacity: capacity,
		hardCap:  capacity * 2,
		items:    make([]*Item, 0, capacity),
		ready:    make(chan struct{}, 1),
	}
}

func (q *PriorityQueue) Capacity() int {
	return q.capacity
}

// Enqueue appends evt at the tail.
func (q *PriorityQueue) Enqueue(evt *onebot.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	q.items = append(q.items, &Item{Seq: q.seq, Event: evt, EnqueuedAt: time.Now()})
	q.mu.Unlock()

	q.signal()
	return nil
}

// PriorityRequeue rebuilds the queue as [evt, previous items...]. When the
// rebuild would exceed the hard cap the newest tail items are dropped, and
// their count is returned.
func (q *PriorityQueue) PriorityRequeue(evt *onebot.Event) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}

	q.seq++
	aux := make([]*Item, 0, len(q.items)+1)
	aux = append(aux, &Item{Seq: q.seq, Priority: true, Event: evt, EnqueuedAt: time.Now()})
	aux = append(aux, q.items...)

	dropped := 0
	if len(aux) > q.hardCap {
		dropped = len(aux) - q.hardCap
		aux = aux[:q.hardCap]
	}
	q.items = aux
	depth := len(q.items)
	q.mu.Unlock()

	if dropped > 0 {
		logger.WarnCF("queue", "Priority rebuild dropped tail events", map[string]interface{}{
			"dropped": dropped,
			"depth":   depth,
		})
	}

	q.signal()
	return dropped, nil
}

// Dequeue blocks until an item is available, ctx is done, or the queue is
// closed and empty.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			if remaining > 0 {
				q.signal()
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			// pass the wakeup on to the next blocked consumer
			q.signal()
			return nil, ErrClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued events head first.
func (q *PriorityQueue) Snapshot() []*onebot.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*onebot.Event, len(q.items))
	for i, item := range q.items {
		out[i] = item.Event
	}
	return out
}

// Clear discards every queued item and returns how many there were.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make([]*Item, 0, q.capacity)
	return n
}

// Close rejects further items and wakes blocked consumers.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *PriorityQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
