package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueClosed = errors.New("job queue is closed")
	ErrQueueFull   = errors.New("job queue is full")
)

// Entry is a queued reference to a job.
type Entry struct {
	JobID      string
	Priority   int
	EnqueuedAt time.Time
	seq        uint64
}

// Queue orders entries by ascending priority, then insertion order. A single
// goroutine owns the heap; callers reach it over channels only.
type Queue struct {
	capacity int

	enqueueCh chan enqueueReq
	removeCh  chan removeReq
	lenCh     chan chan int
	out       chan Entry
	closeCh   chan struct{}
	done      chan struct{}
}

type enqueueReq struct {
	entry Entry
	reply chan error
}

type removeReq struct {
	jobID string
	reply chan bool
}

// New starts a queue. capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	q := &Queue{
		capacity:  capacity,
		enqueueCh: make(chan enqueueReq),
		removeCh:  make(chan removeReq),
		lenCh:     make(chan chan int),
		out:       make(chan Entry),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue inserts an entry as if freshly arrived now. A bounded queue at
// capacity rejects it with ErrQueueFull instead of blocking.
func (q *Queue) Enqueue(e Entry) error {
	req := enqueueReq{entry: e, reply: make(chan error, 1)}
	select {
	case q.enqueueCh <- req:
		return <-req.reply
	case <-q.done:
		return ErrQueueClosed
	}
}

// Dequeue blocks until an entry is available, ctx is done, or the queue is
// closed.
func (q *Queue) Dequeue(ctx context.Context) (Entry, error) {
	select {
	case e := <-q.out:
		return e, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-q.done:
		return Entry{}, ErrQueueClosed
	}
}

// Remove drops the entry for jobID if it is still waiting.
func (q *Queue) Remove(jobID string) bool {
	req := removeReq{jobID: jobID, reply: make(chan bool, 1)}
	select {
	case q.removeCh <- req:
		return <-req.reply
	case <-q.done:
		return false
	}
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	reply := make(chan int, 1)
	select {
	case q.lenCh <- reply:
		return <-reply
	case <-q.done:
		return 0
	}
}

// Close stops the queue. Waiting entries are discarded and blocked Dequeue
// calls return ErrQueueClosed.
func (q *Queue) Close() {
	select {
	case <-q.closeCh:
	default:
		close(q.closeCh)
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	var (
		h   entryHeap
		seq uint64
	)
	for {
		var (
			out  chan Entry
			head Entry
		)
		if len(h) > 0 {
			out = q.out
			head = h[0]
		}

		select {
		case req := <-q.enqueueCh:
			if q.capacity > 0 && len(h) >= q.capacity {
				req.reply <- fmt.Errorf("%w: capacity %d reached", ErrQueueFull, q.capacity)
				continue
			}
			seq++
			e := req.entry
			e.seq = seq
			if e.EnqueuedAt.IsZero() {
				e.EnqueuedAt = time.Now()
			}
			heap.Push(&h, e)
			req.reply <- nil
		case req := <-q.removeCh:
			req.reply <- h.remove(req.jobID)
		case reply := <-q.lenCh:
			reply <- len(h)
		case out <- head:
			heap.Pop(&h)
		case <-q.closeCh:
			return
		}
	}
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h *entryHeap) remove(jobID string) bool {
	for i, e := range *h {
		if e.JobID == jobID {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
