package controller

import (
	"time"

	"github.com/calvinmclean/spinrig"
)

// Request is a single command read from the registers
type Request struct {
	Code spinrig.CommandCode
	// Value is the target from Hreg 3-4 when the command was read
	Value    int32
	Pending  bool
	Received time.Time
}

// commandQueue is a fixed size FIFO ring of requests that could not run when they arrived
type commandQueue struct {
	records    []Request
	head       int
	count      int
	staleAfter time.Duration
}

func newCommandQueue(capacity int, staleAfter time.Duration) *commandQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &commandQueue{
		records:    make([]Request, capacity),
		staleAfter: staleAfter,
	}
}

// Enqueue adds r as pending. It returns false when every slot is taken
func (q *commandQueue) Enqueue(r Request) bool {
	if q.count == len(q.records) {
		return false
	}
	r.Pending = true
	q.records[(q.head+q.count)%len(q.records)] = r
	q.count++
	return true
}

// Dequeue returns the oldest pending request, discarding inactive and stale records on the way
func (q *commandQueue) Dequeue(now time.Time) (Request, bool) {
	for q.count > 0 {
		r := q.records[q.head]
		q.records[q.head] = Request{}
		q.head = (q.head + 1) % len(q.records)
		q.count--

		if !r.Pending {
			continue
		}
		if q.staleAfter > 0 && now.Sub(r.Received) > q.staleAfter {
			continue
		}

		r.Pending = false
		return r, true
	}
	return Request{}, false
}

func (q *commandQueue) Len() int {
	return q.count
}

// Flush drops every record
func (q *commandQueue) Flush() {
	clear(q.records)
	q.head = 0
	q.count = 0
}
