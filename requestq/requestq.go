// Copyright (C) 2026 wback authors

// Package requestq is the front-end request queue of an image. It runs
// logical I/O requests on a small worker pool and supports suspending
// writes: administrative operations that need the exclusive ownership
// lock first stop admitting writes and drain the ones in flight.
package requestq

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Request is one queued logical I/O operation. Send executes it to
// completion on the worker goroutine.
type Request interface {
	Send()
	IsWriteOp() bool
}

// Queue admits requests in FIFO order. While writes are suspended a
// write at the head of the queue blocks the queue; reads queued behind
// it wait with it, which keeps the FIFO admission the block layer
// expects.
type Queue struct {
	mutex sync.Mutex
	cond  *sync.Cond

	pending          []Request
	writesSuspended  bool
	inProgressWrites int
	queuedWrites     int
	stopped          bool

	workers sync.WaitGroup
}

// New returns a queue served by the given number of worker goroutines.
func New(workers int) *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mutex)

	q.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}

	return q
}

// Push admits one request.
func (q *Queue) Push(r Request) {
	q.mutex.Lock()
	if q.stopped {
		q.mutex.Unlock()
		log.Panic().Msg("push on stopped queue")
	}
	q.pending = append(q.pending, r)
	if r.IsWriteOp() {
		q.queuedWrites++
	}
	q.mutex.Unlock()

	q.cond.Broadcast()
}

// WritesEmpty reports whether no writes are queued or in flight.
func (q *Queue) WritesEmpty() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.queuedWrites == 0 && q.inProgressWrites == 0
}

// WritesSuspended reports whether writes are currently suspended.
func (q *Queue) WritesSuspended() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.writesSuspended
}

// SuspendWrites stops admitting writes and blocks until every write
// already handed to a worker has finished.
func (q *Queue) SuspendWrites() {
	q.mutex.Lock()
	q.writesSuspended = true
	for q.inProgressWrites > 0 {
		q.cond.Wait()
	}
	q.mutex.Unlock()
}

// ResumeWrites lets queued writes flow again.
func (q *Queue) ResumeWrites() {
	q.mutex.Lock()
	q.writesSuspended = false
	q.mutex.Unlock()

	q.cond.Broadcast()
}

// Stop waits for the queue to drain and shuts the workers down.
func (q *Queue) Stop() {
	q.mutex.Lock()
	q.stopped = true
	q.mutex.Unlock()

	q.cond.Broadcast()
	q.workers.Wait()
}

// dequeue pops the next admissible request, blocking while the head is
// a suspended write. Returns nil once the queue is stopped and empty.
func (q *Queue) dequeue() Request {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for {
		if len(q.pending) > 0 {
			head := q.pending[0]
			if !head.IsWriteOp() || !q.writesSuspended {
				q.pending = q.pending[1:]
				if head.IsWriteOp() {
					q.queuedWrites--
					q.inProgressWrites++
				}
				return head
			}
		} else if q.stopped {
			return nil
		}

		q.cond.Wait()
	}
}

func (q *Queue) worker() {
	defer q.workers.Done()

	for {
		r := q.dequeue()
		if r == nil {
			return
		}

		r.Send()

		if r.IsWriteOp() {
			q.mutex.Lock()
			q.inProgressWrites--
			q.mutex.Unlock()
			q.cond.Broadcast()
		}
	}
}
