// Copyright (C) 2026 wback authors

// Package dispatch contains the completion primitives used on the I/O
// path. A Completion is the single-shot callback every asynchronous
// operation in this module terminates in. The Finisher is a one worker
// queue which executes completions away from the call stack that
// detected them, so a completion never runs with the detecting lock
// held and never recurses into the layer that queued it.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Completion receives the final result of an asynchronous operation.
// Result codes are signed: non-negative means success (usually a byte
// count), negative is an errno value. Complete must be called exactly
// once per operation.
type Completion interface {
	Complete(r int)
}

// CompletionFunc adapts a plain function to the Completion interface.
type CompletionFunc func(r int)

func (f CompletionFunc) Complete(r int) {
	f(r)
}

// Once wraps a Completion and enforces the fire-exactly-once contract
// in the type itself. A second Complete is a programming error and is
// fatal.
type Once struct {
	fired uint32
	inner Completion
}

func NewOnce(c Completion) *Once {
	return &Once{inner: c}
}

func (o *Once) Complete(r int) {
	if !atomic.CompareAndSwapUint32(&o.fired, 0, 1) {
		log.Panic().Int("result", r).Msg("completion fired twice")
	}

	c := o.inner
	o.inner = nil
	c.Complete(r)
}

// Queued completion waiting for the finisher worker.
type queued struct {
	c Completion
	r int
}

// Finisher executes queued completions on a single dedicated worker
// goroutine, in queue order. It is used wherever a completion must be
// delivered without holding the lock that was held at the point of
// detection.
type Finisher struct {
	name string

	mutex   sync.Mutex
	cond    *sync.Cond
	pending []queued
	stopped bool

	exited chan struct{}
}

// Returns a started finisher. The name is only used in log output.
func NewFinisher(name string) *Finisher {
	f := &Finisher{
		name:   name,
		exited: make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mutex)

	go f.worker()

	return f
}

// Queue schedules c to be completed with result r by the finisher
// worker. It never runs c on the caller's stack.
func (f *Finisher) Queue(c Completion, r int) {
	f.mutex.Lock()
	if f.stopped {
		f.mutex.Unlock()
		log.Panic().Str("finisher", f.name).Msg("queue on stopped finisher")
	}
	f.pending = append(f.pending, queued{c, r})
	f.mutex.Unlock()

	f.cond.Signal()
}

// Stop drains all queued completions and shuts the worker down. It
// returns once the worker has exited.
func (f *Finisher) Stop() {
	f.mutex.Lock()
	f.stopped = true
	f.mutex.Unlock()

	f.cond.Broadcast()
	<-f.exited
}

// Worker pops completions one at a time and executes them without
// holding the queue mutex.
func (f *Finisher) worker() {
	defer close(f.exited)

	for {
		f.mutex.Lock()
		for len(f.pending) == 0 && !f.stopped {
			f.cond.Wait()
		}
		if len(f.pending) == 0 && f.stopped {
			f.mutex.Unlock()
			return
		}
		q := f.pending[0]
		f.pending = f.pending[1:]
		f.mutex.Unlock()

		q.c.Complete(q.r)
	}
}
