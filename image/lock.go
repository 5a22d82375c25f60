// Copyright (C) 2026 wback authors

package image

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Mutex is a plain mutex that can additionally be asserted held. The
// lock hierarchy on the I/O path is checked with assertions because a
// violation is a programming error in the caller, not a runtime
// condition to recover from.
type Mutex struct {
	mutex sync.Mutex
	held  int32
}

func (m *Mutex) Lock() {
	m.mutex.Lock()
	atomic.StoreInt32(&m.held, 1)
}

func (m *Mutex) Unlock() {
	atomic.StoreInt32(&m.held, 0)
	m.mutex.Unlock()
}

// AssertHeld is fatal when the mutex is not locked. Like the locked()
// checks in the callers it guards, it tests that somebody holds the
// lock, not that the calling goroutine does.
func (m *Mutex) AssertHeld() {
	if atomic.LoadInt32(&m.held) == 0 {
		log.Panic().Msg("mutex not held")
	}
}

// RWLock is a reader/writer lock with held-state assertions. Shared
// mode is used by every write/read dispatch, exclusive mode by
// administrative operations that drain in-flight I/O first.
type RWLock struct {
	mutex   sync.RWMutex
	readers int32
	writer  int32
}

func (l *RWLock) RLock() {
	l.mutex.RLock()
	atomic.AddInt32(&l.readers, 1)
}

func (l *RWLock) RUnlock() {
	atomic.AddInt32(&l.readers, -1)
	l.mutex.RUnlock()
}

func (l *RWLock) Lock() {
	l.mutex.Lock()
	atomic.StoreInt32(&l.writer, 1)
}

func (l *RWLock) Unlock() {
	atomic.StoreInt32(&l.writer, 0)
	l.mutex.Unlock()
}

// AssertHeld is fatal when the lock is held in neither mode.
func (l *RWLock) AssertHeld() {
	if atomic.LoadInt32(&l.readers) == 0 && atomic.LoadInt32(&l.writer) == 0 {
		log.Panic().Msg("rwlock not held")
	}
}

// AssertWriteHeld is fatal when the lock is not held exclusively.
func (l *RWLock) AssertWriteHeld() {
	if atomic.LoadInt32(&l.writer) == 0 {
		log.Panic().Msg("rwlock not write held")
	}
}
