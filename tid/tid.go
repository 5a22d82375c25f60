// Copyright (C) 2026 wback authors

// Package tid provides synchronized access to the write transaction id
// counter. Per-object completion ordering is keyed off submission
// order, so ids must be handed out monotonically.
package tid

import (
	"sync"
)

var (
	tid   uint64
	mutex sync.Mutex
)

// Returns the most recently assigned transaction id. Zero means no
// transaction was assigned yet.
func Current() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	return tid
}

// Returns a freshly assigned transaction id. Ids start at 1; zero is
// reserved to mean "no journal transaction" on the write path.
func Next() uint64 {
	mutex.Lock()
	defer mutex.Unlock()

	tid++

	return tid
}

// Replaces the value of the counter. Only used when a client restores
// its position after reconnecting.
func Replace(newTid uint64) {
	mutex.Lock()
	defer mutex.Unlock()

	tid = newTid
}
