// Copyright (C) 2026 wback authors

// Package objectmap tracks which backing objects of an image are known
// to exist. The read path uses it to skip store round trips for
// objects that were never written; the tracker degrades to "unknown"
// whenever it cannot keep that knowledge current, never to an error.
package objectmap

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blockwb/wback/dispatch"
)

// State is the per-object existence knowledge.
type State uint8

const (
	// The object may exist; a read must consult the store.
	StateUnknown State = iota

	// The object is known to exist.
	StateExists

	// The object is known not to exist; reads can short-circuit.
	StateNonexistent
)

// FlagInvalid marks the map for one snapshot as stale. While set,
// every existence query degrades to StateUnknown until the map is
// re-derived.
const FlagInvalid uint32 = 1 << 0

// FlagWriter persists per-snapshot map flags. The completion is
// invoked exactly once with the persistence result.
type FlagWriter interface {
	WriteFlags(snapID uint64, flags uint32, onComplete dispatch.Completion)
}

// ObjectMap is the existence tracker of one image. It answers
// existence queries in O(1) and supports asynchronous invalidation per
// snapshot.
type ObjectMap struct {
	writer   FlagWriter
	finisher *dispatch.Finisher

	mutex  sync.Mutex
	states []State
	flags  map[uint64]uint32
}

// New returns a tracker sized for numObjects backing objects. All
// objects start out unknown. The writer persists flag changes; the
// finisher delivers invalidate-request completions.
func New(numObjects uint64, writer FlagWriter, finisher *dispatch.Finisher) *ObjectMap {
	return &ObjectMap{
		writer:   writer,
		finisher: finisher,
		states:   make([]State, numObjects),
		flags:    make(map[uint64]uint32),
	}
}

// MayExist reports whether a read of the given object could return
// data. Only a valid map with a recorded nonexistent state permits the
// read path to skip the store.
func (m *ObjectMap) MayExist(objectNo uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.flags[headSnapID]&FlagInvalid != 0 {
		return true
	}
	if objectNo >= uint64(len(m.states)) {
		return true
	}

	return m.states[objectNo] != StateNonexistent
}

// Set records the existence state of one object, typically from the
// outcome of an underlying I/O. Out-of-range object numbers are a
// programming error.
func (m *ObjectMap) Set(objectNo uint64, s State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if objectNo >= uint64(len(m.states)) {
		log.Panic().Uint64("object_no", objectNo).Msg("object number beyond map")
	}
	m.states[objectNo] = s
}

// Flags returns the current flags of the given snapshot.
func (m *ObjectMap) Flags(snapID uint64) uint32 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.flags[snapID]
}

// headSnapID keys the head (writable) revision of the image in the
// flag table. It mirrors image.NoSnap, which cannot be imported here
// without a package cycle.
const headSnapID = ^uint64(0)
