// Copyright (C) 2026 wback authors

// Package mem is an in-memory store backend. Useful for measuring the
// coordination layer without network I/O and as the backend for tests.
package mem

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/blockwb/wback/image"
)

// Mem keeps every object as a byte slice in a map. Snapshot contexts
// are accepted and ignored; the backend stores the head revision only.
type Mem struct {
	mutex   sync.Mutex
	objects map[string][]byte
}

func New() *Mem {
	return &Mem{
		objects: make(map[string][]byte),
	}
}

func (m *Mem) Write(oid string, off uint64, data []byte, snapc image.SnapContext) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	object := m.objects[oid]
	if need := off + uint64(len(data)); uint64(len(object)) < need {
		grown := make([]byte, need)
		copy(grown, object)
		object = grown
	}
	copy(object[off:], data)
	m.objects[oid] = object

	return len(data), nil
}

func (m *Mem) ReadAt(oid string, dst []byte, off uint64, flags int) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	object, ok := m.objects[oid]
	if !ok {
		return 0, errors.Wrapf(unix.ENOENT, "object %s", oid)
	}
	if off >= uint64(len(object)) {
		return 0, nil
	}

	return copy(dst, object[off:]), nil
}

// Exists reports whether the object is present. Only used by tests and
// benchmarks inspecting backend state.
func (m *Mem) Exists(oid string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	_, ok := m.objects[oid]
	return ok
}
