// Copyright (C) 2026 wback authors

// Package store is the boundary to the underlying distributed object
// store. ObjectStore is the asynchronous contract the coordination
// layer dispatches into; Proxy adapts any synchronous Backend to it
// with writer/reader worker pools that prioritize client I/O over
// background requests.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/blockwb/wback/dispatch"
	"github.com/blockwb/wback/image"
)

// ObjectStore issues object reads and writes. Completions are invoked
// exactly once, on an arbitrary goroutine, with a non-negative byte
// count on success or a negative errno on failure.
type ObjectStore interface {
	// SendWrite writes data at off into the named object under the
	// given snapshot context.
	SendWrite(oid string, objectNo, off uint64, data []byte, snapc image.SnapContext,
		onComplete dispatch.Completion)

	// SendRead fills dst from off of the named object. flags carry
	// the read placement hints of image.GetReadFlags.
	SendRead(oid string, off uint64, flags int, dst []byte,
		onComplete dispatch.Completion)
}

// Backend is the synchronous interface an actual store protocol has to
// provide. Errors should wrap a unix.Errno so they can be translated
// into the completion result code; anything else maps to EIO.
type Backend interface {
	// Writes data at off into the object named oid, creating it if
	// needed. Returns the number of bytes written.
	Write(oid string, off uint64, data []byte, snapc image.SnapContext) (int, error)

	// Reads len(dst) bytes starting at off from the object named
	// oid. Returns the number of bytes read.
	ReadAt(oid string, dst []byte, off uint64, flags int) (int, error)
}

// Format string for the per-snapshot object map flag objects persisted
// through WriteFlags.
const flagObjectFmt = "wback_object_map.%016x"

// Proxy turns a Backend into an ObjectStore. Requests coming in on the
// priority channels are handled first, so background traffic such as
// object map flag persistence never slows down client I/O.
type Proxy struct {
	Instance Backend

	// Number of goroutines serving write and read requests.
	writers int
	readers int

	// Internal channels.
	writes     chan request
	reads      chan request
	writesPrio chan request
	readsPrio  chan request
}

// Request is the internal structure wrapping one backend call into the
// channel communication.
type request struct {
	oid        string
	off        uint64
	data       []byte
	dst        []byte
	snapc      image.SnapContext
	flags      int
	onComplete dispatch.Completion
}

// New returns a proxy which can be used directly. It immediately
// spawns the writer and reader worker goroutines.
func New(backend Backend, writers, readers int) *Proxy {
	p := &Proxy{
		Instance:   backend,
		writers:    writers,
		readers:    readers,
		writes:     make(chan request),
		reads:      make(chan request),
		writesPrio: make(chan request),
		readsPrio:  make(chan request),
	}

	for i := 0; i < p.writers; i++ {
		go p.writeWorker()
	}

	for i := 0; i < p.readers; i++ {
		go p.readWorker()
	}

	return p
}

// SendWrite hands the write to a writer worker via the priority
// channel and returns immediately.
func (p *Proxy) SendWrite(oid string, objectNo, off uint64, data []byte,
	snapc image.SnapContext, onComplete dispatch.Completion) {

	r := request{
		oid:        oid,
		off:        off,
		data:       data,
		snapc:      snapc,
		onComplete: dispatch.NewOnce(onComplete),
	}
	go func() { p.writesPrio <- r }()
}

// SendRead hands the read to a reader worker via the priority channel
// and returns immediately.
func (p *Proxy) SendRead(oid string, off uint64, flags int, dst []byte,
	onComplete dispatch.Completion) {

	r := request{
		oid:        oid,
		off:        off,
		dst:        dst,
		flags:      flags,
		onComplete: dispatch.NewOnce(onComplete),
	}
	go func() { p.readsPrio <- r }()
}

// WriteFlags persists the object map flags of one snapshot as a small
// flag object, on the low priority write path. It implements
// objectmap.FlagWriter.
func (p *Proxy) WriteFlags(snapID uint64, flags uint32, onComplete dispatch.Completion) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, flags)

	r := request{
		oid:        fmt.Sprintf(flagObjectFmt, snapID),
		data:       data,
		onComplete: dispatch.NewOnce(onComplete),
	}
	go func() { p.writes <- r }()
}

// Generic prioritization used by both worker kinds: drain the priority
// channel before picking up normal requests.
func (p *Proxy) receiveRequest(prio, normal chan request) request {
	var r request

	select {
	case r = <-prio:
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		}
	}

	return r
}

func (p *Proxy) writeWorker() {
	for {
		r := p.receiveRequest(p.writesPrio, p.writes)
		n, err := p.Instance.Write(r.oid, r.off, r.data, r.snapc)
		r.onComplete.Complete(resultCode(n, err))
	}
}

func (p *Proxy) readWorker() {
	for {
		r := p.receiveRequest(p.readsPrio, p.reads)
		n, err := p.Instance.ReadAt(r.oid, r.dst, r.off, r.flags)
		r.onComplete.Complete(resultCode(n, err))
	}
}

// resultCode folds a backend call result into the signed result code
// convention of the completion path.
func resultCode(n int, err error) int {
	if err == nil {
		return n
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	return -int(unix.EIO)
}
