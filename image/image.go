// Copyright (C) 2026 wback authors

// Package image holds the per-image context shared by the write-back
// coordination layer: the lock hierarchy, the stripe layout, snapshot
// and parent-image metadata and the collaborator interfaces the I/O
// path dispatches into (journal, object map, lock watcher).
package image

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/blockwb/wback/dispatch"
	"github.com/blockwb/wback/objectmap"
	"github.com/blockwb/wback/striper"
)

// NoSnap identifies the writable head of the image, as opposed to one
// of its snapshots.
const NoSnap = ^uint64(0)

// Read flags understood by the underlying store.
const (
	// Spread snapshot reads over all replicas.
	ReadFlagBalanceReads = 1 << iota

	// Prefer the topologically closest replica for snapshot reads.
	ReadFlagLocalizeReads
)

// SnapContext is the snapshot context attached to every write: the
// most recent snapshot id and the ids of all snapshots the written
// object must preserve, newest first.
type SnapContext struct {
	Seq   uint64
	Snaps []uint64
}

// Journal is the write-ahead journal subsystem of an image. FlushEvent
// invokes onSafe once the given transaction is durable, or with a
// negative code when it cannot be made durable. CommitIOEventExtent is
// the per-logical-extent bookkeeping call; it is idempotent per
// extent.
type Journal interface {
	FlushEvent(tid uint64, onSafe dispatch.Completion)
	CommitIOEventExtent(tid uint64, offset, length uint64, r int)
}

// Watcher answers whether this client currently owns the image's
// exclusive management lock. Journal-protected writes may only be
// dispatched by the lock owner.
type Watcher interface {
	IsLockOwner() bool
}

// Context is the shared state of one open image. The embedded locks
// are always acquired in the order {OwnerLock, coordination lock} and
// {SnapLock, ParentLock}; never the reverse.
type Context struct {
	// Image name, for log output only.
	Name string

	// Prefix of all backing object names. Object objectNo of the
	// image is stored under "<prefix>.<objectNo as 16 hex digits>".
	ObjectPrefix string

	// Stripe layout of the image.
	Layout striper.Layout

	// Coarse ownership lock. Shared mode is held by all dispatching
	// I/O, exclusive mode by administrative operations.
	OwnerLock RWLock

	// Guards the snapshot table and SnapID.
	SnapLock RWLock

	// Guards the parent overlap table. Nested inside SnapLock.
	ParentLock RWLock

	// Snapshot the image is opened at, NoSnap for the head.
	SnapID uint64

	// Journal subsystem, nil when the image has no journal. All I/O
	// is flushed before the journal is closed, so the I/O path may
	// assume it stays non-nil for the lifetime of an in-flight write.
	Journal Journal

	// Object existence tracker, nil when the feature is disabled.
	ObjectMap *objectmap.ObjectMap

	// Exclusive-lock watcher, consulted before sending journaled
	// writes.
	Watcher Watcher

	// Snapshot read placement policy.
	BalanceSnapReads  bool
	LocalizeSnapReads bool

	// Parent image overlap in bytes, per snapshot id (NoSnap for the
	// head). Guarded by ParentLock.
	overlaps map[uint64]uint64
}

// SetParentOverlap records that the first overlap bytes of the image,
// at snapshot snapID, are still backed by the parent image. The caller
// must hold ParentLock exclusively.
func (c *Context) SetParentOverlap(snapID, overlap uint64) {
	c.ParentLock.AssertWriteHeld()

	if c.overlaps == nil {
		c.overlaps = make(map[uint64]uint64)
	}
	c.overlaps[snapID] = overlap
}

// ParentOverlap returns the parent overlap for the given snapshot id.
// The second result is false when the image has no parent at that
// snapshot. The caller must hold ParentLock.
func (c *Context) ParentOverlap(snapID uint64) (uint64, bool) {
	c.ParentLock.AssertHeld()

	overlap, ok := c.overlaps[snapID]
	return overlap, ok
}

// PruneParentExtents clips the given logical extents to the parent
// overlap [0, overlap) and returns the number of bytes left. Extents
// fully beyond the overlap contribute nothing.
func (c *Context) PruneParentExtents(extents []striper.Extent, overlap uint64) uint64 {
	var total uint64
	for i := range extents {
		e := &extents[i]
		if e.Offset >= overlap {
			e.Length = 0
			continue
		}
		if e.Offset+e.Length > overlap {
			e.Length = overlap - e.Offset
		}
		total += e.Length
	}

	return total
}

// GetReadFlags translates the snapshot id of a read into the store
// read flags. Placement tuning only applies to snapshot reads; head
// reads must go to the authoritative replica.
func (c *Context) GetReadFlags(snapID uint64) int {
	if snapID == NoSnap {
		return 0
	}
	if c.BalanceSnapReads {
		return ReadFlagBalanceReads
	}
	if c.LocalizeSnapReads {
		return ReadFlagLocalizeReads
	}

	return 0
}

// ObjectName returns the backing object name for object number
// objectNo.
func (c *Context) ObjectName(objectNo uint64) string {
	return fmt.Sprintf("%s.%016x", c.ObjectPrefix, objectNo)
}

// ObjectNumber parses the object number out of a backing object name.
// A name that does not belong to this image is a programming error.
func (c *Context) ObjectNumber(oid string) uint64 {
	suffix := strings.TrimPrefix(oid, c.ObjectPrefix+".")
	no, err := strconv.ParseUint(suffix, 16, 64)
	if err != nil || suffix == oid {
		log.Panic().Str("oid", oid).Str("prefix", c.ObjectPrefix).
			Msg("malformed object name")
	}

	return no
}
