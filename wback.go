// Copyright (C) 2026 wback authors

// Package wback is the write-back coordination layer of a networked
// block-storage client. It sits between a block device's logical I/O
// interface and the underlying distributed object store and preserves
// per-object write ordering, gates journal-protected writes behind
// write-ahead durability, short-circuits reads of objects known not to
// exist and supplies the copy-on-write decision for writes over a
// parent image.
//
// wback defines two interfaces at its lower boundary. One for the
// object store (store.ObjectStore, with an S3 implementation behind
// the store proxy) and one for the journal subsystem (image.Journal).
// Both parts can be changed trivially just by implementing the
// corresponding interface.
package wback

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/blockwb/wback/config"
	"github.com/blockwb/wback/dispatch"
	"github.com/blockwb/wback/image"
	"github.com/blockwb/wback/store"
	"github.com/blockwb/wback/store/s3"
	"github.com/blockwb/wback/striper"
	"github.com/blockwb/wback/tid"
)

// WriteHandler coordinates the write-back traffic of one image. It
// owns the per-object queues of in-flight writes and releases their
// completions to callers in submission order, no matter in which order
// the underlying I/Os finish.
type WriteHandler struct {
	ictx  *image.Context
	store store.ObjectStore

	// Single worker queue executing completions away from the stack
	// that detected them.
	finisher *dispatch.Finisher

	// Coordination lock shared with the owning cache layer. Guards
	// the writes map and is held around every released completion.
	lock *image.Mutex

	// In-flight writes per backing object name, in submission order.
	writes map[string][]*writeResult
}

// writeResult is one logical write still awaiting ordered completion.
type writeResult struct {
	oid      string
	onCommit dispatch.Completion
	done     bool
	ret      int
}

// NewWithDefaults returns a write handler backed by an S3 store proxy
// built from the global configuration.
func NewWithDefaults(ictx *image.Context, lock *image.Mutex) (*WriteHandler, error) {
	backend, err := s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})

	if err != nil {
		return nil, err
	}

	proxy := store.New(backend, config.Cfg.Store.Writers, config.Cfg.Store.Readers)

	return New(ictx, proxy, lock), nil
}

// New returns a write handler dispatching into the provided store. The
// coordination lock is owned by the caller and shared with whatever
// cache layer sits above.
func New(ictx *image.Context, st store.ObjectStore, lock *image.Mutex) *WriteHandler {
	return &WriteHandler{
		ictx:     ictx,
		store:    st,
		finisher: dispatch.NewFinisher("wback"),
		lock:     lock,
		writes:   make(map[string][]*writeResult),
	}
}

// Stop drains the completion dispatcher. In-flight store and journal
// operations must have completed before calling it.
func (w *WriteHandler) Stop() {
	w.finisher.Stop()
}

// orderedWrite is the completion every underlying write terminates in.
// It marks its result done under the coordination lock and lets the
// handler release whatever prefix of the per-object queue is finished.
type orderedWrite struct {
	wb     *WriteHandler
	result *writeResult
}

func (c *orderedWrite) Complete(r int) {
	log.Debug().Str("oid", c.result.oid).Int("result", r).Msg("ordered write completing")

	c.wb.lock.Lock()
	if c.result.done {
		log.Panic().Str("oid", c.result.oid).Msg("write completed twice")
	}
	c.result.done = true
	c.result.ret = r
	c.wb.completeWrites(c.result.oid)
	c.wb.lock.Unlock()
}

// readRequest wraps the caller's completion so that it runs with the
// caller's expected locking context even though the underlying I/O
// completed on an arbitrary goroutine: owner lock shared, then the
// coordination lock.
type readRequest struct {
	onFinish  dispatch.Completion
	ownerLock *image.RWLock
	lock      *image.Mutex
}

func (c *readRequest) Complete(r int) {
	c.ownerLock.RLock()
	c.lock.Lock()
	c.onFinish.Complete(r)
	c.lock.Unlock()
	c.ownerLock.RUnlock()
}

// Read fills dst from the given offset of the backing object. When the
// object map knows the object cannot exist the read completes with
// -ENOENT through the finisher without touching the store; otherwise
// it is dispatched and errors from the store propagate verbatim.
func (w *WriteHandler) Read(oid string, objectNo, off uint64, dst []byte,
	snapID uint64, opFlags int, onFinish dispatch.Completion) {

	// On completion, retake the locks and then call onFinish.
	req := &readRequest{
		onFinish:  onFinish,
		ownerLock: &w.ictx.OwnerLock,
		lock:      w.lock,
	}

	if om := w.ictx.ObjectMap; om != nil && !om.MayExist(objectNo) {
		log.Debug().Str("oid", oid).Msg("read of nonexistent object short-circuited")
		w.finisher.Queue(req, -int(unix.ENOENT))
		return
	}

	flags := w.ictx.GetReadFlags(snapID) | opFlags
	w.store.SendRead(oid, off, flags, dst, dispatch.NewOnce(req))
}

// MayCopyOnWrite reports whether a write to the given backing object
// may require copying the object up from the parent image first.
// Copy-up granularity is the whole object, so the decision reverse
// maps the object's entire extent, not just the accessed range.
func (w *WriteHandler) MayCopyOnWrite(oid string, readOff, readLen, snapID uint64) bool {
	ictx := w.ictx

	ictx.SnapLock.RLock()
	snap := ictx.SnapID
	ictx.ParentLock.RLock()
	overlap, _ := ictx.ParentOverlap(snap)
	ictx.ParentLock.RUnlock()
	ictx.SnapLock.RUnlock()

	objectNo := ictx.ObjectNumber(oid)

	// Reverse map this object's full extent onto the image and clip
	// it against the parent overlap.
	objectExtents := striper.ExtentToFile(ictx.Layout, objectNo, 0, ictx.Layout.ObjectSize)
	objectOverlap := ictx.PruneParentExtents(objectExtents, overlap)
	may := objectOverlap > 0

	log.Debug().Str("oid", oid).Uint64("off", readOff).Uint64("len", readLen).
		Bool("may", may).Msg("may_copy_on_write")

	return may
}

// Write submits one logical write and returns its transaction id. The
// write is appended to the per-object queue, then either routed
// through the journal gate (journalTID non-zero) or sent to the store
// directly. onCommit fires asynchronously, under the coordination
// lock, and only after every earlier write to the same object has
// fired its own completion.
func (w *WriteHandler) Write(oid string, off uint64, data []byte, snapc image.SnapContext,
	journalTID uint64, onCommit dispatch.Completion) uint64 {

	w.ictx.OwnerLock.AssertHeld()
	w.lock.AssertHeld()

	objectNo := w.ictx.ObjectNumber(oid)

	result := &writeResult{oid: oid, onCommit: onCommit}
	w.writes[oid] = append(w.writes[oid], result)
	log.Debug().Str("oid", oid).Uint64("journal_tid", journalTID).Msg("write queued")

	reqComp := &orderedWrite{wb: w, result: result}

	// All I/O operations are flushed prior to closing the journal.
	if journalTID != 0 && w.ictx.Journal == nil {
		log.Panic().Str("oid", oid).Msg("journaled write without journal")
	}
	if journalTID != 0 {
		w.ictx.Journal.FlushEvent(journalTID,
			newWriteJournalCommit(w, oid, objectNo, off, data, snapc, reqComp, journalTID))
	} else {
		w.store.SendWrite(oid, objectNo, off, data, snapc, reqComp)
	}

	return tid.Next()
}

// OverwriteExtent commits the journal bookkeeping for a pending write
// whose logical extents were superseded by a later overwrite before it
// was ever sent.
func (w *WriteHandler) OverwriteExtent(oid string, off, length uint64, journalTID uint64) {
	w.ictx.OwnerLock.AssertHeld()

	// All I/O operations are flushed prior to closing the journal.
	if journalTID == 0 || w.ictx.Journal == nil {
		log.Panic().Str("oid", oid).Msg("overwrite extent without journal")
	}

	objectNo := w.ictx.ObjectNumber(oid)
	for _, e := range striper.ExtentToFile(w.ictx.Layout, objectNo, off, length) {
		w.ictx.Journal.CommitIOEventExtent(journalTID, e.Offset, e.Length, 0)
	}
}

// completeWrites releases the finished prefix of the per-object queue.
// It pops every leading entry whose underlying I/O is done, stops at
// the first one still in flight, erases the queue when it empties and
// only then fires the popped completions, in pop order, still under
// the coordination lock.
func (w *WriteHandler) completeWrites(oid string) {
	w.lock.AssertHeld()

	queue := w.writes[oid]
	log.Debug().Str("oid", oid).Int("queued", len(queue)).Msg("complete_writes")

	var finished []*writeResult
	for len(queue) > 0 {
		result := queue[0]
		if !result.done {
			break
		}
		finished = append(finished, result)
		queue = queue[1:]
	}

	if len(queue) == 0 {
		delete(w.writes, oid)
	} else {
		w.writes[oid] = queue
	}

	for _, result := range finished {
		log.Debug().Str("oid", result.oid).Int("result", result.ret).
			Msg("complete_writes completing")
		result.onCommit.Complete(result.ret)
	}
}
