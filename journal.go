// Copyright (C) 2026 wback authors

package wback

import (
	"github.com/rs/zerolog/log"

	"github.com/blockwb/wback/dispatch"
	"github.com/blockwb/wback/image"
	"github.com/blockwb/wback/striper"
)

// writeJournalCommit gates one write behind the durability of its
// journal transaction. It is handed to Journal.FlushEvent and receives
// two completions over its lifetime: first the durability result, then
// (if the write was sent) the store write result. Either way the
// journal's extent bookkeeping is committed with the final result so
// the journal's replay position stays self-consistent.
type writeJournalCommit struct {
	wb       *WriteHandler
	oid      string
	objectNo uint64
	off      uint64
	data     []byte
	snapc    image.SnapContext

	// Downstream completion, owned exclusively until forwarded.
	reqComp dispatch.Completion

	journalTID  uint64
	requestSent bool
}

func newWriteJournalCommit(wb *WriteHandler, oid string, objectNo, off uint64,
	data []byte, snapc image.SnapContext, reqComp dispatch.Completion,
	journalTID uint64) *writeJournalCommit {

	log.Debug().Str("oid", oid).Uint64("journal_tid", journalTID).
		Msg("delaying write until journal tid safe")

	return &writeJournalCommit{
		wb:         wb,
		oid:        oid,
		objectNo:   objectNo,
		off:        off,
		data:       data,
		snapc:      snapc,
		reqComp:    reqComp,
		journalTID: journalTID,
	}
}

// Complete drives the gate. The first call carries the journal
// durability result: on success the underlying write is sent, on
// failure the write is skipped and the failure is committed and
// forwarded. The second call carries the store write result and always
// commits and forwards.
func (c *writeJournalCommit) Complete(r int) {
	if c.requestSent || r < 0 {
		c.commitIOEventExtents(r)
		c.reqComp.Complete(r)
	} else {
		c.sendRequest()
	}
}

// commitIOEventExtents translates the write's physical range into the
// journal-addressable logical extents and commits each one, in
// translation order, with the final result code.
func (c *writeJournalCommit) commitIOEventExtents(r int) {
	ictx := c.wb.ictx

	log.Debug().Str("oid", c.oid).Uint64("journal_tid", c.journalTID).Int("result", r).
		Msg("write committed: updating journal commit position")

	// All I/O operations are flushed prior to closing the journal.
	if ictx.Journal == nil {
		log.Panic().Str("oid", c.oid).Msg("journal closed with writes in flight")
	}

	extents := striper.ExtentToFile(ictx.Layout, c.objectNo, c.off, uint64(len(c.data)))
	for _, e := range extents {
		ictx.Journal.CommitIOEventExtent(c.journalTID, e.Offset, e.Length, r)
	}
}

// sendRequest issues the gated write now that the journal transaction
// is durable. Dispatch requires shared image ownership and requires
// this client to be the exclusive-lock owner.
func (c *writeJournalCommit) sendRequest() {
	ictx := c.wb.ictx

	log.Debug().Str("oid", c.oid).Uint64("journal_tid", c.journalTID).
		Msg("journal committed: sending write request")

	ictx.OwnerLock.RLock()
	defer ictx.OwnerLock.RUnlock()
	if !ictx.Watcher.IsLockOwner() {
		log.Panic().Str("oid", c.oid).Msg("journaled write without lock ownership")
	}

	c.requestSent = true
	c.wb.store.SendWrite(c.oid, c.objectNo, c.off, c.data, c.snapc, c)
}
