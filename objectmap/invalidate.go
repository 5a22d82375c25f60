// Copyright (C) 2026 wback authors

package objectmap

import (
	"github.com/rs/zerolog/log"

	"github.com/blockwb/wback/dispatch"
)

// Invalidation is an explicit asynchronous state machine rather than a
// direct call because it must be ordered against the other in-flight
// asynchronous operations on the same image.
type requestState int

const (
	stateCreated requestState = iota
	stateSent
	stateCompleted
)

// InvalidateRequest marks the object map of one snapshot stale and
// persists that fact. The caller-visible result is always success: the
// tracker degrades to "unknown" when invalidation fails, so surfacing
// the failure would fail an otherwise successful higher-level
// operation for nothing.
type InvalidateRequest struct {
	m        *ObjectMap
	snapID   uint64
	force    bool
	onFinish dispatch.Completion

	state requestState

	// Final result policy. Invalidation unconditionally filters to
	// success; kept as a field so the policy stays visible and
	// testable rather than buried in Complete.
	filter func(r int) int
}

// NewInvalidateRequest prepares an invalidation of the map state for
// snapID. With force set the request proceeds even when the map is
// already marked invalid.
func NewInvalidateRequest(m *ObjectMap, snapID uint64, force bool, onFinish dispatch.Completion) *InvalidateRequest {
	return &InvalidateRequest{
		m:        m,
		snapID:   snapID,
		force:    force,
		onFinish: dispatch.NewOnce(onFinish),
		state:    stateCreated,
		filter:   func(int) int { return 0 },
	}
}

// Send issues the underlying invalidation. When the map is already
// invalid and force is not set there is nothing to do and the request
// completes immediately.
func (r *InvalidateRequest) Send() {
	if r.state != stateCreated {
		log.Panic().Int("state", int(r.state)).Msg("invalidate request sent twice")
	}

	r.m.mutex.Lock()
	flags := r.m.flags[r.snapID]
	if flags&FlagInvalid != 0 && !r.force {
		r.m.mutex.Unlock()

		r.state = stateCompleted
		r.m.finisher.Queue(r.onFinish, 0)
		return
	}

	flags |= FlagInvalid
	r.m.flags[r.snapID] = flags
	r.m.mutex.Unlock()

	log.Warn().Uint64("snap_id", r.snapID).Msg("object map invalidated")

	r.state = stateSent
	r.m.writer.WriteFlags(r.snapID, flags, r)
}

// Complete receives the persistence result and drives the state
// machine to its terminal state. The delivered result is passed
// through the filter policy, so the caller always observes success.
func (r *InvalidateRequest) Complete(rc int) {
	if !r.shouldComplete(rc) {
		return
	}

	if rc < 0 {
		log.Warn().Int("result", rc).Uint64("snap_id", r.snapID).
			Msg("failed to persist object map invalidation")
	}

	r.state = stateCompleted
	r.m.finisher.Queue(r.onFinish, r.filter(rc))
}

// shouldComplete reports whether the asynchronous operation has
// reached its end. Invalidation is a single-step request, so the first
// callback after send is terminal.
func (r *InvalidateRequest) shouldComplete(rc int) bool {
	switch r.state {
	case stateSent:
		return true
	default:
		log.Panic().Int("state", int(r.state)).Int("result", rc).
			Msg("unexpected invalidate request completion")
		return false
	}
}
