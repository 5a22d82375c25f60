// Copyright (C) 2026 wback authors

package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockwb/wback/striper"
)

func TestObjectNameRoundTrip(t *testing.T) {
	c := &Context{ObjectPrefix: "wback_data.abc123"}

	oid := c.ObjectName(42)
	assert.Equal(t, "wback_data.abc123.000000000000002a", oid)
	assert.Equal(t, uint64(42), c.ObjectNumber(oid))
}

func TestObjectNumberMalformedIsFatal(t *testing.T) {
	c := &Context{ObjectPrefix: "wback_data.abc123"}

	assert.Panics(t, func() { c.ObjectNumber("other_image.0000000000000001") })
	assert.Panics(t, func() { c.ObjectNumber("wback_data.abc123.zzzz") })
}

func TestParentOverlap(t *testing.T) {
	c := &Context{}

	c.ParentLock.Lock()
	c.SetParentOverlap(NoSnap, 1<<20)
	c.ParentLock.Unlock()

	c.ParentLock.RLock()
	defer c.ParentLock.RUnlock()

	overlap, ok := c.ParentOverlap(NoSnap)
	require.True(t, ok)
	assert.Equal(t, uint64(1<<20), overlap)

	_, ok = c.ParentOverlap(7)
	assert.False(t, ok, "snapshot without parent")
}

func TestPruneParentExtents(t *testing.T) {
	c := &Context{}

	extents := []striper.Extent{
		{Offset: 0, Length: 100},   // fully inside
		{Offset: 150, Length: 100}, // straddles the overlap boundary
		{Offset: 300, Length: 100}, // fully beyond
	}

	total := c.PruneParentExtents(extents, 200)
	assert.Equal(t, uint64(150), total)
	assert.Equal(t, uint64(50), extents[1].Length)
	assert.Equal(t, uint64(0), extents[2].Length)
}

func TestPruneParentExtentsNoOverlap(t *testing.T) {
	c := &Context{}

	extents := []striper.Extent{{Offset: 500, Length: 100}}
	assert.Equal(t, uint64(0), c.PruneParentExtents(extents, 200))
}

func TestGetReadFlags(t *testing.T) {
	c := &Context{BalanceSnapReads: true}

	assert.Equal(t, 0, c.GetReadFlags(NoSnap), "head reads take no placement flags")
	assert.Equal(t, ReadFlagBalanceReads, c.GetReadFlags(3))

	c = &Context{LocalizeSnapReads: true}
	assert.Equal(t, ReadFlagLocalizeReads, c.GetReadFlags(3))

	c = &Context{}
	assert.Equal(t, 0, c.GetReadFlags(3))
}

func TestLockAssertions(t *testing.T) {
	var m Mutex
	assert.Panics(t, func() { m.AssertHeld() })
	m.Lock()
	assert.NotPanics(t, func() { m.AssertHeld() })
	m.Unlock()

	var l RWLock
	assert.Panics(t, func() { l.AssertHeld() })
	l.RLock()
	assert.NotPanics(t, func() { l.AssertHeld() })
	assert.Panics(t, func() { l.AssertWriteHeld() })
	l.RUnlock()

	l.Lock()
	assert.NotPanics(t, func() { l.AssertWriteHeld() })
	l.Unlock()
}
