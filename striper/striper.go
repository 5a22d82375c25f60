// Copyright (C) 2026 wback authors

// Package striper maps between the image's logical address space and
// the object-relative address space of the backing store. An image is
// split into stripe units which are distributed round-robin over the
// stripe-count objects of each object set.
package striper

import (
	"github.com/rs/zerolog/log"
)

// Layout describes how an image is striped over backing objects. A
// zero StripeUnit defaults to ObjectSize and a zero StripeCount
// defaults to 1, which is the common non-fancy-striping layout where
// every object holds one contiguous image range.
type Layout struct {
	// Size of one backing object in bytes.
	ObjectSize uint64

	// Size of one stripe unit in bytes. Must divide ObjectSize.
	StripeUnit uint64

	// Number of objects a stripe is spread over.
	StripeCount uint64
}

// Extent is a contiguous byte range in the image's logical address
// space.
type Extent struct {
	Offset uint64
	Length uint64
}

// ExtentToFile translates the object-relative range [off, off+length)
// of object objectNo into the equivalent logical image extents, in
// ascending object-offset order. Adjacent logical ranges are merged.
// The translation is deterministic and pure.
func ExtentToFile(l Layout, objectNo, off, length uint64) []Extent {
	su := l.StripeUnit
	if su == 0 {
		su = l.ObjectSize
	}
	sc := l.StripeCount
	if sc == 0 {
		sc = 1
	}
	if l.ObjectSize == 0 || su > l.ObjectSize || l.ObjectSize%su != 0 {
		log.Panic().
			Uint64("object_size", l.ObjectSize).
			Uint64("stripe_unit", su).
			Msg("invalid stripe layout")
	}
	if off+length > l.ObjectSize {
		log.Panic().
			Uint64("off", off).
			Uint64("length", length).
			Msg("extent beyond object bounds")
	}

	// Stripe units per object.
	spo := l.ObjectSize / su
	objectSet := objectNo / sc
	stripePos := objectNo % sc

	extents := make([]Extent, 0, length/su+1)
	for length > 0 {
		rem := off % su
		n := su - rem
		if n > length {
			n = length
		}

		stripeNo := objectSet*spo + off/su
		logical := (stripeNo*sc+stripePos)*su + rem

		if last := len(extents) - 1; last >= 0 &&
			extents[last].Offset+extents[last].Length == logical {
			extents[last].Length += n
		} else {
			extents = append(extents, Extent{Offset: logical, Length: n})
		}

		off += n
		length -= n
	}

	return extents
}
