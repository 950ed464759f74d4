// Package dimensions implements partially-specified tensor shapes and their
// reconciliation.
//
// A Dimensions value is an ordered list of extents. An extent of 0 means the
// extent on that axis is not yet known; an empty (or nil) Dimensions means even
// the rank is unknown. Shapes flow through the memory layer partially specified
// and get refined as roles are registered and data is written, so reconciling
// two partial shapes into one is the basic operation everything else builds on.
package dimensions

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/nnrt/result"
	"github.com/pkg/errors"
)

// Dimensions is a partially-specified shape: 0 extents are unknown, and an
// empty list means unknown rank.
type Dimensions []int

// UnknownExtent is the in-band marker for an axis whose extent is not known yet.
const UnknownExtent = 0

// Clone returns a copy of d. A nil receiver stays nil.
func (d Dimensions) Clone() Dimensions {
	return slices.Clone(d)
}

// FullySpecified reports whether d has a known rank and no unknown extents.
// Scalars (rank 0) are never fully specified under this definition: an empty
// Dimensions means unknown rank.
func (d Dimensions) FullySpecified() bool {
	if len(d) == 0 {
		return false
	}
	for _, extent := range d {
		if extent == UnknownExtent {
			return false
		}
	}
	return true
}

// NumElements returns the product of the extents, or 0 if d is not fully
// specified.
func (d Dimensions) NumElements() int {
	if !d.FullySpecified() {
		return 0
	}
	n := 1
	for _, extent := range d {
		n *= extent
	}
	return n
}

// String implements fmt.Stringer, e.g. "[2 0 3]"; "[?]" for unknown rank.
func (d Dimensions) String() string {
	if len(d) == 0 {
		return "[?]"
	}
	parts := make([]string, len(d))
	for i, extent := range d {
		if extent == UnknownExtent {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprintf("%d", extent)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (d Dimensions) validate() error {
	for axis, extent := range d {
		if extent < 0 {
			return errors.Wrapf(result.ErrBadData, "negative extent %d on axis %d", extent, axis)
		}
	}
	return nil
}

// Combine reconciles two partially-specified shapes into one, merging axis by
// axis with known extents winning over unknown ones.
//
// It fails if both shapes have known but different ranks, or if any shared axis
// has two different known extents. On failure neither input is modified and the
// returned Dimensions is nil.
//
// Combine is commutative, and associative when folded over any number of
// shapes, so the merge result never depends on the order roles were registered.
func Combine(a, b Dimensions) (Dimensions, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if len(a) == 0 {
		return b.Clone(), nil
	}
	if len(b) == 0 {
		return a.Clone(), nil
	}
	if len(a) != len(b) {
		return nil, errors.Wrapf(result.ErrBadData, "incompatible ranks: %s vs %s", a, b)
	}
	combined := make(Dimensions, len(a))
	for axis := range a {
		switch {
		case a[axis] == UnknownExtent:
			combined[axis] = b[axis]
		case b[axis] == UnknownExtent || a[axis] == b[axis]:
			combined[axis] = a[axis]
		default:
			return nil, errors.Wrapf(result.ErrBadData,
				"conflicting extents on axis %d: %s vs %s", axis, a, b)
		}
	}
	return combined, nil
}

// CombineAll folds Combine over all the given shapes.
func CombineAll(dims ...Dimensions) (Dimensions, error) {
	var combined Dimensions
	for _, d := range dims {
		var err error
		combined, err = Combine(combined, d)
		if err != nil {
			return nil, err
		}
	}
	return combined, nil
}
