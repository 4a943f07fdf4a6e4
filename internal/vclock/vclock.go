// Package vclock implements vector clocks used to track causality between
// updates to replicated metadata entities.
package vclock

import (
	"encoding/json"
	"fmt"
)

// Clock is a mapping from node identifier to a monotonically increasing
// counter. The zero value is a valid, empty clock.
type Clock map[string]uint64

// New returns a new empty Clock.
func New() Clock {
	return make(Clock)
}

// Increment returns a copy of c with nodeID's counter one larger than it was.
// It never mutates c.
func (c Clock) Increment(nodeID string) Clock {
	next := c.Copy()
	next[nodeID] = next[nodeID] + 1
	return next
}

// Get returns the counter for nodeID, or 0 if nodeID has never touched c.
func (c Clock) Get(nodeID string) uint64 {
	return c[nodeID]
}

// Copy returns a deep copy of c.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns the pointwise maximum of a and b. Neither argument is mutated.
func Merge(a, b Clock) Clock {
	out := a.Copy()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Relationship describes how two vector clocks relate under the
// happened-before partial order.
type Relationship int

const (
	// Equal means the clocks are identical.
	Equal Relationship = iota
	// Before means a happened-before b.
	Before
	// After means a happened-after b (the inverse of Before).
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

func (r Relationship) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// dominates reports whether every entry of a is <= the corresponding entry
// of b, and returns whether at least one entry is strictly less.
func dominates(a, b Clock) (lessEqual bool, strict bool) {
	lessEqual = true
	for k, av := range a {
		bv := b[k]
		if av > bv {
			return false, false
		}
		if av < bv {
			strict = true
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			strict = true
		}
	}
	return lessEqual, strict
}

// Compare returns the causal relationship of a to b: a Before b, a After b,
// Equal, or Concurrent. This is a strict partial order — it never reports
// Equal for clocks that differ in any entry.
func Compare(a, b Clock) Relationship {
	aLeB, aStrict := dominates(a, b)
	bLeA, bStrict := dominates(b, a)

	switch {
	case aLeB && bLeA && !aStrict && !bStrict:
		return Equal
	case aLeB && aStrict && !bStrict:
		return Before
	case bLeA && bStrict && !aStrict:
		return After
	default:
		return Concurrent
	}
}

// HappenedBefore reports whether a strictly happened before b.
func HappenedBefore(a, b Clock) bool {
	return Compare(a, b) == Before
}

// ConcurrentWith reports whether a and b are causally concurrent.
func ConcurrentWith(a, b Clock) bool {
	return Compare(a, b) == Concurrent
}

// SameAs reports whether a and b carry identical entries.
func SameAs(a, b Clock) bool {
	return Compare(a, b) == Equal
}

// String renders the clock as compact JSON, sorted by Go's map iteration is
// not guaranteed, but json.Marshal of a map[string]uint64 sorts keys.
func (c Clock) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("vclock<%d entries, marshal error>", len(c))
	}
	return string(data)
}

// NodeIdentity composes a stable host identifier with a per-process-start
// session epoch, so a restarted node can never reuse an old vector-clock
// slot (spec requirement, §4.1). The epoch is normally the process start
// time in Unix nanoseconds.
func NodeIdentity(hostID string, epoch int64) string {
	return fmt.Sprintf("%s#%d", hostID, epoch)
}
