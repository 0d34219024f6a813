package counting

import (
	"github.com/san-kum/traffic-cv/server/tracker"
)

// Counts maps a vehicle class to a number of vehicles. It marshals to JSON
// keyed by class name.
type Counts map[VehicleClass]int

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Add merges other into c.
func (c Counts) Add(other Counts) {
	for k, v := range other {
		c[k] += v
	}
}

func (c Counts) Clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Tally counts the tracks visible in a single frame by class. Only
// confirmed tracks are counted.
func Tally(tracks []tracker.TrackSnapshot, policy UnknownClassPolicy) Counts {
	counts := make(Counts)
	for _, t := range tracks {
		if t.Status != tracker.Confirmed {
			continue
		}
		if class, ok := policy.Classify(t.ClassLabel); ok {
			counts[class]++
		}
	}
	return counts
}

// Counter accumulates the number of distinct vehicles seen on a stream.
// Each confirmed track id is counted once, under the class it carries when
// first counted. Ids that drop out of the output are forgotten; track ids
// are never reissued so a forgotten id cannot be counted twice.
type Counter struct {
	policy  UnknownClassPolicy
	counted map[int]VehicleClass
	totals  Counts
}

func NewCounter(policy UnknownClassPolicy) *Counter {
	return &Counter{
		policy:  policy,
		counted: make(map[int]VehicleClass),
		totals:  make(Counts),
	}
}

// Observe takes one frame's track output and returns the vehicles counted
// for the first time in it.
func (c *Counter) Observe(tracks []tracker.TrackSnapshot) Counts {
	fresh := make(Counts)
	present := make(map[int]struct{}, len(tracks))

	for _, t := range tracks {
		present[t.ID] = struct{}{}
		if t.Status != tracker.Confirmed {
			continue
		}
		if _, ok := c.counted[t.ID]; ok {
			continue
		}
		// an unknown label may still resolve once more votes arrive
		class, ok := c.policy.Classify(t.ClassLabel)
		if !ok {
			continue
		}
		c.counted[t.ID] = class
		c.totals[class]++
		fresh[class]++
	}

	for id := range c.counted {
		if _, ok := present[id]; !ok {
			delete(c.counted, id)
		}
	}
	return fresh
}

// Totals returns the cumulative counts per class.
func (c *Counter) Totals() Counts {
	return c.totals.Clone()
}

// Active returns how many counted vehicles are still being tracked.
func (c *Counter) Active() int {
	return len(c.counted)
}

func (c *Counter) Policy() UnknownClassPolicy {
	return c.policy
}
