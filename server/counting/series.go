package counting

import (
	"time"
)

// Point is one sample of the count series fed to the forecaster.
type Point struct {
	Timestamp time.Time `json:"ds"`
	Count     int       `json:"y"`
}

// Bucket holds the vehicles first counted within one interval.
type Bucket struct {
	Start  time.Time `json:"start"`
	Counts Counts    `json:"counts"`
}

// Series is a rolling window of fixed-width count buckets.
type Series struct {
	interval time.Duration
	capacity int
	buckets  []Bucket
}

// NewSeries keeps the buckets of the last capacity intervals. A zero
// capacity keeps every bucket.
func NewSeries(interval time.Duration, capacity int) *Series {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Series{interval: interval, capacity: capacity}
}

func (s *Series) Interval() time.Duration {
	return s.interval
}

// Record adds counts to the bucket containing ts. When ts opens a new
// bucket the previous open bucket is returned as closed. Samples that fall
// outside the retained window are dropped.
func (s *Series) Record(ts time.Time, counts Counts) (closed *Bucket) {
	start := ts.UTC().Truncate(s.interval)

	if n := len(s.buckets); n > 0 {
		last := &s.buckets[n-1]
		switch {
		case start.Equal(last.Start):
			last.Counts.Add(counts)
			return nil
		case start.Before(last.Start):
			if start.Before(s.cutoff(last.Start)) {
				return nil
			}
			for i := n - 2; i >= 0; i-- {
				if s.buckets[i].Start.Equal(start) {
					s.buckets[i].Counts.Add(counts)
					break
				}
			}
			return nil
		}
		done := Bucket{Start: last.Start, Counts: last.Counts.Clone()}
		closed = &done
	}

	b := Bucket{Start: start, Counts: make(Counts)}
	b.Counts.Add(counts)
	s.buckets = append(s.buckets, b)

	s.trim()
	return closed
}

// cutoff is the start of the oldest interval kept when newest is the open
// bucket.
func (s *Series) cutoff(newest time.Time) time.Time {
	if s.capacity <= 0 {
		return time.Time{}
	}
	return newest.Add(-time.Duration(s.capacity-1) * s.interval)
}

// trim drops buckets outside the window, so the zero-filled series never
// spans more than capacity intervals.
func (s *Series) trim() {
	if s.capacity <= 0 || len(s.buckets) == 0 {
		return
	}
	cutoff := s.cutoff(s.buckets[len(s.buckets)-1].Start)
	drop := 0
	for drop < len(s.buckets) && s.buckets[drop].Start.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.buckets = append([]Bucket(nil), s.buckets[drop:]...)
	}
}

// Open returns the bucket currently being filled, if any.
func (s *Series) Open() (Bucket, bool) {
	if len(s.buckets) == 0 {
		return Bucket{}, false
	}
	b := s.buckets[len(s.buckets)-1]
	return Bucket{Start: b.Start, Counts: b.Counts.Clone()}, true
}

// Buckets returns a copy of the retained buckets, oldest first.
func (s *Series) Buckets() []Bucket {
	out := make([]Bucket, len(s.buckets))
	for i, b := range s.buckets {
		out[i] = Bucket{Start: b.Start, Counts: b.Counts.Clone()}
	}
	return out
}

// Points returns the total count per bucket. Empty intervals between
// retained buckets are filled with zero so the series is evenly spaced.
func (s *Series) Points() []Point {
	return s.points(func(c Counts) int { return c.Total() })
}

// PointsFor is Points restricted to a single class.
func (s *Series) PointsFor(class VehicleClass) []Point {
	return s.points(func(c Counts) int { return c[class] })
}

func (s *Series) points(value func(Counts) int) []Point {
	if len(s.buckets) == 0 {
		return nil
	}

	sparse := make([]Point, len(s.buckets))
	for i, b := range s.buckets {
		sparse[i] = Point{Timestamp: b.Start, Count: value(b.Counts)}
	}
	return FillGaps(sparse, s.interval, s.capacity)
}

// FillGaps returns points, ordered by time, with a zero point for every
// empty interval between them. With a positive limit only the last limit
// intervals are returned, however far apart the input points are.
func FillGaps(points []Point, interval time.Duration, limit int) []Point {
	if len(points) == 0 || interval <= 0 {
		return points
	}

	first := points[0].Timestamp
	last := points[len(points)-1].Timestamp
	if limit > 0 {
		if oldest := last.Add(-time.Duration(limit-1) * interval); first.Before(oldest) {
			first = oldest
		}
	}

	out := make([]Point, 0, int(last.Sub(first)/interval)+1)
	next := first
	for _, p := range points {
		if p.Timestamp.Before(first) {
			continue
		}
		for next.Before(p.Timestamp) {
			out = append(out, Point{Timestamp: next})
			next = next.Add(interval)
		}
		out = append(out, p)
		next = p.Timestamp.Add(interval)
	}
	return out
}
