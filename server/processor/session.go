package processor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/traffic-cv/server/counting"
	"github.com/san-kum/traffic-cv/server/models"
	"github.com/san-kum/traffic-cv/server/tracker"
)

// Session is the tracking state of one video stream. Frames of a session
// are applied one at a time, in frame index order.
type Session struct {
	ID string

	mu        sync.Mutex
	manager   *tracker.Manager
	counter   *counting.Counter
	series    *counting.Series
	policy    counting.UnknownClassPolicy
	maxSkew   time.Duration
	hasFrame  bool
	closed    bool
	lastIndex int
	lastTime  time.Time
	frames    int
	degraded  int
	started   time.Time
	lastSeen  time.Time
	last      *models.FrameResult
}

func newSession(id string, cfg *ProcessorConfig, logger *zap.Logger, now time.Time) (*Session, error) {
	manager, err := tracker.NewManager(cfg.Tracker, logger.With(zap.String("stream_id", id)))
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:       id,
		manager:  manager,
		counter:  counting.NewCounter(cfg.UnknownClassPolicy),
		series:   counting.NewSeries(cfg.BucketInterval, cfg.SeriesCapacity),
		policy:   cfg.UnknownClassPolicy,
		maxSkew:  cfg.MaxTimestampSkew,
		started:  now,
		lastSeen: now,
	}, nil
}

// advance applies one frame. A frame index of zero or less means "the next
// frame". The returned bucket is non-nil when the frame closed a count
// bucket.
//
// Frame timestamps never move backwards: an earlier one is clamped to the
// previous frame's. A timestamp more than maxSkew ahead of now is rejected.
func (s *Session) advance(frame models.FrameRequest, now time.Time) (*models.FrameResult, *counting.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, fmt.Errorf("%w: %s was closed", ErrStreamNotFound, s.ID)
	}

	index := frame.FrameIndex
	if index <= 0 {
		index = s.lastIndex + 1
	}
	if s.hasFrame && index <= s.lastIndex {
		return nil, nil, fmt.Errorf("%w: frame %d after frame %d", ErrOutOfOrderFrame, index, s.lastIndex)
	}

	ts := now
	if frame.Timestamp > 0 {
		ts = time.UnixMilli(frame.Timestamp)
		if s.maxSkew > 0 && ts.After(now.Add(s.maxSkew)) {
			return nil, nil, fmt.Errorf("%w: timestamp %s is ahead of the server clock", ErrInvalidRequest, ts.UTC().Format(time.RFC3339))
		}
	}
	if s.hasFrame && ts.Before(s.lastTime) {
		ts = s.lastTime
	}

	tracks, err := s.manager.Advance(frame.Detections)
	degraded := false
	if err != nil {
		if !tracker.IsAssignmentFailure(err) {
			return nil, nil, err
		}
		// the previous frame's tracks are reported again
		degraded = true
		s.degraded++
	}

	fresh := s.counter.Observe(tracks)
	closed := s.series.Record(ts, fresh)

	s.hasFrame = true
	s.lastIndex = index
	s.lastTime = ts
	s.frames++
	s.lastSeen = now

	result := &models.FrameResult{
		StreamID:    s.ID,
		FrameIndex:  index,
		Timestamp:   ts.UnixMilli(),
		Tracks:      tracks,
		Counts:      counting.Tally(tracks, s.policy),
		NewVehicles: fresh,
		Stats:       s.manager.LastStats(),
		Degraded:    degraded,
	}
	s.last = result

	return result, closed, nil
}

func (s *Session) tracks() []tracker.TrackSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Tracks()
}

func (s *Session) counts() models.CountsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := s.counter.Totals()
	current := make(counting.Counts)
	if s.last != nil {
		current = s.last.Counts.Clone()
	}
	return models.CountsResponse{
		StreamID: s.ID,
		Current:  current,
		Totals:   totals,
		Total:    totals.Total(),
		Frames:   s.frames,
	}
}

func (s *Session) points(class string) ([]counting.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if class == "" {
		return s.series.Points(), nil
	}
	var vc counting.VehicleClass
	if err := vc.UnmarshalText([]byte(class)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.series.PointsFor(vc), nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// SessionInfo is a point-in-time description of a live session.
type SessionInfo struct {
	StreamID   string    `json:"stream_id"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen"`
	Frames     int       `json:"frames"`
	Degraded   int       `json:"degraded_frames"`
	LastFrame  int       `json:"last_frame_index"`
	LiveTracks int       `json:"live_tracks"`
	Vehicles   int       `json:"vehicles"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		StreamID:   s.ID,
		StartedAt:  s.started,
		LastSeen:   s.lastSeen,
		Frames:     s.frames,
		Degraded:   s.degraded,
		LastFrame:  s.lastIndex,
		LiveTracks: len(s.manager.Live()),
		Vehicles:   s.counter.Totals().Total(),
	}
}

// close marks the session finished. Frames that arrive afterwards are
// refused, and the open bucket it returns is final.
func (s *Session) close() (counting.Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.series.Open()
}

// reset drops every live track. Counts and the frame index are kept, and
// track ids continue from where they were.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manager.Reset()
	s.last = nil
}
