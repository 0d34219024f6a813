package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Config holds the tracker parameters. Max ages are the number of
// consecutive unmatched frames a track survives; TentativeGrace is the age
// in frames a track may stay tentative before it is dropped.
type Config struct {
	IoUThreshold    float64 `json:"iou_threshold"`
	MinHits         int     `json:"min_hits"`
	MaxAgeTentative int     `json:"max_age_tentative"`
	MaxAgeConfirmed int     `json:"max_age_confirmed"`
	TentativeGrace  int     `json:"tentative_grace"`
	MinConfidence   float64 `json:"min_confidence"`
	EmitTentative   bool    `json:"emit_tentative"`
}

func DefaultConfig() Config {
	return Config{
		IoUThreshold:    DefaultIoUThreshold,
		MinHits:         3,
		MaxAgeTentative: 1,
		MaxAgeConfirmed: 30,
		TentativeGrace:  5,
		MinConfidence:   0.25,
	}
}

func (c Config) Validate() error {
	var problems []string

	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		problems = append(problems, "iou threshold must be within (0,1]")
	}
	if c.MinHits < 1 {
		problems = append(problems, "min hits must be at least 1")
	}
	if c.MaxAgeTentative < 0 || c.MaxAgeConfirmed < 0 {
		problems = append(problems, "max age must not be negative")
	}
	if c.TentativeGrace < 0 {
		problems = append(problems, "tentative grace must not be negative")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		problems = append(problems, "min confidence must be within [0,1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, ", "))
	}
	return nil
}

func (c Config) maxAge(s TrackStatus) int {
	if s == Confirmed {
		return c.MaxAgeConfirmed
	}
	return c.MaxAgeTentative
}

// FrameStats describes what happened to the track set in one frame.
type FrameStats struct {
	Frame     int `json:"frame"`
	Received  int `json:"received"`
	Skipped   int `json:"skipped"`
	Filtered  int `json:"filtered"`
	Matched   int `json:"matched"`
	Created   int `json:"created"`
	Deleted   int `json:"deleted"`
	Live      int `json:"live"`
	Confirmed int `json:"confirmed"`
}

// Manager owns the live tracks of one video stream. Advance must be called
// once per frame, in frame order; a Manager is not safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	tracks map[int]*Track
	nextID int
	frame  int

	last      []TrackSnapshot
	lastStats FrameStats

	associate AssociateFunc
}

// AssociateFunc matches predicted boxes to detection boxes for one frame.
type AssociateFunc func(tracks, detections []BoundingBox, threshold float64) (Assignment, error)

// SetAssociator replaces the matcher used by Advance. A nil fn restores
// Associate.
func (m *Manager) SetAssociator(fn AssociateFunc) {
	if fn == nil {
		fn = Associate
	}
	m.associate = fn
}

func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		cfg:       cfg,
		logger:    logger,
		tracks:    make(map[int]*Track),
		nextID:    1,
		associate: Associate,
	}, nil
}

// Advance consumes one frame of detections and returns the tracks to
// report for it, ordered by id.
//
// If the assignment solver fails, the track set is left exactly as it was
// before the call and the previous frame's tracks are returned along with
// an error wrapping ErrAssignmentFailed.
func (m *Manager) Advance(detections []Detection) ([]TrackSnapshot, error) {
	m.frame++
	stats := FrameStats{Frame: m.frame, Received: len(detections)}

	dets := m.sanitize(detections, &stats)

	backup := m.cloneTracks()
	nextID := m.nextID

	ids := m.sortedIDs()
	live := make([]*Track, 0, len(ids))
	predicted := make([]BoundingBox, 0, len(ids))
	for _, id := range ids {
		t := m.tracks[id]
		box := t.predict()
		if !box.Finite() || !t.kf.finite() {
			m.logger.Warn("Dropping track with non-finite prediction",
				zap.Int("track_id", id),
				zap.Int("frame", m.frame))
			delete(m.tracks, id)
			stats.Deleted++
			continue
		}
		live = append(live, t)
		predicted = append(predicted, box)
	}

	boxes := make([]BoundingBox, len(dets))
	for i, d := range dets {
		boxes[i] = d.Box
	}

	assignment, err := m.associate(predicted, boxes, m.cfg.IoUThreshold)
	if err != nil {
		m.tracks = backup
		m.nextID = nextID
		// nothing changed this frame
		m.lastStats = FrameStats{
			Frame:     m.frame,
			Received:  stats.Received,
			Skipped:   stats.Skipped,
			Filtered:  stats.Filtered,
			Live:      len(m.tracks),
			Confirmed: m.countConfirmed(),
		}
		m.logger.Error("Association failed, keeping previous track set",
			zap.Int("frame", m.frame),
			zap.Int("tracks", len(predicted)),
			zap.Int("detections", len(boxes)),
			zap.Error(err))
		return m.Tracks(), fmt.Errorf("frame %d: %w", m.frame, err)
	}

	for _, match := range assignment.Matches {
		t := live[match.Track]
		if err := t.correct(dets[match.Detection], m.cfg.MinHits); err != nil {
			// the detection is consumed; the track keeps its prediction
			m.logger.Warn("Skipping track correction",
				zap.Int("track_id", t.id),
				zap.Int("frame", m.frame),
				zap.Error(err))
			continue
		}
		stats.Matched++
	}

	for _, di := range assignment.UnmatchedDetections {
		t := newTrack(m.nextID, dets[di])
		t.promote(m.cfg.MinHits)
		m.tracks[t.id] = t
		m.nextID++
		stats.Created++
	}

	stats.Deleted += m.prune()

	out := m.emit()
	stats.Live = len(m.tracks)
	stats.Confirmed = m.countConfirmed()

	m.last = out
	m.lastStats = stats

	m.logger.Debug("Frame advanced",
		zap.Int("frame", stats.Frame),
		zap.Int("detections", stats.Received),
		zap.Int("matched", stats.Matched),
		zap.Int("created", stats.Created),
		zap.Int("deleted", stats.Deleted),
		zap.Int("live", stats.Live))

	return m.Tracks(), nil
}

func (m *Manager) countConfirmed() int {
	n := 0
	for _, t := range m.tracks {
		if t.status == Confirmed {
			n++
		}
	}
	return n
}

// sanitize drops malformed and low-confidence detections.
func (m *Manager) sanitize(detections []Detection, stats *FrameStats) []Detection {
	dets := make([]Detection, 0, len(detections))
	for i, d := range detections {
		if err := d.Validate(); err != nil {
			stats.Skipped++
			m.logger.Warn("Skipping malformed detection",
				zap.Int("frame", m.frame),
				zap.Int("index", i),
				zap.String("class_label", d.ClassLabel),
				zap.Error(err))
			continue
		}
		if d.Confidence < m.cfg.MinConfidence {
			stats.Filtered++
			continue
		}
		dets = append(dets, d)
	}
	return dets
}

// prune removes tracks that went unmatched for too long or stayed
// tentative past the grace period. It returns the number removed.
func (m *Manager) prune() int {
	removed := 0
	for id, t := range m.tracks {
		expired := t.timeSinceUpdate > m.cfg.maxAge(t.status)
		stale := t.status == Tentative && t.age > m.cfg.TentativeGrace
		if !expired && !stale {
			continue
		}

		t.status = Deleted
		delete(m.tracks, id)
		removed++

		m.logger.Debug("Track deleted",
			zap.Int("track_id", id),
			zap.Int("frame", m.frame),
			zap.Int("hits", t.hits),
			zap.Int("age", t.age),
			zap.Bool("expired", expired))
	}
	return removed
}

func (m *Manager) emit() []TrackSnapshot {
	out := make([]TrackSnapshot, 0, len(m.tracks))
	for _, id := range m.sortedIDs() {
		t := m.tracks[id]
		if t.status == Confirmed || (m.cfg.EmitTentative && t.status == Tentative) {
			out = append(out, t.snapshot())
		}
	}
	return out
}

func (m *Manager) sortedIDs() []int {
	ids := make([]int, 0, len(m.tracks))
	for id := range m.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *Manager) cloneTracks() map[int]*Track {
	c := make(map[int]*Track, len(m.tracks))
	for id, t := range m.tracks {
		c[id] = t.clone()
	}
	return c
}

// Tracks returns a copy of the most recently emitted tracks.
func (m *Manager) Tracks() []TrackSnapshot {
	out := make([]TrackSnapshot, len(m.last))
	copy(out, m.last)
	return out
}

// Live returns every track currently held, tentative ones included.
func (m *Manager) Live() []TrackSnapshot {
	out := make([]TrackSnapshot, 0, len(m.tracks))
	for _, id := range m.sortedIDs() {
		out = append(out, m.tracks[id].snapshot())
	}
	return out
}

func (m *Manager) Frame() int {
	return m.frame
}

func (m *Manager) LastStats() FrameStats {
	return m.lastStats
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Reset drops every track. Ids keep increasing so a reset never reissues
// an id seen before.
func (m *Manager) Reset() {
	m.tracks = make(map[int]*Track)
	m.last = nil
	m.lastStats = FrameStats{Frame: m.frame}
}

// IsAssignmentFailure reports whether err came from a rolled back frame.
func IsAssignmentFailure(err error) bool {
	return errors.Is(err, ErrAssignmentFailed)
}
