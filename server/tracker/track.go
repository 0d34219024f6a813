package tracker

import "fmt"

// TrackStatus is the lifecycle state of a track.
type TrackStatus int

const (
	// Tentative tracks have not yet been seen often enough to be reported.
	Tentative TrackStatus = iota
	// Confirmed tracks are reported downstream every frame.
	Confirmed
	// Deleted tracks are removed from the manager and never come back.
	Deleted
)

func (s TrackStatus) String() string {
	switch s {
	case Tentative:
		return "tentative"
	case Confirmed:
		return "confirmed"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("TrackStatus(%d)", int(s))
	}
}

func (s TrackStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Track is one tracked object. Its filter state is only reachable
// through predict and correct.
type Track struct {
	id              int
	kf              *kalmanFilter
	box             BoundingBox
	hits            int
	hitStreak       int
	timeSinceUpdate int
	age             int
	confidence      float64
	classLabel      string
	classVotes      map[string]int
	status          TrackStatus
}

func newTrack(id int, det Detection) *Track {
	t := &Track{
		id:         id,
		kf:         newKalmanFilter(det.Box),
		box:        det.Box,
		hits:       1,
		hitStreak:  1,
		confidence: det.Confidence,
		classVotes: make(map[string]int),
		status:     Tentative,
	}
	t.vote(det.ClassLabel)
	return t
}

func (t *Track) ID() int { return t.id }
func (t *Track) Box() BoundingBox { return t.box }
func (t *Track) Hits() int { return t.hits }
func (t *Track) TimeSinceUpdate() int { return t.timeSinceUpdate }
func (t *Track) Age() int { return t.age }
func (t *Track) ClassLabel() string { return t.classLabel }
func (t *Track) Status() TrackStatus { return t.status }
func (t *Track) Confidence() float64 { return t.confidence }

// predict advances the track one frame and returns its predicted box.
func (t *Track) predict() BoundingBox {
	// a gap breaks the consecutive hit streak
	if t.timeSinceUpdate > 0 {
		t.hitStreak = 0
	}
	t.box = t.kf.predict()
	t.age++
	t.timeSinceUpdate++
	return t.box
}

// correct applies an associated detection and promotes the track once its
// hit streak reaches minHits.
func (t *Track) correct(det Detection, minHits int) error {
	if err := t.kf.correct(det.Box); err != nil {
		return fmt.Errorf("track %d: %w", t.id, err)
	}

	t.box = t.kf.box()
	t.timeSinceUpdate = 0
	t.hits++
	t.hitStreak++
	t.confidence = det.Confidence
	t.vote(det.ClassLabel)
	t.promote(minHits)
	return nil
}

func (t *Track) promote(minHits int) {
	if t.status == Tentative && t.hitStreak >= minHits {
		t.status = Confirmed
	}
}

// vote records a class observation. The label is the majority vote, with
// the most recent observation winning ties.
func (t *Track) vote(label string) {
	if label == "" {
		return
	}
	t.classVotes[label]++
	if t.classLabel == "" || t.classVotes[label] >= t.classVotes[t.classLabel] {
		t.classLabel = label
	}
}

func (t *Track) snapshot() TrackSnapshot {
	return TrackSnapshot{
		ID:              t.id,
		Box:             t.box,
		ClassLabel:      t.classLabel,
		Confidence:      t.confidence,
		Status:          t.status,
		Hits:            t.hits,
		Age:             t.age,
		TimeSinceUpdate: t.timeSinceUpdate,
	}
}

func (t *Track) clone() *Track {
	c := *t
	c.kf = t.kf.clone()
	c.classVotes = make(map[string]int, len(t.classVotes))
	for k, v := range t.classVotes {
		c.classVotes[k] = v
	}
	return &c
}

// TrackSnapshot is the read-only view of a track emitted each frame.
type TrackSnapshot struct {
	ID              int         `json:"id"`
	Box             BoundingBox `json:"box"`
	ClassLabel      string      `json:"class_label"`
	Confidence      float64     `json:"confidence"`
	Status          TrackStatus `json:"status"`
	Hits            int         `json:"hits"`
	Age             int         `json:"age"`
	TimeSinceUpdate int         `json:"time_since_update"`
}
