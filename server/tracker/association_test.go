package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// strip returns a box spanning [x0, x1] horizontally and [0, 10] vertically.
func strip(x0, x1 float64) BoundingBox {
	return NewBoundingBox(x0, 0, x1, 10)
}

func TestAssociateEmptyInputs(t *testing.T) {
	boxes := []BoundingBox{strip(0, 10), strip(20, 30)}

	a, err := Associate(nil, boxes, DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Empty(t, a.Matches)
	assert.Empty(t, a.UnmatchedTracks)
	assert.Equal(t, []int{0, 1}, a.UnmatchedDetections)

	a, err = Associate(boxes, nil, DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Empty(t, a.Matches)
	assert.Equal(t, []int{0, 1}, a.UnmatchedTracks)
	assert.Empty(t, a.UnmatchedDetections)

	a, err = Associate(nil, nil, DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Equal(t, Assignment{}, a)
}

func TestAssociateUniqueBestAssignment(t *testing.T) {
	tracks := []BoundingBox{strip(0, 10), strip(100, 110)}
	// detections listed in the opposite order
	detections := []BoundingBox{strip(101, 111), strip(1, 11)}

	a, err := Associate(tracks, detections, DefaultIoUThreshold)
	require.NoError(t, err)

	want := []Match{
		{Track: 0, Detection: 1, IoU: 9.0 / 11.0},
		{Track: 1, Detection: 0, IoU: 9.0 / 11.0},
	}
	if diff := cmp.Diff(want, a.Matches); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, a.UnmatchedTracks)
	assert.Empty(t, a.UnmatchedDetections)
}

func TestAssociateRejectsLowOverlap(t *testing.T) {
	tracks := []BoundingBox{strip(0, 10)}
	// IoU = 2/18
	detections := []BoundingBox{strip(8, 18)}

	a, err := Associate(tracks, detections, DefaultIoUThreshold)
	require.NoError(t, err)
	assert.Empty(t, a.Matches)
	assert.Equal(t, []int{0}, a.UnmatchedTracks)
	assert.Equal(t, []int{0}, a.UnmatchedDetections)

	a, err = Associate(tracks, detections, 0.1)
	require.NoError(t, err)
	require.Len(t, a.Matches, 1)
	assert.InDelta(t, 2.0/18.0, a.Matches[0].IoU, 1e-12)
}

func TestAssociateNeverMatchesDisjointBoxes(t *testing.T) {
	tracks := []BoundingBox{strip(0, 10)}
	detections := []BoundingBox{strip(100, 110)}

	a, err := Associate(tracks, detections, 0)
	require.NoError(t, err)
	assert.Empty(t, a.Matches)
	assert.Equal(t, []int{0}, a.UnmatchedTracks)
	assert.Equal(t, []int{0}, a.UnmatchedDetections)
}

func TestAssociateMaximisesTotalOverlap(t *testing.T) {
	// Greedily taking the single best pair (t0, d0) would leave t1 with d1
	// below threshold. The optimal matching crosses over instead.
	tracks := []BoundingBox{strip(0, 10), strip(5, 15)}
	detections := []BoundingBox{strip(1, 11), strip(-2, 8)}

	a, err := Associate(tracks, detections, DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, a.Matches, 2)
	assert.Equal(t, 1, a.Matches[0].Detection)
	assert.Equal(t, 0, a.Matches[1].Detection)
	assert.InDelta(t, 8.0/12.0, a.Matches[0].IoU, 1e-12)
	assert.InDelta(t, 6.0/14.0, a.Matches[1].IoU, 1e-12)
}

func TestAssociateMoreDetectionsThanTracks(t *testing.T) {
	tracks := []BoundingBox{strip(50, 60)}
	detections := []BoundingBox{strip(0, 10), strip(51, 61), strip(200, 210)}

	a, err := Associate(tracks, detections, DefaultIoUThreshold)
	require.NoError(t, err)
	require.Len(t, a.Matches, 1)
	assert.Equal(t, 1, a.Matches[0].Detection)
	assert.Equal(t, []int{0, 2}, a.UnmatchedDetections)
	assert.Empty(t, a.UnmatchedTracks)
}

func TestIoUMatrix(t *testing.T) {
	assert.Nil(t, IoUMatrix(nil, []BoundingBox{strip(0, 1)}))

	m := IoUMatrix([]BoundingBox{strip(0, 10)}, []BoundingBox{strip(0, 10), strip(20, 30)})
	require.NotNil(t, m)
	r, c := m.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 1.0, m.At(0, 0))
	assert.Equal(t, 0.0, m.At(0, 1))
}
