package tracker

import "gonum.org/v1/gonum/mat"

// DefaultIoUThreshold is the minimum overlap for a prediction and a
// detection to be considered the same object.
const DefaultIoUThreshold = 0.3

// Match pairs a track index with a detection index.
type Match struct {
	Track     int
	Detection int
	IoU       float64
}

// Assignment is the outcome of associating one frame.
type Assignment struct {
	Matches             []Match
	UnmatchedTracks     []int
	UnmatchedDetections []int
}

// IoUMatrix returns the tracks×detections overlap matrix, or nil when
// either side is empty.
func IoUMatrix(tracks, detections []BoundingBox) *mat.Dense {
	if len(tracks) == 0 || len(detections) == 0 {
		return nil
	}
	ious := mat.NewDense(len(tracks), len(detections), nil)
	for i, t := range tracks {
		for j, d := range detections {
			ious.Set(i, j, IoU(t, d))
		}
	}
	return ious
}

// Associate matches predicted track boxes to detection boxes by maximising
// total IoU, then rejects pairs whose IoU is below threshold. Boxes that do
// not overlap are never matched.
func Associate(tracks, detections []BoundingBox, threshold float64) (Assignment, error) {
	var a Assignment

	if len(tracks) == 0 || len(detections) == 0 {
		a.UnmatchedTracks = indexRange(len(tracks))
		a.UnmatchedDetections = indexRange(len(detections))
		return a, nil
	}

	ious := IoUMatrix(tracks, detections)

	cost := mat.NewDense(len(tracks), len(detections), nil)
	cost.Apply(func(_, _ int, v float64) float64 { return 1 - v }, ious)

	rows, err := solveAssignment(cost)
	if err != nil {
		return Assignment{}, err
	}

	detMatched := make([]bool, len(detections))
	for ti, di := range rows {
		if di < 0 {
			a.UnmatchedTracks = append(a.UnmatchedTracks, ti)
			continue
		}
		iou := ious.At(ti, di)
		if iou <= 0 || iou < threshold {
			a.UnmatchedTracks = append(a.UnmatchedTracks, ti)
			continue
		}
		detMatched[di] = true
		a.Matches = append(a.Matches, Match{Track: ti, Detection: di, IoU: iou})
	}
	for di, ok := range detMatched {
		if !ok {
			a.UnmatchedDetections = append(a.UnmatchedDetections, di)
		}
	}
	return a, nil
}

func indexRange(n int) []int {
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
