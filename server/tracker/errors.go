package tracker

import "errors"

var (
	// ErrMalformedDetection marks a detection dropped before association.
	ErrMalformedDetection = errors.New("malformed detection")

	// ErrAssignmentFailed is returned when the assignment solver cannot
	// produce a matching for a frame. The frame is discarded.
	ErrAssignmentFailed = errors.New("assignment solver failure")

	// ErrSingularInnovation is returned by the filter when the innovation
	// covariance cannot be factorized.
	ErrSingularInnovation = errors.New("innovation covariance is not positive definite")

	ErrInvalidConfig = errors.New("invalid tracker config")
)
