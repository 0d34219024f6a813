package models

import (
	"time"

	"github.com/san-kum/traffic-cv/server/counting"
	"github.com/san-kum/traffic-cv/server/tracker"
)

// FrameRequest carries one frame's detections for a stream.
type FrameRequest struct {
	FrameIndex int                 `json:"frame_index"`
	Timestamp  int64               `json:"timestamp"`
	Detections []tracker.Detection `json:"detections"`
}

// ImageFrameRequest carries an encoded image to be run through the detector
// before tracking. ImageData is a base64 data URL or bare base64.
type ImageFrameRequest struct {
	FrameIndex int    `json:"frame_index"`
	Timestamp  int64  `json:"timestamp"`
	ImageData  string `json:"image_data" binding:"required"`
}

// FrameResult is the outcome of advancing a stream by one frame.
type FrameResult struct {
	StreamID       string                  `json:"stream_id"`
	FrameIndex     int                     `json:"frame_index"`
	Timestamp      int64                   `json:"timestamp"`
	Tracks         []tracker.TrackSnapshot `json:"tracks"`
	Counts         counting.Counts         `json:"counts"`
	NewVehicles    counting.Counts         `json:"new_vehicles"`
	Stats          tracker.FrameStats      `json:"stats"`
	Degraded       bool                    `json:"degraded,omitempty"`
	ProcessingTime float64                 `json:"processing_time_ms"`
}

// CountsResponse reports a stream's counts.
type CountsResponse struct {
	StreamID string          `json:"stream_id"`
	Current  counting.Counts `json:"current"`
	Totals   counting.Counts `json:"totals"`
	Total    int             `json:"total"`
	Frames   int             `json:"frames"`
}

type ForecastRequest struct {
	Periods int    `json:"periods"`
	Class   string `json:"class"`
}

// ForecastPoint is one predicted value of the count series.
type ForecastPoint struct {
	Timestamp time.Time `json:"ds"`
	Value     float64   `json:"yhat"`
	Lower     float64   `json:"yhat_lower"`
	Upper     float64   `json:"yhat_upper"`
}

type ForecastResponse struct {
	StreamID string           `json:"stream_id"`
	Class    string           `json:"class,omitempty"`
	History  []counting.Point `json:"history"`
	Forecast []ForecastPoint  `json:"forecast"`
}

// BatchRequest submits an ordered run of frames to be tracked in the
// background.
type BatchRequest struct {
	Frames []FrameRequest `json:"frames" binding:"required"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)
