package processor

import (
	"sync"
	"time"

	"github.com/san-kum/traffic-cv/server/models"
)

// BatchJob tracks one queued run of frames.
type BatchJob struct {
	ID       string
	StreamID string

	mu        sync.Mutex
	status    models.JobStatus
	total     int
	processed int
	created   time.Time
	started   time.Time
	finished  time.Time
	err       string
}

// JobInfo is a point-in-time view of a BatchJob.
type JobInfo struct {
	ID         string           `json:"id"`
	StreamID   string           `json:"stream_id"`
	Status     models.JobStatus `json:"status"`
	Total      int              `json:"total_frames"`
	Processed  int              `json:"processed_frames"`
	Progress   float64          `json:"progress"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func newBatchJob(id, streamID string, total int, now time.Time) *BatchJob {
	return &BatchJob{
		ID:       id,
		StreamID: streamID,
		status:   models.JobQueued,
		total:    total,
		created:  now,
	}
}

func (j *BatchJob) start(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = models.JobRunning
	j.started = now
}

func (j *BatchJob) progress(processed int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.processed = processed
}

func (j *BatchJob) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.finished = time.Now()
	if err != nil {
		j.status = models.JobFailed
		j.err = err.Error()
		return
	}
	j.status = models.JobCompleted
}

func (j *BatchJob) finishedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.finished.IsZero() && j.finished.Before(t)
}

func (j *BatchJob) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	info := JobInfo{
		ID:        j.ID,
		StreamID:  j.StreamID,
		Status:    j.status,
		Total:     j.total,
		Processed: j.processed,
		CreatedAt: j.created,
		Error:     j.err,
	}
	if j.total > 0 {
		info.Progress = float64(j.processed) / float64(j.total) * 100
	}
	if !j.started.IsZero() {
		t := j.started
		info.StartedAt = &t
	}
	if !j.finished.IsZero() {
		t := j.finished
		info.FinishedAt = &t
	}
	return info
}
