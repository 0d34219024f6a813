package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/traffic-cv/server/cache"
	"github.com/san-kum/traffic-cv/server/counting"
	"github.com/san-kum/traffic-cv/server/ml"
	"github.com/san-kum/traffic-cv/server/models"
	"github.com/san-kum/traffic-cv/server/store"
	"github.com/san-kum/traffic-cv/server/tracker"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrOutOfOrderFrame = errors.New("frame index is not increasing")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrSessionLimit    = errors.New("too many active streams")
	ErrJobNotFound     = errors.New("job not found")
	ErrQueueFull       = errors.New("processing queue full, try again later")
	ErrShuttingDown    = errors.New("processor is shutting down")
	ErrDetection       = errors.New("detection failed")
)

// Detector turns an encoded image into detections.
type Detector interface {
	Detect(ctx context.Context, imageData []byte, timestamp int64) ([]tracker.Detection, error)
}

// Forecaster extends a count series.
type Forecaster interface {
	Forecast(ctx context.Context, series []counting.Point, periods int, interval time.Duration) ([]models.ForecastPoint, error)
}

// CountStore persists closed count buckets and session summaries.
type CountStore interface {
	RecordCounts(ctx context.Context, streamID string, bucketStart time.Time, counts counting.Counts) error
	Series(ctx context.Context, streamID, class string, since time.Time) ([]counting.Point, error)
	RecordSession(ctx context.Context, sum store.SessionSummary) error
	Session(ctx context.Context, streamID string) (store.SessionSummary, error)
	Totals(ctx context.Context, streamID string) (counting.Counts, error)
}

type ProcessorConfig struct {
	Tracker            tracker.Config
	UnknownClassPolicy counting.UnknownClassPolicy
	BucketInterval     time.Duration
	SeriesCapacity     int
	ForecastPeriods    int
	MaxSessions        int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	DeletionBurstWarn  int
	MaxBatchFrames     int
	QueueSize          int
	Workers            int
	ProcessingTimeout  time.Duration
	ResultTTL          time.Duration
	// MaxTimestampSkew bounds how far a frame timestamp may run ahead of
	// the server clock. Zero disables the check.
	MaxTimestampSkew time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Tracker:            tracker.DefaultConfig(),
		UnknownClassPolicy: counting.PolicyIgnore,
		BucketInterval:     time.Minute,
		SeriesCapacity:     1440,
		ForecastPeriods:    10,
		MaxSessions:        64,
		IdleTimeout:        10 * time.Minute,
		ReapInterval:       time.Minute,
		DeletionBurstWarn:  10,
		MaxBatchFrames:     5000,
		QueueSize:          100,
		Workers:            4,
		ProcessingTimeout:  30 * time.Second,
		ResultTTL:          5 * time.Minute,
		MaxTimestampSkew:   5 * time.Minute,
	}
}

// FrameProcessor routes frames to per-stream tracking sessions and keeps
// the counts flowing into the store.
type FrameProcessor struct {
	detector   Detector
	forecaster Forecaster
	store      CountStore
	cache      cache.Cache
	logger     *zap.Logger
	config     *ProcessorConfig
	queue      *ProcessingQueue

	mutex    sync.RWMutex
	sessions map[string]*Session
	jobs     map[string]*BatchJob
	closing  bool

	statsMu sync.Mutex
	stats   ProcessorStats

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	reaper sync.WaitGroup
}

type ProcessorStats struct {
	StartTime       time.Time         `json:"start_time"`
	TotalFrames     int64             `json:"total_frames"`
	FailedFrames    int64             `json:"failed_frames"`
	DegradedFrames  int64             `json:"degraded_frames"`
	TracksCreated   int64             `json:"tracks_created"`
	TracksDeleted   int64             `json:"tracks_deleted"`
	Vehicles        int64             `json:"vehicles_counted"`
	AverageLatency  float64           `json:"average_latency_ms"`
	ActiveSessions  int               `json:"active_sessions"`
	ReapedSessions  int64             `json:"reaped_sessions"`
	Jobs            int               `json:"jobs"`
	Queue           QueueStats        `json:"queue"`
	Cache           *cache.CacheStats `json:"cache,omitempty"`
	ForecastEnabled bool              `json:"forecast_enabled"`
}

// NewFrameProcessor wires the processor. detector, forecaster and counts
// may be nil, which disables image frames, forecasts and persistence.
func NewFrameProcessor(config ProcessorConfig, detector Detector, forecaster Forecaster, counts CountStore, c cache.Cache, logger *zap.Logger) (*FrameProcessor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Tracker.Validate(); err != nil {
		return nil, err
	}
	if config.Workers < 1 || config.QueueSize < 1 {
		return nil, fmt.Errorf("workers and queue size must be positive")
	}
	if config.BucketInterval <= 0 {
		return nil, fmt.Errorf("bucket interval must be positive")
	}
	if config.SeriesCapacity < 1 {
		return nil, fmt.Errorf("series capacity must be positive")
	}
	if c == nil {
		c = cache.NewMemoryCache(1000, config.ResultTTL, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	fp := &FrameProcessor{
		detector:   detector,
		forecaster: forecaster,
		store:      counts,
		cache:      c,
		logger:     logger,
		config:     &config,
		sessions:   make(map[string]*Session),
		jobs:       make(map[string]*BatchJob),
		stats:      ProcessorStats{StartTime: time.Now()},
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	fp.queue = NewProcessingQueue(config.QueueSize, config.Workers, fp.processBatch)

	if config.ReapInterval > 0 && config.IdleTimeout > 0 {
		fp.reaper.Add(1)
		go fp.reapLoop()
	}

	return fp, nil
}

// session returns the live session for streamID, creating it when create
// is set.
func (fp *FrameProcessor) session(streamID string, create bool) (*Session, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	}

	fp.mutex.RLock()
	s, ok := fp.sessions[streamID]
	closing := fp.closing
	fp.mutex.RUnlock()
	if ok {
		return s, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if closing {
		return nil, ErrShuttingDown
	}

	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	if s, ok := fp.sessions[streamID]; ok {
		return s, nil
	}
	if len(fp.sessions) >= fp.config.MaxSessions {
		return nil, fmt.Errorf("%w (limit %d)", ErrSessionLimit, fp.config.MaxSessions)
	}

	s, err := newSession(streamID, fp.config, fp.logger, fp.now())
	if err != nil {
		return nil, err
	}
	fp.sessions[streamID] = s
	fp.logger.Info("Stream session opened", zap.String("stream_id", streamID))
	return s, nil
}

// ProcessDetections advances a stream by one frame of detections.
func (fp *FrameProcessor) ProcessDetections(ctx context.Context, streamID string, frame models.FrameRequest) (*models.FrameResult, error) {
	startTime := time.Now()

	s, err := fp.session(streamID, true)
	if err != nil {
		return nil, err
	}

	advanced, closed, err := s.advance(frame, fp.now())
	if err != nil {
		fp.recordFailure()
		return nil, err
	}
	// the session keeps its own copy
	result := *advanced

	if closed != nil {
		fp.flush(ctx, streamID, *closed)
	}

	result.ProcessingTime = float64(time.Since(startTime).Microseconds()) / 1000
	fp.recordFrame(&result)

	if result.Degraded {
		fp.logger.Warn("Frame degraded, previous tracks reported",
			zap.String("stream_id", streamID),
			zap.Int("frame_index", result.FrameIndex))
	}
	if fp.config.DeletionBurstWarn > 0 && result.Stats.Deleted >= fp.config.DeletionBurstWarn {
		fp.logger.Warn("Many tracks deleted in one frame",
			zap.String("stream_id", streamID),
			zap.Int("frame_index", result.FrameIndex),
			zap.Int("deleted", result.Stats.Deleted),
			zap.Int("live", result.Stats.Live))
	}

	if err := fp.cache.SetWithTTL(ctx, latestKey(streamID), &result, fp.config.ResultTTL); err != nil {
		fp.logger.Warn("Failed to cache frame result", zap.Error(err))
	}
	// the stream may have been closed while this frame was in flight
	if s.isClosed() {
		fp.cache.Delete(ctx, latestKey(streamID))
	}

	return &result, nil
}

// ProcessImage runs an encoded image through the detector and advances the
// stream with the result. A detector failure leaves the stream untouched.
func (fp *FrameProcessor) ProcessImage(ctx context.Context, streamID string, imageData []byte, frameIndex int, timestamp int64) (*models.FrameResult, error) {
	if fp.detector == nil {
		return nil, fmt.Errorf("%w: no detector configured", ErrDetection)
	}
	if len(imageData) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidRequest)
	}

	detectCtx := ctx
	if fp.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, fp.config.ProcessingTimeout)
		defer cancel()
	}

	detections, err := fp.detector.Detect(detectCtx, imageData, timestamp)
	if err != nil {
		fp.recordFailure()
		fp.logger.Error("Detection failed", zap.String("stream_id", streamID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrDetection, err)
	}

	return fp.ProcessDetections(ctx, streamID, models.FrameRequest{
		FrameIndex: frameIndex,
		Timestamp:  timestamp,
		Detections: detections,
	})
}

// Latest returns the most recent frame result of a stream.
func (fp *FrameProcessor) Latest(ctx context.Context, streamID string) (*models.FrameResult, error) {
	if v, err := fp.cache.Get(ctx, latestKey(streamID)); err == nil {
		if result, ok := v.(*models.FrameResult); ok {
			return result, nil
		}
	}

	s, err := fp.session(streamID, false)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, fmt.Errorf("%w: %s has no frames", ErrStreamNotFound, streamID)
	}
	return s.last, nil
}

func (fp *FrameProcessor) Tracks(streamID string) ([]tracker.TrackSnapshot, error) {
	s, err := fp.session(streamID, false)
	if err != nil {
		return nil, err
	}
	return s.tracks(), nil
}

func (fp *FrameProcessor) Counts(streamID string) (models.CountsResponse, error) {
	s, err := fp.session(streamID, false)
	if err != nil {
		return models.CountsResponse{}, err
	}
	return s.counts(), nil
}

// Series returns the count series of a stream, from the live session when
// there is one and from the store otherwise. An empty class sums every
// class.
func (fp *FrameProcessor) Series(ctx context.Context, streamID, class string) ([]counting.Point, error) {
	class, err := canonicalClass(class)
	if err != nil {
		return nil, err
	}

	s, err := fp.session(streamID, false)
	if err == nil {
		return s.points(class)
	}
	if !errors.Is(err, ErrStreamNotFound) || fp.store == nil {
		return nil, err
	}

	points, serr := fp.store.Series(ctx, streamID, class, time.Time{})
	if serr != nil {
		return nil, serr
	}
	if len(points) == 0 {
		return nil, err
	}
	// empty buckets are never stored
	return counting.FillGaps(points, fp.config.BucketInterval, fp.config.SeriesCapacity), nil
}

// Forecast extends a stream's count series with the forecaster.
func (fp *FrameProcessor) Forecast(ctx context.Context, streamID string, req models.ForecastRequest) (*models.ForecastResponse, error) {
	if fp.forecaster == nil {
		return nil, ml.ErrForecastUnavailable
	}

	periods := req.Periods
	if periods == 0 {
		periods = fp.config.ForecastPeriods
	}
	if periods < 1 || (fp.config.SeriesCapacity > 0 && periods > fp.config.SeriesCapacity) {
		return nil, fmt.Errorf("%w: periods must be between 1 and %d", ErrInvalidRequest, fp.config.SeriesCapacity)
	}

	class, err := canonicalClass(req.Class)
	if err != nil {
		return nil, err
	}
	history, err := fp.Series(ctx, streamID, class)
	if err != nil {
		return nil, err
	}
	if len(history) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 buckets of history, have %d", ErrInvalidRequest, len(history))
	}

	forecast, err := fp.forecaster.Forecast(ctx, history, periods, fp.config.BucketInterval)
	if err != nil {
		return nil, err
	}

	return &models.ForecastResponse{
		StreamID: streamID,
		Class:    class,
		History:  history,
		Forecast: forecast,
	}, nil
}

// Reset drops a stream's live tracks, e.g. after a camera cut.
func (fp *FrameProcessor) Reset(ctx context.Context, streamID string) error {
	s, err := fp.session(streamID, false)
	if err != nil {
		return err
	}
	s.reset()
	if err := fp.cache.Delete(ctx, latestKey(streamID)); err != nil {
		fp.logger.Warn("Failed to drop cached result", zap.Error(err))
	}
	fp.logger.Info("Stream reset", zap.String("stream_id", streamID))
	return nil
}

func (fp *FrameProcessor) Sessions() []SessionInfo {
	fp.mutex.RLock()
	sessions := make([]*Session, 0, len(fp.sessions))
	for _, s := range fp.sessions {
		sessions = append(sessions, s)
	}
	fp.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

// CloseStream ends a stream session, flushing its open count bucket and
// recording its summary.
func (fp *FrameProcessor) CloseStream(ctx context.Context, streamID string) (store.SessionSummary, error) {
	if streamID == "" {
		return store.SessionSummary{}, fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	}

	fp.mutex.Lock()
	s, ok := fp.sessions[streamID]
	delete(fp.sessions, streamID)
	fp.mutex.Unlock()
	if !ok {
		return store.SessionSummary{}, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	return fp.closeSession(ctx, s)
}

// StreamHistory is what the store holds for a stream, live or closed.
type StreamHistory struct {
	Session store.SessionSummary `json:"session"`
	Totals  counting.Counts      `json:"totals"`
	Total   int                  `json:"total"`
}

// History reads a stream's recorded session summary and its persisted
// per-class totals. Only streams that were closed at least once have a
// summary.
func (fp *FrameProcessor) History(ctx context.Context, streamID string) (*StreamHistory, error) {
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	}
	if fp.store == nil {
		return nil, fmt.Errorf("%w: no count store configured", ErrStreamNotFound)
	}

	sum, err := fp.store.Session(ctx, streamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no recorded session", ErrStreamNotFound, streamID)
	}
	if err != nil {
		return nil, err
	}

	totals, err := fp.store.Totals(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return &StreamHistory{Session: sum, Totals: totals, Total: totals.Total()}, nil
}

func (fp *FrameProcessor) closeSession(ctx context.Context, s *Session) (store.SessionSummary, error) {
	if b, ok := s.close(); ok {
		fp.flush(ctx, s.ID, b)
	}

	info := s.info()
	closedAt := fp.now()
	summary := store.SessionSummary{
		StreamID:  s.ID,
		StartedAt: info.StartedAt,
		ClosedAt:  &closedAt,
		Frames:    info.Frames,
		Vehicles:  info.Vehicles,
	}

	if _, err := fp.cache.DeletePrefix(ctx, cache.Key("stream", s.ID, "")); err != nil {
		fp.logger.Warn("Failed to drop cached stream entries", zap.Error(err))
	}

	fp.logger.Info("Stream session closed",
		zap.String("stream_id", s.ID),
		zap.Int("frames", info.Frames),
		zap.Int("vehicles", info.Vehicles))

	if fp.store == nil {
		return summary, nil
	}
	if err := fp.store.RecordSession(ctx, summary); err != nil {
		fp.logger.Error("Failed to record session", zap.String("stream_id", s.ID), zap.Error(err))
		return summary, err
	}
	return summary, nil
}

func (fp *FrameProcessor) flush(ctx context.Context, streamID string, b counting.Bucket) {
	if fp.store == nil || b.Counts.Total() == 0 {
		return
	}
	if err := fp.store.RecordCounts(ctx, streamID, b.Start, b.Counts); err != nil {
		fp.logger.Error("Failed to persist count bucket",
			zap.String("stream_id", streamID),
			zap.Time("bucket_start", b.Start),
			zap.Error(err))
	}
}

// CreateBatchJob queues an ordered run of frames for a stream and returns
// the job as queued.
func (fp *FrameProcessor) CreateBatchJob(streamID string, frames []models.FrameRequest) (JobInfo, error) {
	if streamID == "" {
		return JobInfo{}, fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	}
	if len(frames) == 0 {
		return JobInfo{}, fmt.Errorf("%w: batch has no frames", ErrInvalidRequest)
	}
	if fp.config.MaxBatchFrames > 0 && len(frames) > fp.config.MaxBatchFrames {
		return JobInfo{}, fmt.Errorf("%w: batch of %d frames exceeds limit %d", ErrInvalidRequest, len(frames), fp.config.MaxBatchFrames)
	}

	job := newBatchJob(uuid.NewString(), streamID, len(frames), fp.now())

	fp.mutex.Lock()
	fp.jobs[job.ID] = job
	fp.mutex.Unlock()

	item := &QueueItem{
		Job:      job,
		StreamID: streamID,
		Frames:   frames,
		Enqueued: fp.now(),
	}
	if !fp.queue.Enqueue(item) {
		fp.mutex.Lock()
		delete(fp.jobs, job.ID)
		fp.mutex.Unlock()
		if !fp.queue.IsRunning() {
			return JobInfo{}, ErrShuttingDown
		}
		return JobInfo{}, ErrQueueFull
	}

	fp.logger.Info("Batch job queued",
		zap.String("job_id", job.ID),
		zap.String("stream_id", streamID),
		zap.Int("frames", len(frames)))

	return job.Info(), nil
}

func (fp *FrameProcessor) GetJobStatus(jobID string) (JobInfo, error) {
	fp.mutex.RLock()
	defer fp.mutex.RUnlock()

	job, exists := fp.jobs[jobID]
	if !exists {
		return JobInfo{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Info(), nil
}

func (fp *FrameProcessor) processBatch(ctx context.Context, item *QueueItem) error {
	item.Job.start(fp.now())
	fp.logger.Debug("Batch job started", zap.String("job_id", item.Job.ID))

	for i, frame := range item.Frames {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled after %d frames: %w", i, err)
		}
		if _, err := fp.ProcessDetections(ctx, item.StreamID, frame); err != nil {
			fp.logger.Warn("Batch job failed",
				zap.String("job_id", item.Job.ID),
				zap.Int("position", i),
				zap.Error(err))
			return fmt.Errorf("frame at position %d: %w", i, err)
		}
		item.Job.progress(i + 1)
	}

	fp.logger.Info("Batch job completed",
		zap.String("job_id", item.Job.ID),
		zap.Duration("queued_for", time.Since(item.Enqueued)))
	return nil
}

func (fp *FrameProcessor) reapLoop() {
	defer fp.reaper.Done()

	ticker := time.NewTicker(fp.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fp.reap(fp.now())
		case <-fp.ctx.Done():
			return
		}
	}
}

// reap closes sessions idle for longer than the idle timeout and forgets
// jobs that finished that long ago.
func (fp *FrameProcessor) reap(now time.Time) int {
	var idle []*Session

	fp.mutex.Lock()
	for id, s := range fp.sessions {
		if s.idleSince(now) > fp.config.IdleTimeout {
			idle = append(idle, s)
			delete(fp.sessions, id)
		}
	}
	for id, job := range fp.jobs {
		if job.finishedBefore(now.Add(-fp.config.IdleTimeout)) {
			delete(fp.jobs, id)
		}
	}
	fp.mutex.Unlock()

	for _, s := range idle {
		fp.logger.Info("Closing idle stream", zap.String("stream_id", s.ID))
		fp.closeSession(fp.ctx, s)
	}

	if len(idle) > 0 {
		fp.statsMu.Lock()
		fp.stats.ReapedSessions += int64(len(idle))
		fp.statsMu.Unlock()
	}
	return len(idle)
}

func (fp *FrameProcessor) recordFrame(result *models.FrameResult) {
	fp.statsMu.Lock()
	defer fp.statsMu.Unlock()

	fp.stats.TotalFrames++
	if result.Degraded {
		fp.stats.DegradedFrames++
	}
	fp.stats.TracksCreated += int64(result.Stats.Created)
	fp.stats.TracksDeleted += int64(result.Stats.Deleted)
	fp.stats.Vehicles += int64(result.NewVehicles.Total())

	if fp.stats.AverageLatency == 0 {
		fp.stats.AverageLatency = result.ProcessingTime
	} else {
		alpha := 0.1
		fp.stats.AverageLatency = alpha*result.ProcessingTime + (1-alpha)*fp.stats.AverageLatency
	}
}

func (fp *FrameProcessor) recordFailure() {
	fp.statsMu.Lock()
	fp.stats.FailedFrames++
	fp.statsMu.Unlock()
}

func (fp *FrameProcessor) GetStats(ctx context.Context) ProcessorStats {
	fp.statsMu.Lock()
	stats := fp.stats
	fp.statsMu.Unlock()

	fp.mutex.RLock()
	stats.ActiveSessions = len(fp.sessions)
	stats.Jobs = len(fp.jobs)
	fp.mutex.RUnlock()

	stats.Queue = fp.queue.GetQueueStats()
	stats.ForecastEnabled = fp.forecaster != nil
	if cs, err := fp.cache.GetStats(ctx); err == nil {
		stats.Cache = cs
	}
	return stats
}

// Shutdown stops the reaper, drains queued batch jobs and closes every
// live session.
func (fp *FrameProcessor) Shutdown() error {
	fp.logger.Info("Shutting down frame processor...")

	fp.mutex.Lock()
	fp.closing = true
	fp.mutex.Unlock()

	fp.cancel()
	fp.reaper.Wait()

	var errs []error
	if err := fp.queue.Shutdown(30 * time.Second); err != nil {
		fp.logger.Error("Failed to shutdown queue", zap.Error(err))
		errs = append(errs, err)
	}

	fp.mutex.Lock()
	sessions := fp.sessions
	fp.sessions = make(map[string]*Session)
	fp.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fp.config.Workers)
	for _, s := range sessions {
		g.Go(func() error {
			_, err := fp.closeSession(gctx, s)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}

	if err := fp.cache.Close(); err != nil {
		fp.logger.Error("Failed to close cache", zap.Error(err))
		errs = append(errs, err)
	}

	fp.logger.Info("Frame processor shutdown complete")
	return errors.Join(errs...)
}

func latestKey(streamID string) string {
	return cache.Key("stream", streamID, "latest")
}

// canonicalClass validates a class query parameter and returns its
// canonical name.
func canonicalClass(class string) (string, error) {
	if class == "" {
		return "", nil
	}
	var vc counting.VehicleClass
	if err := vc.UnmarshalText([]byte(class)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return vc.String(), nil
}
