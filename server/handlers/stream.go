package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/traffic-cv/server/ml"
	"github.com/san-kum/traffic-cv/server/models"
	"github.com/san-kum/traffic-cv/server/processor"
)

type StreamHandler struct {
	processor *processor.FrameProcessor
	logger    *zap.Logger
}

func NewStreamHandler(processor *processor.FrameProcessor, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		processor: processor,
		logger:    logger,
	}
}

// ProcessDetections advances a stream with detections supplied by the
// caller.
func (h *StreamHandler) ProcessDetections(c *gin.Context) {
	var request models.FrameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Debug("Invalid frame request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	result, err := h.processor.ProcessDetections(c.Request.Context(), c.Param("stream_id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// AnalyzeFrame runs an uploaded image through the detector before tracking.
func (h *StreamHandler) AnalyzeFrame(c *gin.Context) {
	var request models.ImageFrameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Debug("Invalid image frame request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	imageData, err := extractImageData(request.ImageData)
	if err != nil {
		h.logger.Debug("Failed to decode image data", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image data"})
		return
	}

	result, err := h.processor.ProcessImage(c.Request.Context(), c.Param("stream_id"), imageData, request.FrameIndex, request.Timestamp)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.processor.Sessions()})
}

func (h *StreamHandler) GetTracks(c *gin.Context) {
	streamID := c.Param("stream_id")

	tracks, err := h.processor.Tracks(streamID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id": streamID,
		"tracks":    tracks,
	})
}

func (h *StreamHandler) GetLatest(c *gin.Context) {
	result, err := h.processor.Latest(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *StreamHandler) GetCounts(c *gin.Context) {
	counts, err := h.processor.Counts(c.Param("stream_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, counts)
}

// GetHistory returns what the store recorded for a stream, which outlives
// the session itself.
func (h *StreamHandler) GetHistory(c *gin.Context) {
	history, err := h.processor.History(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

// GetSeries returns the bucketed count series, optionally for one class
// given as ?class=.
func (h *StreamHandler) GetSeries(c *gin.Context) {
	streamID := c.Param("stream_id")
	class := c.Query("class")

	points, err := h.processor.Series(c.Request.Context(), streamID, class)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id": streamID,
		"class":     class,
		"series":    points,
	})
}

func (h *StreamHandler) Forecast(c *gin.Context) {
	var request models.ForecastRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
			return
		}
	}

	response, err := h.processor.Forecast(c.Request.Context(), c.Param("stream_id"), request)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *StreamHandler) ResetStream(c *gin.Context) {
	streamID := c.Param("stream_id")

	if err := h.processor.Reset(c.Request.Context(), streamID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stream_id": streamID, "status": "reset"})
}

func (h *StreamHandler) CloseStream(c *gin.Context) {
	summary, err := h.processor.CloseStream(c.Request.Context(), c.Param("stream_id"))
	if err != nil && summary.StreamID != "" {
		// the session is closed, only persisting its summary failed
		h.logger.Error("Stream closed with errors", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"session": summary, "warning": "summary not persisted"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": summary})
}

// SubmitBatch queues an ordered run of detection frames for background
// tracking.
func (h *StreamHandler) SubmitBatch(c *gin.Context) {
	var request models.BatchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	job, err := h.processor.CreateBatchJob(c.Param("stream_id"), request.Frames)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  job.ID,
		"message": "Batch accepted, processing queued",
		"status":  job.Status,
	})
}

func (h *StreamHandler) GetJobStatus(c *gin.Context) {
	status, err := h.processor.GetJobStatus(c.Param("job_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	stats := h.processor.GetStats(c.Request.Context())

	var errorRate float64
	if attempted := stats.TotalFrames + stats.FailedFrames; attempted > 0 {
		errorRate = float64(stats.FailedFrames) / float64(attempted) * 100
	}

	c.JSON(http.StatusOK, gin.H{
		"processor": stats,
		"metrics": gin.H{
			"error_rate":     errorRate,
			"uptime_seconds": time.Since(stats.StartTime).Seconds(),
		},
	})
}

// writeError maps processor errors onto HTTP statuses.
func (h *StreamHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("stream_id", c.Param("stream_id")),
			zap.Error(err))
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, processor.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrStreamNotFound), errors.Is(err, processor.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, processor.ErrOutOfOrderFrame):
		return http.StatusConflict
	case errors.Is(err, processor.ErrSessionLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, processor.ErrQueueFull),
		errors.Is(err, processor.ErrShuttingDown),
		errors.Is(err, ml.ErrForecastUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, processor.ErrDetection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// extractImageData decodes a base64 data URL ("data:image/jpeg;base64,...")
// or bare base64.
func extractImageData(data string) ([]byte, error) {
	if data == "" {
		return nil, fmt.Errorf("empty image data")
	}
	if strings.HasPrefix(data, "data:") {
		_, payload, ok := strings.Cut(data, ",")
		if !ok {
			return nil, fmt.Errorf("invalid data URL format")
		}
		data = payload
	}

	imageData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return imageData, nil
}
