package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/san-kum/traffic-cv/server/ml"
	"github.com/san-kum/traffic-cv/server/processor"
	"github.com/san-kum/traffic-cv/server/tracker"
)

type stubDetector struct {
	err error
}

func (s *stubDetector) Detect(ctx context.Context, imageData []byte, timestamp int64) ([]tracker.Detection, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []tracker.Detection{{
		Box:        tracker.NewBoundingBox(10, 10, 50, 50),
		Confidence: 0.8,
		ClassLabel: "bus",
	}}, nil
}

type frameReply struct {
	StreamID   string `json:"stream_id"`
	FrameIndex int    `json:"frame_index"`
	Stats      struct {
		Created int `json:"created"`
	} `json:"stats"`
}

func newTestRouter(t *testing.T, detector processor.Detector) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zaptest.NewLogger(t)
	cfg := processor.DefaultProcessorConfig()
	cfg.ReapInterval = 0
	cfg.Workers = 1

	fp, err := processor.NewFrameProcessor(cfg, detector, nil, nil, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { fp.Shutdown() })

	stream := NewStreamHandler(fp, logger)
	ws := NewWebSocketHandler(fp, []string{"*"}, logger)

	router := gin.New()
	router.GET("/ws/streams/:stream_id", ws.HandleWebSocket)

	api := router.Group("/api/v1")
	api.GET("/streams", stream.ListStreams)
	api.POST("/streams/:stream_id/frames", stream.ProcessDetections)
	api.POST("/streams/:stream_id/analyze-frame", stream.AnalyzeFrame)
	api.GET("/streams/:stream_id/tracks", stream.GetTracks)
	api.GET("/streams/:stream_id/latest", stream.GetLatest)
	api.GET("/streams/:stream_id/counts", stream.GetCounts)
	api.GET("/streams/:stream_id/series", stream.GetSeries)
	api.GET("/streams/:stream_id/history", stream.GetHistory)
	api.POST("/streams/:stream_id/forecast", stream.Forecast)
	api.POST("/streams/:stream_id/reset", stream.ResetStream)
	api.POST("/streams/:stream_id/batch", stream.SubmitBatch)
	api.DELETE("/streams/:stream_id", stream.CloseStream)
	api.GET("/jobs/:job_id", stream.GetJobStatus)
	api.GET("/stats", stream.GetStats)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func detectionsBody(index int) string {
	return fmt.Sprintf(`{"frame_index":%d,"timestamp":1709280000000,"detections":[
		{"box":{"xmin":100,"ymin":100,"xmax":160,"ymax":140},"confidence":0.9,"class_label":"car"}]}`, index)
}

func TestProcessDetectionsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := do(router, http.MethodPost, "/api/v1/streams/cam-1/frames", detectionsBody(1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reply frameReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "cam-1", reply.StreamID)
	assert.Equal(t, 1, reply.FrameIndex)
	assert.Equal(t, 1, reply.Stats.Created)

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/frames", detectionsBody(1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/frames", `{"detections":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCountsAndSeriesEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := do(router, http.MethodGet, "/api/v1/streams/cam-1/counts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for i := 1; i <= 3; i++ {
		rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/frames", detectionsBody(i))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = do(router, http.MethodGet, "/api/v1/streams/cam-1/counts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts struct {
		Totals map[string]int `json:"totals"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, map[string]int{"Car": 1}, counts.Totals)

	rec = do(router, http.MethodGet, "/api/v1/streams/cam-1/series?class=car", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var series struct {
		Series []struct {
			DS string `json:"ds"`
			Y  int    `json:"y"`
		} `json:"series"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Len(t, series.Series, 1)
	assert.Equal(t, 1, series.Series[0].Y)

	rec = do(router, http.MethodGet, "/api/v1/streams/cam-1/series?class=tank", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/streams/cam-1/tracks", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(router, http.MethodGet, "/api/v1/streams/cam-1/latest", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/streams", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stream_id":"cam-1"`)
}

func TestAnalyzeFrameEndpoint(t *testing.T) {
	detector := &stubDetector{}
	router := newTestRouter(t, detector)
	image := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg"))

	rec := do(router, http.MethodPost, "/api/v1/streams/cam-1/analyze-frame",
		fmt.Sprintf(`{"frame_index":1,"image_data":%q}`, image))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/analyze-frame", `{"image_data":"data:image/jpeg;base64,%%%"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/analyze-frame", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "image_data is required")

	detector.err = errors.New("detector down")
	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/analyze-frame",
		fmt.Sprintf(`{"frame_index":2,"image_data":%q}`, image))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForecastWithoutForecaster(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := do(router, http.MethodPost, "/api/v1/streams/cam-1/forecast", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestBatchAndJobEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	var frames []string
	for i := 1; i <= 4; i++ {
		frames = append(frames, detectionsBody(i))
	}
	rec := do(router, http.MethodPost, "/api/v1/streams/cam-1/batch", `{"frames":[`+strings.Join(frames, ",")+`]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	require.Eventually(t, func() bool {
		rec := do(router, http.MethodGet, "/api/v1/jobs/"+accepted.JobID, "")
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"status":"completed"`)
	}, 5*time.Second, 10*time.Millisecond)

	rec = do(router, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/batch", `{"frames":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetAndCloseEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := do(router, http.MethodPost, "/api/v1/streams/cam-1/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/frames", detectionsBody(1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodPost, "/api/v1/streams/cam-1/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodDelete, "/api/v1/streams/cam-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"frames":1`)

	rec = do(router, http.MethodDelete, "/api/v1/streams/cam-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// nothing is recorded without a store
	rec = do(router, http.MethodGet, "/api/v1/streams/cam-1/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_frames":1`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", processor.ErrInvalidRequest), http.StatusBadRequest},
		{processor.ErrStreamNotFound, http.StatusNotFound},
		{processor.ErrJobNotFound, http.StatusNotFound},
		{processor.ErrOutOfOrderFrame, http.StatusConflict},
		{processor.ErrSessionLimit, http.StatusTooManyRequests},
		{processor.ErrQueueFull, http.StatusServiceUnavailable},
		{processor.ErrShuttingDown, http.StatusServiceUnavailable},
		{ml.ErrForecastUnavailable, http.StatusServiceUnavailable},
		{processor.ErrDetection, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestExtractImageData(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png"))

	got, err := extractImageData("data:image/png;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)

	got, err = extractImageData(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)

	for _, bad := range []string{"", "data:image/png;base64", "!!!"} {
		_, err := extractImageData(bad)
		assert.Error(t, err, bad)
	}
}

func TestWebSocketProcessesMessagesInOrder(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/streams/cam-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(msg string) map[string]any {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		var reply map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&reply))
		return reply
	}

	for i := 1; i <= 3; i++ {
		reply := send(`{"type":"detections","frame_index":` + fmt.Sprint(i) + `,"detections":[
			{"box":{"xmin":0,"ymin":0,"xmax":40,"ymax":40},"confidence":0.9,"class_label":"truck"}]}`)
		require.Equal(t, "tracks", reply["type"], reply)
		data := reply["data"].(map[string]any)
		assert.Equal(t, float64(i), data["frame_index"])
	}

	reply := send(`{"type":"detections","frame_index":2}`)
	require.Equal(t, "error", reply["type"])
	assert.Equal(t, float64(http.StatusConflict), reply["data"].(map[string]any)["status"])

	reply = send(`{"type":"ping"}`)
	assert.Equal(t, "pong", reply["type"])

	reply = send(`{"type":"reset"}`)
	assert.Equal(t, "reset", reply["type"])

	reply = send(`{"type":"config"}`)
	assert.Equal(t, "error", reply["type"])

	reply = send(`{"type":"frame","data":"` + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 8)) + `"}`)
	assert.Equal(t, "error", reply["type"], "no detector is configured")
}
