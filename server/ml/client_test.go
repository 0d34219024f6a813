package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/san-kum/traffic-cv/server/counting"
	"github.com/san-kum/traffic-cv/server/models"
	"github.com/san-kum/traffic-cv/server/tracker"
)

func newTestClient(t *testing.T, detector, forecaster string) *Client {
	t.Helper()

	c, err := NewClient(ClientConfig{
		DetectorURL:         detector,
		ForecasterURL:       forecaster,
		Timeout:             2 * time.Second,
		MaxRetries:          2,
		RetryDelay:          time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestDetectConvertsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/detect":
			var req DetectRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []byte("jpeg-bytes"), req.ImageData)
			assert.Equal(t, int64(1700), req.Timestamp)

			json.NewEncoder(w).Encode(DetectResponse{
				Detections: []DetectionRow{
					{XMin: 10, YMin: 10, XMax: 50, YMax: 50, Confidence: 0.91, Class: 2, Name: "car"},
					{XMin: 100, YMin: 20, XMax: 180, YMax: 90, Confidence: 0.55, Class: 7, Name: "truck"},
				},
				ModelVersion: "yolov5s",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	assert.True(t, c.Healthy())

	dets, err := c.Detect(context.Background(), []byte("jpeg-bytes"), 1700)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, tracker.Detection{
		Box:        tracker.NewBoundingBox(10, 10, 50, 50),
		Confidence: 0.91,
		ClassLabel: "car",
	}, dets[0])
	assert.Equal(t, "truck", dets[1].ClassLabel)
}

func TestDetectRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			return
		}
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(DetectResponse{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	dets, err := c.Detect(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetectDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			return
		}
		calls.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	_, err := c.Detect(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
	assert.Equal(t, int32(1), calls.Load())
}

func TestForecast(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/forecast" {
			return
		}
		var req ForecastRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "min", req.Freq[len(req.Freq)-3:])
		assert.Equal(t, 2, req.Periods)
		assert.Len(t, req.Series, 3)

		json.NewEncoder(w).Encode(ForecastResponse{Forecast: []models.ForecastPoint{
			{Timestamp: base.Add(3 * time.Minute), Value: 4.5, Lower: 3, Upper: 6},
			{Timestamp: base.Add(4 * time.Minute), Value: 5, Lower: 3.5, Upper: 6.5},
		}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)
	require.True(t, c.ForecastEnabled())

	series := []counting.Point{
		{Timestamp: base, Count: 3},
		{Timestamp: base.Add(time.Minute), Count: 4},
		{Timestamp: base.Add(2 * time.Minute), Count: 5},
	}
	out, err := c.Forecast(context.Background(), series, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 4.5, out[0].Value)
	assert.True(t, out[1].Timestamp.Equal(base.Add(4*time.Minute)))
}

func TestForecastUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	_, err := c.Forecast(context.Background(), nil, 1, time.Minute)
	assert.ErrorIs(t, err, ErrForecastUnavailable)
}

func TestFreq(t *testing.T) {
	assert.Equal(t, "1min", Freq(time.Minute))
	assert.Equal(t, "15min", Freq(15*time.Minute))
	assert.Equal(t, "2h", Freq(2*time.Hour))
	assert.Equal(t, "90s", Freq(90*time.Second))
	assert.Equal(t, "1s", Freq(time.Millisecond))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(ClientConfig{DetectorURL: "not a url"}, nil)
	assert.Error(t, err)
}
