package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/traffic-cv/server/counting"
	"github.com/san-kum/traffic-cv/server/models"
	"github.com/san-kum/traffic-cv/server/tracker"
)

var (
	// ErrForecastUnavailable is returned when no forecaster is configured.
	ErrForecastUnavailable = errors.New("forecaster not configured")

	errPermanent = errors.New("permanent failure")
)

type Client struct {
	detectorURL   string
	forecasterURL string
	httpClient    *http.Client
	logger        *zap.Logger
	config        *ClientConfig

	healthy  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ClientConfig struct {
	DetectorURL         string
	ForecasterURL       string
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

// DetectRequest is the body posted to the detector's /detect endpoint.
type DetectRequest struct {
	ImageData []byte `json:"image_data"`
	Timestamp int64  `json:"timestamp"`
}

type DetectResponse struct {
	Detections     []DetectionRow `json:"detections"`
	ProcessingTime float64        `json:"processing_time"`
	ModelVersion   string         `json:"model_version"`
}

// DetectionRow is one YOLOv5 result row: corner coordinates, score, class
// index and class name.
type DetectionRow struct {
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	Confidence float64 `json:"confidence"`
	Class      int     `json:"class"`
	Name       string  `json:"name"`
}

type ForecastRequest struct {
	Series  []counting.Point `json:"series"`
	Periods int              `json:"periods"`
	Freq    string           `json:"freq"`
}

type ForecastResponse struct {
	Forecast []models.ForecastPoint `json:"forecast"`
}

func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.ParseRequestURI(config.DetectorURL); err != nil {
		return nil, fmt.Errorf("invalid detector URL: %w", err)
	}
	if config.ForecasterURL != "" {
		if _, err := url.ParseRequestURI(config.ForecasterURL); err != nil {
			return nil, fmt.Errorf("invalid forecaster URL: %w", err)
		}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}

	client := &Client{
		detectorURL:   strings.TrimRight(config.DetectorURL, "/"),
		forecasterURL: strings.TrimRight(config.ForecasterURL, "/"),
		logger:        logger,
		config:        &config,
		stopCh:        make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		logger.Warn("Detector not available at startup", zap.Error(err))
	}

	go client.startHealthChecker()

	return client, nil
}

// Detect runs one encoded image through the detector.
func (c *Client) Detect(ctx context.Context, imageData []byte, timestamp int64) ([]tracker.Detection, error) {
	request := &DetectRequest{
		ImageData: imageData,
		Timestamp: timestamp,
	}

	var response DetectResponse
	err := c.withRetries(ctx, "detect", func() error {
		return c.postJSON(ctx, c.detectorURL+"/detect", request, &response)
	})
	if err != nil {
		return nil, err
	}

	detections := make([]tracker.Detection, 0, len(response.Detections))
	for _, row := range response.Detections {
		detections = append(detections, row.Detection())
	}

	c.logger.Debug("Detector returned detections",
		zap.Int("count", len(detections)),
		zap.String("model_version", response.ModelVersion),
		zap.Float64("processing_time", response.ProcessingTime))

	return detections, nil
}

func (r DetectionRow) Detection() tracker.Detection {
	return tracker.Detection{
		Box:        tracker.NewBoundingBox(r.XMin, r.YMin, r.XMax, r.YMax),
		Confidence: r.Confidence,
		ClassLabel: r.Name,
	}
}

// Forecast asks the forecaster to extend series by periods steps of the
// given interval.
func (c *Client) Forecast(ctx context.Context, series []counting.Point, periods int, interval time.Duration) ([]models.ForecastPoint, error) {
	if c.forecasterURL == "" {
		return nil, ErrForecastUnavailable
	}
	if len(series) < 2 {
		return nil, fmt.Errorf("forecast needs at least 2 points, got %d", len(series))
	}

	request := &ForecastRequest{
		Series:  series,
		Periods: periods,
		Freq:    Freq(interval),
	}

	var response ForecastResponse
	err := c.withRetries(ctx, "forecast", func() error {
		return c.postJSON(ctx, c.forecasterURL+"/forecast", request, &response)
	})
	if err != nil {
		return nil, err
	}
	return response.Forecast, nil
}

// Freq renders a bucket interval as a pandas offset alias such as "15min".
func Freq(interval time.Duration) string {
	switch {
	case interval >= time.Hour && interval%time.Hour == 0:
		return fmt.Sprintf("%dh", interval/time.Hour)
	case interval >= time.Minute && interval%time.Minute == 0:
		return fmt.Sprintf("%dmin", interval/time.Minute)
	default:
		return fmt.Sprintf("%ds", max(1, int64(interval/time.Second)))
	}
}

func (c *Client) withRetries(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying ML request",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			break
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	requestData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "traffic-cv/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		err := fmt.Errorf("ML service error (status %d): %s", response.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if response.StatusCode >= 400 && response.StatusCode < 500 {
			return fmt.Errorf("%w: %w", errPermanent, err)
		}
		return err
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.detectorURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.healthy.Store(false)
		return fmt.Errorf("detector unhealthy (status %d)", response.StatusCode)
	}

	c.healthy.Store(true)
	return nil
}

// Healthy reports the result of the most recent health check.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

func (c *Client) ForecastEnabled() bool {
	return c.forecasterURL != ""
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Detector health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Detector health check passed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background health checker.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
