package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/traffic-cv/server/counting"
	"github.com/san-kum/traffic-cv/server/tracker"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	ML       MLConfig       `json:"ml"`
	Security SecurityConfig `json:"security"`
	Database DatabaseConfig `json:"database"`
	Cache    CacheConfig    `json:"cache"`
	Logging  LoggingConfig  `json:"logging"`
	Tracker  TrackerConfig  `json:"tracker"`
	Counting CountingConfig `json:"counting"`
	Stream   StreamConfig   `json:"stream"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type MLConfig struct {
	DetectorURL         string        `json:"detector_url"`
	ForecasterURL       string        `json:"forecaster_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey      string        `json:"-"`
	AllowedOrigins    []string      `json:"allowed_origins"`
	AdminAllowedIPs   []string      `json:"admin_allowed_ips"`
	RateLimitRequests int           `json:"rate_limit_requests"`
	RateLimitWindow   time.Duration `json:"rate_limit_window"`
	FrameRateLimit    int           `json:"frame_rate_limit"`
	MaxRequestSize    int64         `json:"max_request_size"`
	RequestTimeout    time.Duration `json:"request_timeout"`
	EnableHTTPS       bool          `json:"enable_https"`
	CertFile          string        `json:"cert_file"`
	KeyFile           string        `json:"key_file"`
}

// DatabaseConfig points at the SQLite count store. An empty path disables
// persistence.
type DatabaseConfig struct {
	Path string `json:"path"`
}

type CacheConfig struct {
	MaxItems int           `json:"max_items"`
	TTL      time.Duration `json:"ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type TrackerConfig struct {
	IoUThreshold    float64 `json:"iou_threshold"`
	MinHits         int     `json:"min_hits"`
	MaxAgeTentative int     `json:"max_age_tentative"`
	MaxAgeConfirmed int     `json:"max_age_confirmed"`
	TentativeGrace  int     `json:"tentative_grace"`
	MinConfidence   float64 `json:"min_confidence"`
	EmitTentative   bool    `json:"emit_tentative"`
}

type CountingConfig struct {
	UnknownClassPolicy string        `json:"unknown_class_policy"`
	BucketInterval     time.Duration `json:"bucket_interval"`
	SeriesCapacity     int           `json:"series_capacity"`
	ForecastPeriods    int           `json:"forecast_periods"`
}

type StreamConfig struct {
	MaxSessions       int           `json:"max_sessions"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ReapInterval      time.Duration `json:"reap_interval"`
	DeletionBurstWarn int           `json:"deletion_burst_warn"`
	MaxBatchFrames    int           `json:"max_batch_frames"`
	QueueSize         int           `json:"queue_size"`
	Workers           int           `json:"workers"`
	MaxTimestampSkew  time.Duration `json:"max_timestamp_skew"`
}

func LoadConfig() *Config {
	defaults := tracker.DefaultConfig()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		ML: MLConfig{
			DetectorURL:         getEnv("DETECTOR_URL", "http://localhost:5000"),
			ForecasterURL:       getEnv("FORECASTER_URL", ""),
			Timeout:             getEnvAsDuration("ML_TIMEOUT", 30*time.Second),
			MaxRetries:          getEnvAsInt("ML_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsDuration("ML_RETRY_DELAY", 1*time.Second),
			HealthCheckInterval: getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTSecretKey:      getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins:    getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			AdminAllowedIPs:   getEnvAsStringSlice("ADMIN_ALLOWED_IPS", []string{"*"}),
			RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", time.Second),
			FrameRateLimit:    getEnvAsInt("FRAME_RATE_LIMIT", 600),
			MaxRequestSize:    getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024), // 10MB
			RequestTimeout:    getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:       getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:          getEnv("CERT_FILE", ""),
			KeyFile:           getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "traffic.db"),
		},
		Cache: CacheConfig{
			MaxItems: getEnvAsInt("CACHE_MAX_ITEMS", 1000),
			TTL:      getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracker: TrackerConfig{
			IoUThreshold:    getEnvAsFloat("TRACKER_IOU_THRESHOLD", defaults.IoUThreshold),
			MinHits:         getEnvAsInt("TRACKER_MIN_HITS", defaults.MinHits),
			MaxAgeTentative: getEnvAsInt("TRACKER_MAX_AGE_TENTATIVE", defaults.MaxAgeTentative),
			MaxAgeConfirmed: getEnvAsInt("TRACKER_MAX_AGE_CONFIRMED", defaults.MaxAgeConfirmed),
			TentativeGrace:  getEnvAsInt("TRACKER_TENTATIVE_GRACE", defaults.TentativeGrace),
			MinConfidence:   getEnvAsFloat("TRACKER_MIN_CONFIDENCE", defaults.MinConfidence),
			EmitTentative:   getEnvAsBool("TRACKER_EMIT_TENTATIVE", defaults.EmitTentative),
		},
		Counting: CountingConfig{
			UnknownClassPolicy: getEnv("COUNT_UNKNOWN_CLASS_POLICY", string(counting.PolicyIgnore)),
			BucketInterval:     getEnvAsDuration("COUNT_BUCKET_INTERVAL", time.Minute),
			SeriesCapacity:     getEnvAsInt("COUNT_SERIES_CAPACITY", 1440),
			ForecastPeriods:    getEnvAsInt("FORECAST_PERIODS", 10),
		},
		Stream: StreamConfig{
			MaxSessions:       getEnvAsInt("STREAM_MAX_SESSIONS", 64),
			IdleTimeout:       getEnvAsDuration("STREAM_IDLE_TIMEOUT", 10*time.Minute),
			ReapInterval:      getEnvAsDuration("STREAM_REAP_INTERVAL", time.Minute),
			DeletionBurstWarn: getEnvAsInt("STREAM_DELETION_BURST_WARN", 10),
			MaxBatchFrames:    getEnvAsInt("STREAM_MAX_BATCH_FRAMES", 5000),
			QueueSize:         getEnvAsInt("STREAM_QUEUE_SIZE", 100),
			Workers:           getEnvAsInt("STREAM_WORKERS", 4),
			MaxTimestampSkew:  getEnvAsDuration("STREAM_MAX_TIMESTAMP_SKEW", 5*time.Minute),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.ML.DetectorURL == "" {
		errors = append(errors, "detector URL is required")
	}

	if c.ML.ForecasterURL == "" {
		logger.Warn("Forecaster URL not set, forecasting disabled")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}

	if c.Security.RateLimitRequests < 1 || c.Security.RateLimitWindow <= 0 {
		errors = append(errors, "rate limit requests and window must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Database.Path == "" {
		logger.Warn("Database path not set, counts will not be persisted")
	}

	if c.Cache.MaxItems < 1 {
		errors = append(errors, "cache max items must be positive")
	}

	if err := c.TrackerConfig().Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	if _, err := counting.ParseUnknownClassPolicy(c.Counting.UnknownClassPolicy); err != nil {
		errors = append(errors, err.Error())
	}

	if c.Counting.BucketInterval <= 0 {
		errors = append(errors, "count bucket interval must be positive")
	}

	if c.Counting.SeriesCapacity < 1 {
		errors = append(errors, "count series capacity must be positive")
	}

	if c.Stream.MaxTimestampSkew < 0 {
		errors = append(errors, "max timestamp skew must not be negative")
	}

	if c.Stream.MaxSessions < 1 {
		errors = append(errors, "max sessions must be positive")
	}

	if c.Stream.Workers < 1 || c.Stream.QueueSize < 1 {
		errors = append(errors, "stream workers and queue size must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

// TrackerConfig returns the tracker section as a tracker.Config.
func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		IoUThreshold:    c.Tracker.IoUThreshold,
		MinHits:         c.Tracker.MinHits,
		MaxAgeTentative: c.Tracker.MaxAgeTentative,
		MaxAgeConfirmed: c.Tracker.MaxAgeConfirmed,
		TentativeGrace:  c.Tracker.TentativeGrace,
		MinConfidence:   c.Tracker.MinConfidence,
		EmitTentative:   c.Tracker.EmitTentative,
	}
}

// UnknownClassPolicy returns the parsed policy, falling back to ignore.
func (c *Config) UnknownClassPolicy() counting.UnknownClassPolicy {
	p, err := counting.ParseUnknownClassPolicy(c.Counting.UnknownClassPolicy)
	if err != nil {
		return counting.PolicyIgnore
	}
	return p
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zc.Level = level

	return zc.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
