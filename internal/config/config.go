// Package config provides the configuration structure for the tts-fulfillment service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables that override the loaded configuration.
const (
	EnvNATSURL       = "TTS_NATS_URL"
	EnvAdminToken    = "TTS_ADMIN_TOKEN"
	EnvDatabasePath  = "TTS_DATABASE_PATH"
	EnvPublicBaseURL = "TTS_PUBLIC_BASE_URL"
	EnvHTTPAddress   = "TTS_HTTP_ADDRESS"
)

// Defaults applied to unset fields.
const (
	DefaultFulfillmentSubject       = "tts.fulfill"
	DefaultQueueGroup               = "tts-fulfillment"
	DefaultDeadLetterSubject        = "tts.ledger.deadletter"
	DefaultAudioBucket              = "TTS_AUDIO"
	DefaultProvider                 = "gemini"
	DefaultFolder                   = "audio"
	DefaultPublicBaseURL            = "http://localhost:8080"
	DefaultGenerationTimeoutSeconds = 60
	DefaultUploadTimeoutSeconds     = 30
	DefaultRequestTimeoutSeconds    = 300
	DefaultDatabasePath             = "data/tts-fulfillment.db"
	DefaultLedgerQueueSize          = 256
	DefaultHTTPAddress              = ":8080"
	DefaultRateLimitPerMinute       = 120
	DefaultBreakerFailureRatio      = 0.6
	DefaultBreakerMinRequests       = 3
	DefaultBreakerOpenSeconds       = 60
	DefaultBaseLogsDir              = "logs"
)

const dotEnvFile = ".env"

// ErrConfigPathEmpty is returned by LoadFile when no path is given.
var ErrConfigPathEmpty = errors.New("config path cannot be empty")

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"                       validate:"required"`
	FulfillmentSubject     string `toml:"fulfillment_subject"       validate:"required"`
	QueueGroup             string `toml:"queue_group"`
	DeadLetterSubject      string `toml:"dead_letter_subject"       validate:"required"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket" validate:"required"`
}

// TTSServiceConfig holds the speech and fulfillment settings.
type TTSServiceConfig struct {
	DefaultProvider          string `toml:"default_provider"           validate:"oneof=gemini elevenlabs"`
	GeminiBaseURL            string `toml:"gemini_base_url"            validate:"omitempty,url"`
	GeminiModel              string `toml:"gemini_model"`
	ElevenLabsBaseURL        string `toml:"elevenlabs_base_url"        validate:"omitempty,url"`
	ElevenLabsModel          string `toml:"elevenlabs_model"`
	PublicBaseURL            string `toml:"public_base_url"            validate:"required,url"`
	DefaultFolder            string `toml:"default_folder"`
	GenerationTimeoutSeconds int    `toml:"generation_timeout_seconds" validate:"gte=0"`
	UploadTimeoutSeconds     int    `toml:"upload_timeout_seconds"     validate:"gte=0"`
	RequestTimeoutSeconds    int    `toml:"request_timeout_seconds"    validate:"gte=0"`
	CheckIntervalSeconds     int    `toml:"check_interval_seconds"     validate:"gte=0"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `toml:"path" validate:"required"`
}

// LedgerConfig sizes the asynchronous ledger queue.
type LedgerConfig struct {
	QueueSize int `toml:"queue_size" validate:"gte=0"`
}

// HTTPConfig holds the admin and fulfillment API settings.
type HTTPConfig struct {
	Address            string `toml:"address"               validate:"required"`
	AdminToken         string `toml:"admin_token"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute" validate:"gte=0"`
}

// BreakerConfig tunes the per-credential circuit breaker.
type BreakerConfig struct {
	FailureRatio       float64 `toml:"failure_ratio"        validate:"gte=0,lte=1"`
	MinRequests        uint32  `toml:"min_requests"`
	OpenTimeoutSeconds int     `toml:"open_timeout_seconds" validate:"gte=0"`
	IntervalSeconds    int     `toml:"interval_seconds"     validate:"gte=0"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig       `toml:"nats"`
	TTS      TTSServiceConfig `toml:"tts_service"`
	Database DatabaseConfig   `toml:"database"`
	Ledger   LedgerConfig     `toml:"ledger"`
	HTTP     HTTPConfig       `toml:"http"`
	Breaker  BreakerConfig    `toml:"breaker"`
	Paths    PathsConfig      `toml:"paths"`
}

// Load loads the configuration for the service through the central
// configurator, then applies .env and environment overrides and defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	loadDotEnv(log)

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile reads a local TOML file. The CLI and the tests use it.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return nil, ErrConfigPathEmpty
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data and completes it the same way Load does.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyEnv()
	cfg.applyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(log *logger.Logger) {
	_, statErr := os.Stat(dotEnvFile)
	if statErr != nil {
		return
	}

	err := godotenv.Load(dotEnvFile)
	if err != nil && log != nil {
		log.Warn("Failed to load %s: %v", dotEnvFile, err)
	}
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvNATSURL:       &c.NATS.URL,
		EnvAdminToken:    &c.HTTP.AdminToken,
		EnvDatabasePath:  &c.Database.Path,
		EnvPublicBaseURL: &c.TTS.PublicBaseURL,
		EnvHTTPAddress:   &c.HTTP.Address,
	}

	for key, field := range overrides {
		value, ok := os.LookupEnv(key)
		if ok && value != "" {
			*field = value
		}
	}
}

func (c *Config) applyDefaults() {
	setString(&c.NATS.FulfillmentSubject, DefaultFulfillmentSubject)
	setString(&c.NATS.QueueGroup, DefaultQueueGroup)
	setString(&c.NATS.DeadLetterSubject, DefaultDeadLetterSubject)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)

	setString(&c.TTS.DefaultProvider, DefaultProvider)
	setString(&c.TTS.DefaultFolder, DefaultFolder)
	setString(&c.TTS.PublicBaseURL, DefaultPublicBaseURL)
	setInt(&c.TTS.GenerationTimeoutSeconds, DefaultGenerationTimeoutSeconds)
	setInt(&c.TTS.UploadTimeoutSeconds, DefaultUploadTimeoutSeconds)
	setInt(&c.TTS.RequestTimeoutSeconds, DefaultRequestTimeoutSeconds)

	setString(&c.Database.Path, DefaultDatabasePath)
	setInt(&c.Ledger.QueueSize, DefaultLedgerQueueSize)

	setString(&c.HTTP.Address, DefaultHTTPAddress)
	setInt(&c.HTTP.RateLimitPerMinute, DefaultRateLimitPerMinute)

	if c.Breaker.FailureRatio == 0 {
		c.Breaker.FailureRatio = DefaultBreakerFailureRatio
	}

	if c.Breaker.MinRequests == 0 {
		c.Breaker.MinRequests = DefaultBreakerMinRequests
	}

	setInt(&c.Breaker.OpenTimeoutSeconds, DefaultBreakerOpenSeconds)
	setString(&c.Paths.BaseLogsDir, DefaultBaseLogsDir)
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// GenerationTimeout bounds one provider call.
func (t TTSServiceConfig) GenerationTimeout() time.Duration {
	return seconds(t.GenerationTimeoutSeconds)
}

// UploadTimeout bounds one object store upload.
func (t TTSServiceConfig) UploadTimeout() time.Duration {
	return seconds(t.UploadTimeoutSeconds)
}

// RequestTimeout bounds one whole fulfillment, failover included.
func (t TTSServiceConfig) RequestTimeout() time.Duration {
	return seconds(t.RequestTimeoutSeconds)
}

// CheckInterval is the period of the background key check. Zero disables it.
func (t TTSServiceConfig) CheckInterval() time.Duration {
	return seconds(t.CheckIntervalSeconds)
}

// OpenTimeout is how long an open breaker waits before probing again.
func (b BreakerConfig) OpenTimeout() time.Duration {
	return seconds(b.OpenTimeoutSeconds)
}

// Interval is the breaker's counting window. Zero never clears counts while closed.
func (b BreakerConfig) Interval() time.Duration {
	return seconds(b.IntervalSeconds)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
