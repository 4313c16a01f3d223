package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the receptionist service.
type Config struct {
	BindAddr              string
	ShutdownTimeout       time.Duration
	CallInactivityTimeout time.Duration
	MetricsNamespace      string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	RemoteTransport  string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiWSBaseURL  string
	GeminiVoice      string
	HandshakeTimeout time.Duration
	CaptureFrameSize int

	DatabaseURL         string
	BookingsRecentLimit int
}

// Transport modes accepted by REMOTE_TRANSPORT.
const (
	TransportAuto      = "auto"
	TransportGenAI     = "genai"
	TransportWebsocket = "websocket"
	TransportMock      = "mock"
)

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "aiwave"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "text"),
		RemoteTransport:  strings.ToLower(envOrDefault("REMOTE_TRANSPORT", TransportAuto)),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		GeminiWSBaseURL:  envOrDefault("GEMINI_WS_BASE_URL", "wss://generativelanguage.googleapis.com"),
		// Puck is the voice the receptionist demo shipped with.
		GeminiVoice:           envOrDefault("GEMINI_VOICE", "Puck"),
		HandshakeTimeout:      10 * time.Second,
		CaptureFrameSize:      4096,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		BookingsRecentLimit:   15,
		ShutdownTimeout:       15 * time.Second,
		CallInactivityTimeout: 2 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallInactivityTimeout, err = durationFromEnv("APP_CALL_INACTIVITY_TIMEOUT", cfg.CallInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeTimeout, err = durationFromEnv("REMOTE_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSize, err = intFromEnv("CAPTURE_FRAME_SIZE", cfg.CaptureFrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.BookingsRecentLimit, err = intFromEnv("BOOKINGS_RECENT_LIMIT", cfg.BookingsRecentLimit)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Load calls it; callers that
// override fields after loading should call it again.
func (c Config) Validate() error {
	if c.CallInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_CALL_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("REMOTE_HANDSHAKE_TIMEOUT must be >= 0")
	}
	if c.CaptureFrameSize <= 0 {
		return fmt.Errorf("CAPTURE_FRAME_SIZE must be positive")
	}
	if c.BookingsRecentLimit <= 0 {
		return fmt.Errorf("BOOKINGS_RECENT_LIMIT must be positive")
	}
	switch c.RemoteTransport {
	case TransportAuto, TransportGenAI, TransportWebsocket, TransportMock:
	default:
		return fmt.Errorf("REMOTE_TRANSPORT must be one of auto, genai, websocket, mock; got %q", c.RemoteTransport)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be one of text, json, logfmt; got %q", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
