package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the proxy service and the talk
// client. Values come from defaults, then the optional YAML file named by
// APP_CONFIG_FILE, then the environment.
type Config struct {
	BindAddr           string        `yaml:"bind_addr"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	MetricsNamespace   string        `yaml:"metrics_namespace"`
	AllowAnyOrigin     bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`

	NegotiateURL     string        `yaml:"negotiate_url"`
	NegotiateAPIKey  string        `yaml:"-"`
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`
	GreetingURL      string        `yaml:"greeting_url"`
	GreetingTimeout  time.Duration `yaml:"greeting_timeout"`

	UpstreamURL        string        `yaml:"upstream_url"`
	DefaultModel       string        `yaml:"default_model"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	ConfigureTimeout   time.Duration `yaml:"configure_timeout"`
	CloseGracePeriod   time.Duration `yaml:"close_grace_period"`
	InboundRate        float64       `yaml:"inbound_rate"`
	InboundBurst       int           `yaml:"inbound_burst"`
	Voice              string        `yaml:"voice"`
	Instructions       string        `yaml:"instructions"`
	Temperature        float64       `yaml:"temperature"`
	MaxResponseTokens  int           `yaml:"max_response_tokens"`
	TranscriptionModel string        `yaml:"transcription_model"`
	VADThreshold       float64       `yaml:"vad_threshold"`
	VADPrefixPaddingMS int           `yaml:"vad_prefix_padding_ms"`
	VADSilenceMS       int           `yaml:"vad_silence_ms"`

	PreloadTTL          time.Duration `yaml:"preload_ttl"`
	PreloadFetchTimeout time.Duration `yaml:"preload_fetch_timeout"`

	RedisURL         string        `yaml:"redis_url"`
	RedisPrefix      string        `yaml:"redis_prefix"`
	GreetingCacheTTL time.Duration `yaml:"greeting_cache_ttl"`

	DatabaseURL string `yaml:"-"`

	TalkProxyURL  string        `yaml:"talk_proxy_url"`
	TalkAPIURL    string        `yaml:"talk_api_url"`
	PlaybackLead  time.Duration `yaml:"playback_lead_in"`
	PlaybackGap   time.Duration `yaml:"playback_min_gap"`
	CaptureFrames int           `yaml:"capture_queue_frames"`
}

func defaults() Config {
	return Config{
		BindAddr:            ":8080",
		ShutdownTimeout:     15 * time.Second,
		SessionIdleTimeout:  2 * time.Minute,
		MetricsNamespace:    "pagevoice",
		LogLevel:            "info",
		LogFormat:           "text",
		LogOutput:           "stderr",
		NegotiateTimeout:    15 * time.Second,
		GreetingTimeout:     60 * time.Second,
		UpstreamURL:         "wss://api.openai.com/v1/realtime",
		DefaultModel:        "gpt-realtime",
		HandshakeTimeout:    10 * time.Second,
		ConfigureTimeout:    5 * time.Second,
		CloseGracePeriod:    2 * time.Second,
		InboundRate:         100,
		InboundBurst:        50,
		Voice:               "shimmer",
		Temperature:         0.8,
		MaxResponseTokens:   500,
		TranscriptionModel:  "whisper-1",
		VADThreshold:        0.5,
		VADPrefixPaddingMS:  300,
		VADSilenceMS:        200,
		PreloadTTL:          10 * time.Minute,
		PreloadFetchTimeout: 60 * time.Second,
		RedisPrefix:         "pagevoice",
		GreetingCacheTTL:    time.Hour,
		TalkProxyURL:        "ws://localhost:8080/ws/realtime",
		TalkAPIURL:          "http://localhost:8080",
		PlaybackLead:        180 * time.Millisecond,
		PlaybackGap:         20 * time.Millisecond,
		CaptureFrames:       16,
	}
}

// Load reads the optional config file and environment variables and applies
// safe defaults.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.LogOutput = envOrDefault("LOG_OUTPUT", cfg.LogOutput)
	cfg.NegotiateURL = envOrDefault("NEGOTIATE_URL", cfg.NegotiateURL)
	cfg.NegotiateAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.GreetingURL = envOrDefault("GREETING_URL", cfg.GreetingURL)
	cfg.UpstreamURL = envOrDefault("UPSTREAM_URL", cfg.UpstreamURL)
	cfg.DefaultModel = envOrDefault("REALTIME_MODEL", cfg.DefaultModel)
	cfg.Voice = envOrDefault("REALTIME_VOICE", cfg.Voice)
	cfg.Instructions = envOrDefault("REALTIME_INSTRUCTIONS", cfg.Instructions)
	cfg.TranscriptionModel = envOrDefault("REALTIME_TRANSCRIPTION_MODEL", cfg.TranscriptionModel)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.RedisPrefix = envOrDefault("REDIS_PREFIX", cfg.RedisPrefix)
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")
	cfg.TalkProxyURL = envOrDefault("TALK_PROXY_URL", cfg.TalkProxyURL)
	cfg.TalkAPIURL = envOrDefault("TALK_API_URL", cfg.TalkAPIURL)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"NEGOTIATE_TIMEOUT", &cfg.NegotiateTimeout},
		{"GREETING_TIMEOUT", &cfg.GreetingTimeout},
		{"HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"CONFIGURE_TIMEOUT", &cfg.ConfigureTimeout},
		{"CLOSE_GRACE_PERIOD", &cfg.CloseGracePeriod},
		{"PRELOAD_TTL", &cfg.PreloadTTL},
		{"PRELOAD_FETCH_TIMEOUT", &cfg.PreloadFetchTimeout},
		{"GREETING_CACHE_TTL", &cfg.GreetingCacheTTL},
		{"PLAYBACK_LEAD_IN", &cfg.PlaybackLead},
		{"PLAYBACK_MIN_GAP", &cfg.PlaybackGap},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"INBOUND_BURST", &cfg.InboundBurst},
		{"REALTIME_MAX_RESPONSE_TOKENS", &cfg.MaxResponseTokens},
		{"VAD_PREFIX_PADDING_MS", &cfg.VADPrefixPaddingMS},
		{"VAD_SILENCE_MS", &cfg.VADSilenceMS},
		{"CAPTURE_QUEUE_FRAMES", &cfg.CaptureFrames},
	}
	for _, n := range ints {
		v, err := intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
		*n.dst = v
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"INBOUND_RATE", &cfg.InboundRate},
		{"REALTIME_TEMPERATURE", &cfg.Temperature},
		{"VAD_THRESHOLD", &cfg.VADThreshold},
	}
	for _, f := range floats {
		v, err := floatFromEnv(f.key, *f.dst)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}

	var err error
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks ranges that would otherwise fail deep inside a session.
func (c Config) Validate() error {
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.HandshakeTimeout <= 0 || c.ConfigureTimeout <= 0 || c.CloseGracePeriod <= 0 {
		return fmt.Errorf("handshake, configure and close timeouts must be positive")
	}
	if c.PreloadTTL < 0 {
		return fmt.Errorf("PRELOAD_TTL must be >= 0")
	}
	if c.InboundRate < 0 {
		return fmt.Errorf("INBOUND_RATE must be >= 0")
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("VAD_THRESHOLD must be between 0 and 1, got %v", c.VADThreshold)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("REALTIME_TEMPERATURE must be between 0 and 2, got %v", c.Temperature)
	}
	if c.MaxResponseTokens <= 0 {
		return fmt.Errorf("REALTIME_MAX_RESPONSE_TOKENS must be positive")
	}
	if c.PlaybackLead <= 0 || c.PlaybackGap <= 0 {
		return fmt.Errorf("PLAYBACK_LEAD_IN and PLAYBACK_MIN_GAP must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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
