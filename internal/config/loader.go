package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envAPIKey is read when token.api_key is empty.
const envAPIKey = "GEMINI_API_KEY"

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Token.APIKey == "" {
		cfg.Token.APIKey = os.Getenv(envAPIKey)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Defaults are
// expected to have been applied.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", a.SampleRate))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.ChunkInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("audio.chunk_interval %s must be at least 10ms", a.ChunkInterval))
	}
	if a.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_duration %s must be positive", a.MaxDuration))
	}
	for i, enc := range a.Encodings {
		if _, _, err := mime.ParseMediaType(enc); err != nil || !strings.HasPrefix(strings.ToLower(enc), "audio/") {
			errs = append(errs, fmt.Errorf("audio.encodings[%d] %q is not an audio MIME type", i, enc))
		}
	}

	// Silence
	s := cfg.Silence
	if s.Threshold <= 0 || s.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("silence.threshold %.4f is out of range (0, 1)", s.Threshold))
	}
	if s.Duration <= 0 {
		errs = append(errs, fmt.Errorf("silence.duration %s must be positive", s.Duration))
	}
	if s.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("silence.sample_interval %s must be positive", s.SampleInterval))
	} else if s.SampleInterval > s.Duration {
		slog.Warn("silence.sample_interval is longer than silence.duration; silence will be detected late",
			"sample_interval", s.SampleInterval,
			"duration", s.Duration,
		)
	}
	if s.Duration >= a.MaxDuration && a.MaxDuration > 0 {
		slog.Warn("silence.duration is not shorter than audio.max_duration; recordings will only end manually or at the ceiling",
			"silence_duration", s.Duration,
			"max_duration", a.MaxDuration,
		)
	}

	// Connection
	c := cfg.Connection
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("connection.max_attempts %d must not be negative", c.MaxAttempts))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("connection.base_delay %s must be positive", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("connection.max_delay %s must not be shorter than connection.base_delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connection.dial_timeout %s must be positive", c.DialTimeout))
	}
	if c.KeepaliveInterval > 0 && c.KeepaliveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connection.keepalive_timeout %s must be positive when keepalive is enabled", c.KeepaliveTimeout))
	}

	// Live
	if cfg.Live.MaxMessageBytes < 1024 {
		errs = append(errs, fmt.Errorf("live.max_message_bytes %d must be at least 1024", cfg.Live.MaxMessageBytes))
	}

	// Token
	t := cfg.Token
	switch {
	case !t.Mode.IsValid():
		errs = append(errs, fmt.Errorf("token.mode %q is invalid; valid values: static, http", t.Mode))
	case t.Mode == TokenStatic && t.APIKey == "":
		errs = append(errs, fmt.Errorf("token.api_key is required in static mode (or set %s)", envAPIKey))
	case t.Mode == TokenHTTP && t.Endpoint == "":
		errs = append(errs, errors.New("token.endpoint is required in http mode"))
	case t.Mode == TokenHTTP && t.AccessToken == "":
		slog.Warn("token.access_token is empty; the token endpoint will be called without user authentication")
	}
	if t.TTL < 0 {
		errs = append(errs, fmt.Errorf("token.ttl %s must not be negative", t.TTL))
	}

	// Chat
	if cfg.Chat.Quiet && cfg.Chat.PostgresDSN == "" {
		slog.Warn("chat.quiet is set and chat.postgres_dsn is empty; assistant replies will not be kept anywhere")
	}

	return errors.Join(errs...)
}
