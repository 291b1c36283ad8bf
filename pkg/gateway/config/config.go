package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// APIKeys maps bearer token to owner id. Every request must present
	// one of these keys.
	APIKeys map[string]string

	// DatabaseURL selects the Postgres store; empty runs in-memory.
	DatabaseURL string

	// NATSURL enables exchange lifecycle events; empty disables them.
	NATSURL string

	GeminiAPIKey string
	Model        string
	SystemPrompt string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxBodyBytes int64
	ListLimit    int

	// Per-key limits. RateRPS <= 0 disables rate limiting;
	// MaxConcurrentStreams <= 0 disables the stream cap.
	RateRPS              float64
	RateBurst            int
	MaxConcurrentStreams int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOXLOOP_ADDR", ":8080"),
		APIKeys:              make(map[string]string),
		DatabaseURL:          strings.TrimSpace(os.Getenv("VOXLOOP_DATABASE_URL")),
		NATSURL:              strings.TrimSpace(os.Getenv("VOXLOOP_NATS_URL")),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		Model:                envOr("VOXLOOP_MODEL", "gemini-2.0-flash"),
		SystemPrompt:         strings.TrimSpace(os.Getenv("VOXLOOP_SYSTEM_PROMPT")),
		CORSAllowedOrigins:   make(map[string]struct{}),
		MaxBodyBytes:         envInt64Or("VOXLOOP_MAX_BODY_BYTES", 1<<20), // 1 MiB
		ListLimit:            envIntOr("VOXLOOP_LIST_LIMIT", 50),
		RateRPS:              envFloatOr("VOXLOOP_RATE_RPS", 5),
		RateBurst:            envIntOr("VOXLOOP_RATE_BURST", 10),
		MaxConcurrentStreams: envIntOr("VOXLOOP_MAX_CONCURRENT_STREAMS", 2),
		ReadHeaderTimeout:    envDurationOr("VOXLOOP_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:          envDurationOr("VOXLOOP_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOXLOOP_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	// Keys are key:owner pairs; a bare key owns itself.
	for _, entry := range splitCSV(os.Getenv("VOXLOOP_API_KEYS")) {
		key, owner, found := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		owner = strings.TrimSpace(owner)
		if key == "" {
			continue
		}
		if !found || owner == "" {
			owner = key
		}
		cfg.APIKeys[key] = owner
	}

	for _, origin := range splitCSV(os.Getenv("VOXLOOP_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOXLOOP_API_KEYS must be set")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ListLimit <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_LIST_LIMIT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
