package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VOXLOOP_API_KEYS", "vk_test:owner-1")
	t.Setenv("GEMINI_API_KEY", "gm_test")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Model != "gemini-2.0-flash" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Errorf("ShutdownGracePeriod = %s", cfg.ShutdownGracePeriod)
	}
	if cfg.RateRPS != 5 || cfg.RateBurst != 10 {
		t.Errorf("rate limits = %v/%d", cfg.RateRPS, cfg.RateBurst)
	}
	if cfg.MaxConcurrentStreams != 2 {
		t.Errorf("MaxConcurrentStreams = %d", cfg.MaxConcurrentStreams)
	}
	if owner := cfg.APIKeys["vk_test"]; owner != "owner-1" {
		t.Errorf("owner for key = %q", owner)
	}
}

func TestLoadFromEnvKeyFormats(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VOXLOOP_API_KEYS", "vk_a:alice, vk_b , :orphan")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if owner := cfg.APIKeys["vk_a"]; owner != "alice" {
		t.Errorf("vk_a owner = %q", owner)
	}
	// A bare key owns itself.
	if owner := cfg.APIKeys["vk_b"]; owner != "vk_b" {
		t.Errorf("vk_b owner = %q", owner)
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("key count = %d", len(cfg.APIKeys))
	}
}

func TestLoadFromEnvRequiresKeys(t *testing.T) {
	t.Setenv("VOXLOOP_API_KEYS", "")
	t.Setenv("GEMINI_API_KEY", "gm_test")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing api keys")
	}
}

func TestLoadFromEnvRequiresGeminiKey(t *testing.T) {
	t.Setenv("VOXLOOP_API_KEYS", "vk_test")
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing gemini key")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VOXLOOP_ADDR", "127.0.0.1:9090")
	t.Setenv("VOXLOOP_CORS_ORIGINS", "https://app.example.com,https://other.example.com")
	t.Setenv("VOXLOOP_READ_TIMEOUT", "45s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://app.example.com"]; !ok {
		t.Error("missing cors origin")
	}
	if cfg.ReadTimeout != 45*time.Second {
		t.Errorf("ReadTimeout = %s", cfg.ReadTimeout)
	}
}

func TestLoadFromEnvInvalidDurationFallsBack(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VOXLOOP_READ_TIMEOUT", "not-a-duration")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %s, want default", cfg.ReadTimeout)
	}
}
