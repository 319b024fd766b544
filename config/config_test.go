package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ALLOWED_ORIGINS", "SESSION_TTL", "REDIS_DB", "JWT_SECRET"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Errorf("SessionTTL = %v, want 24h", cfg.SessionTTL)
	}
	want := []string{"http://localhost:3000", "http://localhost:5173"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	if cfg.Redis.DB != 0 {
		t.Errorf("Redis.DB = %d, want 0", cfg.Redis.DB)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("SESSION_TTL", "90m")
	t.Setenv("REDIS_DB", "3")

	cfg := Load()
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want 9000", cfg.Port)
	}
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	if cfg.SessionTTL != 90*time.Minute {
		t.Errorf("SessionTTL = %v, want 90m", cfg.SessionTTL)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d, want 3", cfg.Redis.DB)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("SESSION_TTL", "soon")
	t.Setenv("REDIS_DB", "x")

	cfg := Load()
	if cfg.SessionTTL != 24*time.Hour {
		t.Errorf("SessionTTL = %v, want default", cfg.SessionTTL)
	}
	if cfg.Redis.DB != 0 {
		t.Errorf("Redis.DB = %d, want default", cfg.Redis.DB)
	}
}

func TestLoadParticipant(t *testing.T) {
	t.Setenv("SIGNALING_URL", "")
	t.Setenv("ICE_SERVERS", "stun:one:3478,turn:two:3478")

	cfg := LoadParticipant()
	if cfg.SignalingURL != "ws://localhost:8080" {
		t.Errorf("SignalingURL = %q", cfg.SignalingURL)
	}
	want := []string{"stun:one:3478", "turn:two:3478"}
	if !reflect.DeepEqual(cfg.ICEServers, want) {
		t.Errorf("ICEServers = %v, want %v", cfg.ICEServers, want)
	}
}
