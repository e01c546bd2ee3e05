package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EmailPageSize != 100 {
		t.Errorf("EmailPageSize = %d, want 100", cfg.EmailPageSize)
	}
	if cfg.EmailMaxContacts != 50 || cfg.EmailMaxPerContact != 200 {
		t.Errorf("cache limits = %d/%d, want 50/200", cfg.EmailMaxContacts, cfg.EmailMaxPerContact)
	}
	if cfg.EmailCleanupInterval != 5*time.Minute {
		t.Errorf("EmailCleanupInterval = %v", cfg.EmailCleanupInterval)
	}
	if cfg.SyncAccountStagger != 250*time.Millisecond {
		t.Errorf("SyncAccountStagger = %v", cfg.SyncAccountStagger)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EMAIL_PAGE_SIZE", "25")
	t.Setenv("EMAIL_SETTLE_DELAY", "1500ms")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EmailPageSize != 25 {
		t.Errorf("EmailPageSize = %d", cfg.EmailPageSize)
	}
	if cfg.EmailSettleDelay != 1500*time.Millisecond {
		t.Errorf("EmailSettleDelay = %v", cfg.EmailSettleDelay)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero page size", map[string]string{"EMAIL_PAGE_SIZE": "0"}},
		{"unknown dispatch", map[string]string{"SYNC_DISPATCH": "kafka"}},
		{"stream without redis", map[string]string{"SYNC_DISPATCH": "stream", "REDIS_URL": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEncryptionKeyFallsBackToJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("ENCRYPTION_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EncryptionKey != "jwt-secret" {
		t.Errorf("EncryptionKey = %q, want jwt-secret", cfg.EncryptionKey)
	}

	t.Setenv("ENCRYPTION_KEY", "dedicated")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EncryptionKey != "dedicated" {
		t.Errorf("EncryptionKey = %q, want dedicated", cfg.EncryptionKey)
	}
}
