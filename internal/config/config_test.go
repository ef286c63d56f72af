package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RequiresAdminKey(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "")
	if _, err := Load(nil); err == nil {
		t.Error("Load without ADMIN_API_KEY must fail")
	}
}

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "k")
	t.Setenv("PORT", "9999")
	t.Setenv("MAX_CYCLE_DEPTH", "6")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("PORT override lost: %s", cfg.Port)
	}
	if cfg.MaxCycleDepth != 6 {
		t.Errorf("MAX_CYCLE_DEPTH override lost: %d", cfg.MaxCycleDepth)
	}
	if cfg.MinEfficiency != 0.6 || cfg.RateLimitDiscoveryPerMin != 60 {
		t.Errorf("Defaults missing: %+v", cfg)
	}
}

func TestLoad_ConfigFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"adminApiKey":"from-file","port":"1111","minEfficiency":0.8}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADMIN_API_KEY", "")
	t.Setenv("PORT", "2222")

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminAPIKey != "from-file" {
		t.Errorf("File value lost: %s", cfg.AdminAPIKey)
	}
	if cfg.Port != "2222" {
		t.Errorf("Env must override file: %s", cfg.Port)
	}
	if cfg.MinEfficiency != 0.8 {
		t.Errorf("File override lost: %v", cfg.MinEfficiency)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "k")
	t.Setenv("MAX_CYCLE_DEPTH", "1")
	if _, err := Load(nil); err == nil {
		t.Error("MAX_CYCLE_DEPTH below 2 must fail validation")
	}

	t.Setenv("MAX_CYCLE_DEPTH", "10")
	t.Setenv("MIN_EFFICIENCY", "1.5")
	if _, err := Load(nil); err == nil {
		t.Error("MIN_EFFICIENCY above 1 must fail validation")
	}
}
