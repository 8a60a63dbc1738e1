package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smishguard/smishguard/pkg/detection"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.HighThreshold != 0.8 || cfg.LowThreshold != 0.3 {
		t.Errorf("thresholds = %.2f/%.2f, want 0.8/0.3", cfg.HighThreshold, cfg.LowThreshold)
	}
}

func TestDefaultWeightOrdering(t *testing.T) {
	w := DefaultWeights()

	if !(w[detection.StageMessage] < w[detection.StageURL]) {
		t.Error("message weight must be below url weight")
	}
	if !(w[detection.StageURL] > w[detection.StageContent]) {
		t.Error("url weight must exceed content weight")
	}
	if !(w[detection.StageContent] > w[detection.StageMetadata]) {
		t.Error("content weight must exceed metadata weight")
	}
	for id, v := range w {
		if id != detection.StageBehavior && v >= w[detection.StageBehavior] {
			t.Errorf("behavior must carry the highest weight; %s=%v >= %v", id, v, w[detection.StageBehavior])
		}
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"high threshold above one", func(c *Config) { c.HighThreshold = 1.5 }},
		{"low above high", func(c *Config) { c.LowThreshold = 0.9 }},
		{"missing stage weight", func(c *Config) { delete(c.Weights, detection.StageContent) }},
		{"postgres without url", func(c *Config) { c.StorageBackend = StoragePostgres; c.PostgresURL = "" }},
		{"zero retention", func(c *Config) { c.RetentionDays = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SMISHGUARD_HIGH_THRESHOLD", "0.9")
	t.Setenv("SMISHGUARD_RETENTION_DAYS", "7")
	t.Setenv("SMISHGUARD_ENABLE_BEHAVIOR", "true")

	cfg := NewDefaultConfig()
	if cfg.HighThreshold != 0.9 {
		t.Errorf("HighThreshold = %v, want 0.9", cfg.HighThreshold)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.RetentionDays)
	}
	if !cfg.EnableBehavior {
		t.Error("EnableBehavior should be true")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smishguard.yaml")
	content := []byte("high_threshold: 0.75\nretention_days: 14\ndetections_dir: /tmp/det\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.HighThreshold != 0.75 {
		t.Errorf("HighThreshold = %v, want 0.75 from file", cfg.HighThreshold)
	}
	if cfg.RetentionDays != 14 {
		t.Errorf("RetentionDays = %d, want 14 from file", cfg.RetentionDays)
	}
	if cfg.DetectionsDir != "/tmp/det" {
		t.Errorf("DetectionsDir = %q", cfg.DetectionsDir)
	}
	// Untouched settings keep their defaults.
	if cfg.LowThreshold != 0.3 {
		t.Errorf("LowThreshold = %v, want default 0.3", cfg.LowThreshold)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("SMISHGUARD_TEST_STR", "value")
	t.Setenv("SMISHGUARD_TEST_BOOL", "true")
	t.Setenv("SMISHGUARD_TEST_FLOAT", "0.42")
	t.Setenv("SMISHGUARD_TEST_INT", "17")
	t.Setenv("SMISHGUARD_TEST_SLICE", "a, b ,c")

	if got := GetEnv("SMISHGUARD_TEST_STR", "x"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("SMISHGUARD_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("GetEnv fallback = %q", got)
	}
	if !GetEnvBool("SMISHGUARD_TEST_BOOL", false) {
		t.Error("GetEnvBool should be true")
	}
	if got := GetEnvFloat("SMISHGUARD_TEST_FLOAT", 0); got != 0.42 {
		t.Errorf("GetEnvFloat = %v", got)
	}
	if got := GetEnvInt("SMISHGUARD_TEST_INT", 0); got != 17 {
		t.Errorf("GetEnvInt = %v", got)
	}
	got := GetEnvSlice("SMISHGUARD_TEST_SLICE", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("GetEnvSlice = %v", got)
	}
}
