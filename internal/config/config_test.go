package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "DATABASE_MAX_OPEN_CONNS", "DATABASE_MAX_IDLE_CONNS", "HNSW_INDEX_ENABLED",
		"IDENTITY_MATCH_THRESHOLD", "IDENTITY_EMBEDDING_DIM", "IDENTITY_EMBEDDING_REFRESH",
		"IDENTITY_CANDIDATE_LIMIT", "IDENTITY_THRESHOLDS_FILE", "WEB_PORT", "WEB_HOST", "WEB_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("expected MaxOpenConns 25, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns != 5 {
		t.Errorf("expected MaxIdleConns 5, got %d", cfg.Database.MaxIdleConns)
	}
	if cfg.Identity.EmbeddingDim != 512 {
		t.Errorf("expected EmbeddingDim 512, got %d", cfg.Identity.EmbeddingDim)
	}
	if cfg.Identity.EmbeddingRefresh != "mean" {
		t.Errorf("expected EmbeddingRefresh mean, got %q", cfg.Identity.EmbeddingRefresh)
	}
	if cfg.Identity.CandidateLimit != 0 {
		t.Errorf("expected CandidateLimit 0, got %d", cfg.Identity.CandidateLimit)
	}
	if cfg.Database.HNSWEnabled {
		t.Error("expected the HNSW person index to be opt-in")
	}
	if cfg.Web.Port != 8080 || cfg.Web.Host != "0.0.0.0" {
		t.Errorf("unexpected web defaults: %+v", cfg.Web)
	}
	if _, ok := cfg.Thresholds.Models["buffalo_l"]; !ok {
		t.Error("expected embedded buffalo_l threshold")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "50")
	t.Setenv("IDENTITY_MATCH_THRESHOLD", "0.55")
	t.Setenv("IDENTITY_EMBEDDING_DIM", "128")
	t.Setenv("IDENTITY_EMBEDDING_REFRESH", "none")
	t.Setenv("IDENTITY_CANDIDATE_LIMIT", "20")
	t.Setenv("HNSW_INDEX_ENABLED", "true")
	t.Setenv("IDENTITY_THRESHOLDS_FILE", "")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://review.example.com, ,https://ops.example.com")

	cfg := Load()

	if cfg.Database.MaxOpenConns != 50 {
		t.Errorf("expected MaxOpenConns 50, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Identity.MatchThreshold != 0.55 {
		t.Errorf("expected MatchThreshold 0.55, got %f", cfg.Identity.MatchThreshold)
	}
	if cfg.Identity.EmbeddingDim != 128 {
		t.Errorf("expected EmbeddingDim 128, got %d", cfg.Identity.EmbeddingDim)
	}
	if cfg.Identity.EmbeddingRefresh != "none" {
		t.Errorf("expected EmbeddingRefresh none, got %q", cfg.Identity.EmbeddingRefresh)
	}
	if cfg.Identity.CandidateLimit != 20 {
		t.Errorf("expected CandidateLimit 20, got %d", cfg.Identity.CandidateLimit)
	}
	if !cfg.Database.HNSWEnabled {
		t.Error("expected HNSWEnabled true")
	}
	if len(cfg.Web.AllowedOrigins) != 2 || cfg.Web.AllowedOrigins[1] != "https://ops.example.com" {
		t.Errorf("unexpected AllowedOrigins %v", cfg.Web.AllowedOrigins)
	}
}

func TestEnvInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 7},
		{"valid", "42", 42},
		{"invalid", "abc", 7},
		{"negative", "-3", 7},
		{"zero", "0", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_ENV_INT", tt.value)
			if got := envInt("TEST_ENV_INT", 7); got != tt.want {
				t.Errorf("envInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEnvFloat(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  float64
	}{
		{"unset", "", 0.5},
		{"valid", "0.72", 0.72},
		{"invalid", "high", 0.5},
		{"negative", "-0.1", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_ENV_FLOAT", tt.value)
			if got := envFloat("TEST_ENV_FLOAT", 0.5); got != tt.want {
				t.Errorf("envFloat() = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	content := "models:\n  buffalo_l:\n    match_threshold: 0.5\nprofiles:\n  creator-1: 0.62\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	thresholds := ThresholdsConfig{
		Models: map[string]ModelThreshold{
			"buffalo_l":  {MatchThreshold: 0.45},
			"antelopev2": {MatchThreshold: 0.48},
		},
	}
	if err := thresholds.MergeFile(path); err != nil {
		t.Fatalf("MergeFile() error = %v", err)
	}

	if thresholds.Models["buffalo_l"].MatchThreshold != 0.5 {
		t.Errorf("expected buffalo_l override 0.5, got %f", thresholds.Models["buffalo_l"].MatchThreshold)
	}
	if thresholds.Models["antelopev2"].MatchThreshold != 0.48 {
		t.Error("expected untouched model threshold to survive merge")
	}
	if thresholds.Profiles["creator-1"] != 0.62 {
		t.Errorf("expected profile override 0.62, got %f", thresholds.Profiles["creator-1"])
	}
}

func TestMergeFile_Errors(t *testing.T) {
	var thresholds ThresholdsConfig
	if err := thresholds.MergeFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("profiles: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := thresholds.MergeFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestMatchThreshold_Precedence(t *testing.T) {
	cfg := &Config{
		Identity: IdentityConfig{EmbeddingModel: "buffalo_l"},
		Thresholds: ThresholdsConfig{
			Models:   map[string]ModelThreshold{"buffalo_l": {MatchThreshold: 0.45}},
			Profiles: map[string]float64{"creator-1": 0.6},
		},
	}

	tests := []struct {
		name      string
		profileID string
		override  float64
		global    float64
		model     string
		want      float64
	}{
		{"profile column wins", "creator-1", 0.7, 0.5, "buffalo_l", 0.7},
		{"overrides file", "creator-1", 0, 0.5, "buffalo_l", 0.6},
		{"global env", "creator-2", 0, 0.5, "buffalo_l", 0.5},
		{"model default", "creator-2", 0, 0, "buffalo_l", 0.45},
		{"fallback", "creator-2", 0, 0, "unknown-model", DefaultMatchThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Identity.MatchThreshold = tt.global
			cfg.Identity.EmbeddingModel = tt.model
			if got := cfg.MatchThreshold(tt.profileID, tt.override); got != tt.want {
				t.Errorf("MatchThreshold() = %f, want %f", got, tt.want)
			}
		})
	}
}
