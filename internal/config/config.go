package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

// DefaultMatchThreshold is used when neither the profile, the overrides file
// nor the embedding model define a threshold.
const DefaultMatchThreshold = 0.45

type Config struct {
	Database   DatabaseConfig
	Detector   DetectorConfig
	Identity   IdentityConfig
	Web        WebConfig
	Thresholds ThresholdsConfig
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWEnabled   bool   // narrow candidates through an in-memory HNSW graph instead of pgvector
	HNSWIndexPath string // Directory to persist per-profile HNSW person indexes (optional)
}

type DetectorConfig struct {
	URL string // defaults to http://localhost:8000
}

type IdentityConfig struct {
	EmbeddingModel          string  // selects the model default threshold (default buffalo_l)
	EmbeddingDim            int     // expected embedding length (default 512)
	MatchThreshold          float64 // 0 means use the model default
	EmbeddingRefresh        string  // "mean" or "none"
	CandidateLimit          int     // 0 scans every active person
	DominanceRatio          float64 // share of evidence appearances required for promotion
	DominanceMinAppearances int     // minimum distinct sources before promotion is considered
	CollaboratorEscalation  int     // mentions before occasional becomes frequent collaborator
	ConfidenceHalfLife      float64 // appearances at which identity confidence reaches 0.5
	ThresholdsFile          string  // YAML file with per-profile threshold overrides
}

type WebConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string // CORS origins besides localhost
}

type ThresholdsConfig struct {
	Models   map[string]ModelThreshold `yaml:"models"`
	Profiles map[string]float64        `yaml:"profiles"`
}

type ModelThreshold struct {
	MatchThreshold float64 `yaml:"match_threshold"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a positive float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated environment variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func Load() *Config {
	var thresholds ThresholdsConfig
	if err := yaml.Unmarshal(thresholdsYAML, &thresholds); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWEnabled:   envBool("HNSW_INDEX_ENABLED", false),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Detector: DetectorConfig{
			URL: os.Getenv("DETECTOR_URL"),
		},
		Identity: IdentityConfig{
			EmbeddingModel:          envString("IDENTITY_EMBEDDING_MODEL", "buffalo_l"),
			EmbeddingDim:            envInt("IDENTITY_EMBEDDING_DIM", 512),
			MatchThreshold:          envFloat("IDENTITY_MATCH_THRESHOLD", 0),
			EmbeddingRefresh:        envString("IDENTITY_EMBEDDING_REFRESH", "mean"),
			CandidateLimit:          envInt("IDENTITY_CANDIDATE_LIMIT", 0),
			DominanceRatio:          envFloat("IDENTITY_DOMINANCE_RATIO", 0.6),
			DominanceMinAppearances: envInt("IDENTITY_DOMINANCE_MIN_APPEARANCES", 3),
			CollaboratorEscalation:  envInt("IDENTITY_COLLABORATOR_ESCALATION", 3),
			ConfidenceHalfLife:      envFloat("IDENTITY_CONFIDENCE_HALF_LIFE", 3),
			ThresholdsFile:          os.Getenv("IDENTITY_THRESHOLDS_FILE"),
		},
		Web: WebConfig{
			Port:           envInt("WEB_PORT", 8080),
			Host:           envString("WEB_HOST", "0.0.0.0"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Thresholds: thresholds,
	}

	if cfg.Identity.ThresholdsFile != "" {
		if err := cfg.Thresholds.MergeFile(cfg.Identity.ThresholdsFile); err != nil {
			// A broken overrides file must not silently fall back to defaults
			panic(err.Error())
		}
	}
	return cfg
}

// MergeFile reads a YAML overrides file and merges its entries over the current ones.
func (t *ThresholdsConfig) MergeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read thresholds file: %w", err)
	}
	var overrides ThresholdsConfig
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse thresholds file %s: %w", path, err)
	}
	if t.Models == nil {
		t.Models = make(map[string]ModelThreshold)
	}
	if t.Profiles == nil {
		t.Profiles = make(map[string]float64)
	}
	for model, mt := range overrides.Models {
		t.Models[model] = mt
	}
	for profileID, threshold := range overrides.Profiles {
		t.Profiles[profileID] = threshold
	}
	return nil
}

// MatchThreshold resolves the similarity threshold for a profile scope.
// Precedence: the profile's own override, the overrides file, the global
// IDENTITY_MATCH_THRESHOLD, the embedding model default, DefaultMatchThreshold.
func (c *Config) MatchThreshold(profileID string, profileOverride float64) float64 {
	if profileOverride > 0 {
		return profileOverride
	}
	if t, ok := c.Thresholds.Profiles[profileID]; ok && t > 0 {
		return t
	}
	if c.Identity.MatchThreshold > 0 {
		return c.Identity.MatchThreshold
	}
	if mt, ok := c.Thresholds.Models[c.Identity.EmbeddingModel]; ok && mt.MatchThreshold > 0 {
		return mt.MatchThreshold
	}
	return DefaultMatchThreshold
}
