// Package config holds the named, enumerable settings of the detection
// engine. Defaults can be overridden by a YAML config file and, on top of
// that, by SMISHGUARD_* environment variables. There is no other implicit
// environment-dependent behavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smishguard/smishguard/pkg/detection"
)

// OracleProvider defines the backend LLM service type
type OracleProvider string

const (
	ProviderOllama     OracleProvider = "ollama"     // Local Ollama server (default)
	ProviderOpenRouter OracleProvider = "openrouter" // OpenRouter (has free tier)
	ProviderGroq       OracleProvider = "groq"       // Groq (high-speed inference)
	ProviderCustom     OracleProvider = "custom"     // Custom OpenAI-compatible endpoint
	ProviderNone       OracleProvider = "none"       // No oracle, heuristics only
)

// StorageBackend selects the persistence implementation.
type StorageBackend string

const (
	StorageJSON     StorageBackend = "json"     // one JSON file per detection (default)
	StoragePostgres StorageBackend = "postgres" // pgx-backed store, same contract
)

// Config holds global settings for the detection engine.
// All settings can be configured via YAML file, environment variables, or
// programmatically.
type Config struct {
	// === Detection Thresholds (0.0 - 1.0) ===
	// HighThreshold gates every early exit; the comparison is strict `>`.
	HighThreshold float64 `yaml:"high_threshold"`
	LowThreshold  float64 `yaml:"low_threshold"`

	// === Stage Weights ===
	// Weight table used by the aggregator. The behavior weight stays in the
	// table even when the stage is disabled; a disabled stage records no
	// results so its weight is inert.
	Weights map[detection.StageID]float64 `yaml:"weights"`

	// === Oracle Configuration ===
	OracleProvider OracleProvider `yaml:"oracle_provider"`
	OracleModel    string         `yaml:"oracle_model"`
	OracleBaseURL  string         `yaml:"oracle_base_url"`
	OracleAPIKey   string         `yaml:"oracle_api_key"`
	OracleTimeout  time.Duration  `yaml:"oracle_timeout"`

	// === External Call Timeouts ===
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`   // page/header fetches
	BrowserTimeout time.Duration `yaml:"browser_timeout"` // behavior stage page loads
	WhoisTimeout   time.Duration `yaml:"whois_timeout"`

	// === Feature Flags ===
	EnableBehavior bool `yaml:"enable_behavior"` // headless-browser stage
	EnableWhois    bool `yaml:"enable_whois"`
	EnableGeo      bool `yaml:"enable_geo"`      // sender phone + host IP lookup
	EnableSemantic bool `yaml:"enable_semantic"` // chromem similarity index

	// === Storage ===
	StorageBackend StorageBackend `yaml:"storage_backend"`
	DetectionsDir  string         `yaml:"detections_dir"`
	ReportsDir     string         `yaml:"reports_dir"`
	PostgresURL    string         `yaml:"postgres_url"`
	RetentionDays  int            `yaml:"retention_days"`

	// === Cache ===
	RedisAddr string        `yaml:"redis_addr"` // empty = cache disabled
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	// === HTTP Fetching ===
	UserAgent string `yaml:"user_agent"`

	// === Server ===
	MaxConcurrentScans int `yaml:"max_concurrent_scans"`

	// LegitimateDomains are well-known brand domains used by the brand
	// impersonation check.
	LegitimateDomains []string `yaml:"legitimate_domains"`

	// ModelPath points at a local ONNX classifier directory for the offline
	// message-stage fallback. Empty = auto-detect under ./models.
	ModelPath string `yaml:"model_path"`
}

// DefaultWeights returns the default stage weight table. Ordering is
// deliberate: message < url > content > metadata, with behavior highest.
func DefaultWeights() map[detection.StageID]float64 {
	return map[detection.StageID]float64{
		detection.StageMessage:  0.8,
		detection.StageURL:      1.0,
		detection.StageContent:  0.9,
		detection.StageMetadata: 0.7,
		detection.StageBehavior: 1.2,
	}
}

// defaultLegitimateDomains are common brands compared against fetched page
// titles for impersonation detection.
var defaultLegitimateDomains = []string{
	"google.com", "amazon.com", "facebook.com", "microsoft.com",
	"apple.com", "paypal.com", "netflix.com", "instagram.com",
	"twitter.com", "linkedin.com", "github.com", "stackoverflow.com",
}

// NewDefaultConfig creates a Config with documented defaults, then applies
// SMISHGUARD_* environment overrides.
func NewDefaultConfig() *Config {
	cfg := &Config{
		HighThreshold: 0.8,
		LowThreshold:  0.3,
		Weights:       DefaultWeights(),

		OracleProvider: detectOracleProvider(),
		OracleModel:    GetEnv("SMISHGUARD_ORACLE_MODEL", "deepseek-r1:7b"),
		OracleBaseURL:  GetEnv("SMISHGUARD_ORACLE_BASE_URL", ""),
		OracleAPIKey:   GetEnv("SMISHGUARD_ORACLE_API_KEY", os.Getenv("OPENROUTER_API_KEY")),
		OracleTimeout:  30 * time.Second,

		FetchTimeout:   10 * time.Second,
		BrowserTimeout: 15 * time.Second,
		WhoisTimeout:   10 * time.Second,

		EnableBehavior: GetEnvBool("SMISHGUARD_ENABLE_BEHAVIOR", false),
		EnableWhois:    GetEnvBool("SMISHGUARD_ENABLE_WHOIS", true),
		EnableGeo:      GetEnvBool("SMISHGUARD_ENABLE_GEO", true),
		EnableSemantic: GetEnvBool("SMISHGUARD_ENABLE_SEMANTIC", false),

		StorageBackend: StorageBackend(GetEnv("SMISHGUARD_STORAGE", string(StorageJSON))),
		DetectionsDir:  GetEnv("SMISHGUARD_DETECTIONS_DIR", "detections"),
		ReportsDir:     GetEnv("SMISHGUARD_REPORTS_DIR", "reports"),
		PostgresURL:    GetEnv("SMISHGUARD_POSTGRES_URL", ""),
		RetentionDays:  GetEnvInt("SMISHGUARD_RETENTION_DAYS", 30),

		RedisAddr: GetEnv("SMISHGUARD_REDIS_ADDR", ""),
		CacheTTL:  time.Duration(GetEnvInt("SMISHGUARD_CACHE_TTL_SECONDS", 3600)) * time.Second,

		UserAgent: GetEnv("SMISHGUARD_USER_AGENT",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),

		MaxConcurrentScans: GetEnvInt("SMISHGUARD_MAX_CONCURRENT_SCANS", 8),

		LegitimateDomains: GetEnvSlice("SMISHGUARD_LEGITIMATE_DOMAINS", defaultLegitimateDomains),

		ModelPath: GetEnv("SMISHGUARD_MODEL_PATH", ""),
	}

	cfg.HighThreshold = GetEnvFloat("SMISHGUARD_HIGH_THRESHOLD", cfg.HighThreshold)
	cfg.LowThreshold = GetEnvFloat("SMISHGUARD_LOW_THRESHOLD", cfg.LowThreshold)
	if t := GetEnvInt("SMISHGUARD_ORACLE_TIMEOUT_MS", 0); t > 0 {
		cfg.OracleTimeout = time.Duration(t) * time.Millisecond
	}
	if t := GetEnvInt("SMISHGUARD_FETCH_TIMEOUT_MS", 0); t > 0 {
		cfg.FetchTimeout = time.Duration(t) * time.Millisecond
	}
	if t := GetEnvInt("SMISHGUARD_BROWSER_TIMEOUT_MS", 0); t > 0 {
		cfg.BrowserTimeout = time.Duration(t) * time.Millisecond
	}

	return cfg
}

// LoadFile layers a YAML config file under the environment overrides:
// file values replace defaults, then the environment is re-applied on top.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	// Env wins over the file so deployments can override without editing it.
	env := NewDefaultConfig()
	if v := os.Getenv("SMISHGUARD_HIGH_THRESHOLD"); v != "" {
		cfg.HighThreshold = env.HighThreshold
	}
	if v := os.Getenv("SMISHGUARD_STORAGE"); v != "" {
		cfg.StorageBackend = env.StorageBackend
	}
	if v := os.Getenv("SMISHGUARD_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = env.RedisAddr
	}
	if v := os.Getenv("SMISHGUARD_ORACLE_MODEL"); v != "" {
		cfg.OracleModel = env.OracleModel
	}
	return cfg, nil
}

// Validate checks setting consistency before the pipeline starts.
func (c *Config) Validate() error {
	if c.HighThreshold <= 0 || c.HighThreshold > 1 {
		return fmt.Errorf("high_threshold %.2f out of range (0,1]", c.HighThreshold)
	}
	if c.LowThreshold < 0 || c.LowThreshold >= c.HighThreshold {
		return fmt.Errorf("low_threshold %.2f must be in [0, high_threshold)", c.LowThreshold)
	}
	for _, id := range detection.AllStages {
		if w, ok := c.Weights[id]; !ok || w <= 0 {
			return fmt.Errorf("missing or non-positive weight for stage %s", id)
		}
	}
	if c.StorageBackend == StoragePostgres && c.PostgresURL == "" {
		return fmt.Errorf("storage_backend postgres requires postgres_url")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	return nil
}

func detectOracleProvider() OracleProvider {
	if p := os.Getenv("SMISHGUARD_ORACLE_PROVIDER"); p != "" {
		return OracleProvider(p)
	}
	if os.Getenv("GROQ_API_KEY") != "" {
		return ProviderGroq
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" || os.Getenv("SMISHGUARD_ORACLE_API_KEY") != "" {
		return ProviderOpenRouter
	}
	// Default to Ollama (local) if no cloud keys found
	return ProviderOllama
}

// Helper functions for environment variable parsing

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvSlice returns a comma-separated list from an environment variable or a default value.
func GetEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
