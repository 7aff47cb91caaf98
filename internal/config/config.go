// Package config loads toolguard configuration from YAML, .env files and
// the process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"toolguard/internal/logging"
)

// Config holds all toolguard configuration.
type Config struct {
	// Target application name (catalog app name is used when empty)
	App string `yaml:"app"`

	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Retry    RetryConfig    `yaml:"retry"`
	Verify   VerifyConfig   `yaml:"verify"`
	Output   OutputConfig   `yaml:"output"`
	Logging  logging.Config `yaml:"logging"`
}

// LLMConfig selects and configures the code generator.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // anthropic, gemini
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// PipelineConfig bounds the synthesis pipeline.
type PipelineConfig struct {
	MaxIterations      int    `yaml:"max_iterations"`
	Concurrency        int    `yaml:"concurrency"`          // tools processed in parallel
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls"` // global generator semaphore
	GenerateTimeout    string `yaml:"generate_timeout"`
	VerifyTimeout      string `yaml:"verify_timeout"`
	BatchSize          int    `yaml:"batch_size"` // tools per mapper short-pass request
}

// RetryConfig controls backoff for generator capability errors.
type RetryConfig struct {
	MaxRetries  int    `yaml:"max_retries"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max"`
}

// VerifyConfig configures the verifier.
type VerifyConfig struct {
	FixturesDir    string   `yaml:"fixtures_dir"`
	TestTimeout    string   `yaml:"test_timeout"`
	AllowedImports []string `yaml:"allowed_imports,omitempty"` // added to the built-in allowlist
}

// OutputConfig configures where artifacts and the run log go.
type OutputConfig struct {
	Dir        string `yaml:"dir"`
	DB         string `yaml:"db"` // run log path, relative to Dir when not absolute
	SkipPassed bool   `yaml:"skip_passed"`
}

const (
	// MinIterations and MaxIterationsLimit bound max_iterations.
	MinIterations      = 1
	MaxIterationsLimit = 10

	recommendedMinIterations = 3
	recommendedMaxIterations = 6
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			MaxTokens:   8192,
			Temperature: 0.2,
		},
		Pipeline: PipelineConfig{
			MaxIterations:      4,
			Concurrency:        4,
			MaxConcurrentCalls: 4,
			GenerateTimeout:    "180s",
			VerifyTimeout:      "60s",
			BatchSize:          12,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BackoffBase: "1s",
			BackoffMax:  "30s",
		},
		Verify: VerifyConfig{
			FixturesDir: "fixtures",
			TestTimeout: "10s",
		},
		Output: OutputConfig{
			Dir: "guards",
			DB:  "toolguard.db",
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			logging.BootWarn("config file %s not found, using defaults", path)
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files %v: %w", existing, err)
	}
	logging.Boot("loaded env files %v", existing)
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Provider keys, lowest priority first
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if p := os.Getenv("TOOLGUARD_PROVIDER"); p != "" {
		c.LLM.Provider = strings.ToLower(p)
		switch c.LLM.Provider {
		case "anthropic":
			if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
				c.LLM.APIKey = key
			}
		case "gemini":
			if key := os.Getenv("GEMINI_API_KEY"); key != "" {
				c.LLM.APIKey = key
			}
		}
	}
	if m := os.Getenv("TOOLGUARD_MODEL"); m != "" {
		c.LLM.Model = m
	}
	if u := os.Getenv("TOOLGUARD_BASE_URL"); u != "" {
		c.LLM.BaseURL = u
	}
	if app := os.Getenv("TOOLGUARD_APP"); app != "" {
		c.App = app
	}
	if n, ok := envInt("TOOLGUARD_MAX_ITERATIONS"); ok {
		c.Pipeline.MaxIterations = n
	}
	if n, ok := envInt("TOOLGUARD_CONCURRENCY"); ok {
		c.Pipeline.Concurrency = n
	}
	if n, ok := envInt("TOOLGUARD_MAX_CONCURRENT_CALLS"); ok {
		c.Pipeline.MaxConcurrentCalls = n
	}
	if dir := os.Getenv("TOOLGUARD_OUTPUT_DIR"); dir != "" {
		c.Output.Dir = dir
	}
	if dir := os.Getenv("TOOLGUARD_FIXTURES_DIR"); dir != "" {
		c.Verify.FixturesDir = dir
	}
	if lvl := os.Getenv("TOOLGUARD_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logging.BootWarn("ignoring %s=%q: %v", key, raw, err)
		return 0, false
	}
	return n, true
}

// ValidProviders lists the supported generator providers.
var ValidProviders = []string{"anthropic", "gemini"}

// Validate validates the configuration. API keys are not required here;
// commands that never call a generator (verify, catalog) skip that check.
func (c *Config) Validate() error {
	valid := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.Pipeline.MaxIterations < MinIterations || c.Pipeline.MaxIterations > MaxIterationsLimit {
		return fmt.Errorf("max_iterations must be within %d..%d, got %d", MinIterations, MaxIterationsLimit, c.Pipeline.MaxIterations)
	}
	if c.Pipeline.MaxIterations < recommendedMinIterations || c.Pipeline.MaxIterations > recommendedMaxIterations {
		logging.BootWarn("max_iterations=%d is outside the recommended %d..%d range", c.Pipeline.MaxIterations, recommendedMinIterations, recommendedMaxIterations)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max_concurrent_calls must be positive, got %d", c.Pipeline.MaxConcurrentCalls)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	return nil
}

// RequireAPIKey fails when no key is configured for the selected provider.
func (c *Config) RequireAPIKey() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured for provider %s (set ANTHROPIC_API_KEY or GEMINI_API_KEY)", c.LLM.Provider)
	}
	return nil
}

// GetGenerateTimeout returns the per-call synthesis timeout.
func (c *Config) GetGenerateTimeout() time.Duration {
	return parseDuration(c.Pipeline.GenerateTimeout, 180*time.Second)
}

// GetVerifyTimeout returns the per-candidate verification timeout.
func (c *Config) GetVerifyTimeout() time.Duration {
	return parseDuration(c.Pipeline.VerifyTimeout, 60*time.Second)
}

// GetTestTimeout returns the per-fixture timeout.
func (c *Config) GetTestTimeout() time.Duration {
	return parseDuration(c.Verify.TestTimeout, 10*time.Second)
}

// GetBackoffBase returns the base retry backoff.
func (c *Config) GetBackoffBase() time.Duration {
	return parseDuration(c.Retry.BackoffBase, time.Second)
}

// GetBackoffMax returns the maximum retry backoff.
func (c *Config) GetBackoffMax() time.Duration {
	return parseDuration(c.Retry.BackoffMax, 30*time.Second)
}

// DBPath resolves the run log path against the output directory.
func (c *Config) DBPath() string {
	if c.Output.DB == "" || filepath.IsAbs(c.Output.DB) {
		return c.Output.DB
	}
	return filepath.Join(c.Output.Dir, c.Output.DB)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
