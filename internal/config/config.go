// Package config loads aaarefine settings from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"aaarefine/internal/refine"
	"aaarefine/internal/sanitize"
	"aaarefine/internal/usage"
	"aaarefine/internal/verdict"
)

// Providers.
const (
	ProviderOpenAI     = "openai"
	ProviderCompatible = "compatible"
)

// Config is the full configuration.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Refine   RefineConfig   `yaml:"refine"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Paths    PathsConfig    `yaml:"paths"`
	Workers  int            `yaml:"workers" validate:"gte=1,lte=64"`
	Debug    bool           `yaml:"debug"`
}

// ModelConfig selects and tunes the model gateway.
type ModelConfig struct {
	Provider          string        `yaml:"provider" validate:"oneof=openai compatible"`
	Name              string        `yaml:"name" validate:"required"`
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey            string        `yaml:"api_key"`
	MaxTokens         int           `yaml:"max_tokens" validate:"gt=0"`
	ReasoningEffort   string        `yaml:"reasoning_effort" validate:"omitempty,oneof=low medium high"`
	Temperature       float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Pricing           usage.Pricing `yaml:"pricing"`
}

// RefineConfig bounds the refinement loops.
type RefineConfig struct {
	MaxOuterIterations int    `yaml:"max_outer_iterations" validate:"gte=1,lte=50"`
	MaxInnerAttempts   int    `yaml:"max_inner_attempts" validate:"gte=1,lte=20"`
	Mode               string `yaml:"mode" validate:"oneof=aaa smell"`
}

// SanitizeConfig tunes the candidate sanitizer.
type SanitizeConfig struct {
	MaxEditRatio float64 `yaml:"max_edit_ratio" validate:"gt=0,lte=1"`
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	Prompts  string `yaml:"prompts"`
	Data     string `yaml:"data" validate:"required"`
	Output   string `yaml:"output" validate:"required"`
	Database string `yaml:"database"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Provider:        ProviderOpenAI,
			Name:            "o4-mini",
			MaxTokens:       20000,
			ReasoningEffort: "medium",
			Timeout:         refine.DefaultCallTimeout,
			Pricing:         usage.DefaultPricing(),
		},
		Refine: RefineConfig{
			MaxOuterIterations: refine.DefaultMaxOuterIterations,
			MaxInnerAttempts:   refine.DefaultMaxInnerAttempts,
			Mode:               "aaa",
		},
		Sanitize: SanitizeConfig{
			MaxEditRatio: sanitize.DefaultMaxEditRatio,
		},
		Paths: PathsConfig{
			Prompts: "prompts",
			Data:    "data",
			Output:  "output",
		},
		Workers: 4,
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any,
// and then with the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if cfg.Paths.Database == "" {
		cfg.Paths.Database = filepath.Join(cfg.Paths.Output, "aaarefine.db")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("OPENAI_REASONING_EFFORT"); v != "" {
		cfg.Model.ReasoningEffort = v
	}
	if v := os.Getenv("OPENAI_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OPENAI_MAX_TOKENS %q: %w", v, err)
		}
		cfg.Model.MaxTokens = n
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("AAAREFINE_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	return nil
}

var validate = validator.New()

// ErrBaseURLRequired is returned when the compatible provider has no URL.
var ErrBaseURLRequired = errors.New("model.base_url is required for the compatible provider")

// Validate checks field ranges and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Model.Provider == ProviderCompatible && c.Model.BaseURL == "" {
		return ErrBaseURLRequired
	}
	return nil
}

// Mode returns the validation mode.
func (c Config) Mode() verdict.Mode {
	m, _ := verdict.ParseMode(c.Refine.Mode)
	return m
}

// RefineConfig returns the controller bounds.
func (c Config) RefineConfig() refine.Config {
	return refine.Config{
		MaxOuterIterations: c.Refine.MaxOuterIterations,
		MaxInnerAttempts:   c.Refine.MaxInnerAttempts,
		CallTimeout:        c.Model.Timeout,
		Mode:               c.Mode(),
		Pricing:            c.Model.Pricing,
	}
}
