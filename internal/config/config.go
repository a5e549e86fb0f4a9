// Package config loads and holds the anonymizer configuration.
// Values are layered: built-in defaults, then .env, then anonymizer.yaml,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"text-anonymizer/internal/anonymizer"
	"text-anonymizer/internal/detector/huggingface"
	"text-anonymizer/internal/logger"
	"text-anonymizer/internal/metrics"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "anonymizer.yaml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the full anonymizer configuration.
type Config struct {
	HFToken    string        `yaml:"hf_token"`
	HFModel    string        `yaml:"hf_model"`
	HFAPIURL   string        `yaml:"hf_api_url"`
	HFTimeout  time.Duration `yaml:"hf_timeout"`
	HFMinScore float64       `yaml:"hf_min_score"`
	HFCaseHint bool          `yaml:"hf_case_hint"`

	ListenAddress string `yaml:"listen_address"`
	APIToken      string `yaml:"api_token"`
	LogLevel      string `yaml:"log_level"`

	AllowDegraded    bool `yaml:"allow_degraded"`
	NormalizeNFKC    bool `yaml:"normalize_nfkc"`
	CaseAwarePersons bool `yaml:"case_aware_persons"`
	MaxTextBytes     int  `yaml:"max_text_bytes"`

	// CachePath enables the persistent detection cache; empty keeps the
	// cache in memory only.
	CachePath     string `yaml:"cache_path"`
	CacheCapacity int    `yaml:"cache_capacity"`

	// Placeholders overrides the placeholder text per label name.
	Placeholders map[string]string `yaml:"placeholders"`
}

// Load returns config with defaults overridden by .env, the YAML file at
// path and environment variables. A missing file is not an error.
func Load(path string, log *logger.Logger) (*Config, error) {
	cfg := defaults()

	if err := godotenv.Load(); err == nil {
		log.Info("load", "Loaded .env")
	}
	if path == "" {
		path = DefaultFile
	}
	if err := loadFile(cfg, path, log); err != nil {
		return nil, err
	}
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HFModel:          huggingface.DefaultModel,
		HFAPIURL:         huggingface.DefaultAPIURL,
		HFTimeout:        10 * time.Second,
		ListenAddress:    "127.0.0.1:8090",
		LogLevel:         "info",
		CaseAwarePersons: true,
		MaxTextBytes:     1 << 20,
		CacheCapacity:    10000,
	}
}

func loadFile(cfg *Config, path string, log *logger.Logger) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // file is optional
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
	}
	log.Infof("load", "Loaded %s", path)
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("HF_TOKENS"); v != "" {
		cfg.HFToken = v
	}
	if v := os.Getenv("HF_MODEL"); v != "" {
		cfg.HFModel = v
	}
	if v := os.Getenv("HF_API_URL"); v != "" {
		cfg.HFAPIURL = v
	}
	if v := os.Getenv("HF_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HFTimeout = d
		}
	}
	if v := os.Getenv("HF_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HFMinScore = f
		}
	}
	envBool("HF_CASE_HINT", &cfg.HFCaseHint)
	if v := os.Getenv("LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	envBool("ALLOW_DEGRADED", &cfg.AllowDegraded)
	envBool("NORMALIZE_NFKC", &cfg.NormalizeNFKC)
	envBool("CASE_AWARE_PERSONS", &cfg.CaseAwarePersons)
	envInt("MAX_TEXT_BYTES", &cfg.MaxTextBytes)
	if v, ok := os.LookupEnv("CACHE_PATH"); ok {
		cfg.CachePath = v
	}
	envInt("CACHE_CAPACITY", &cfg.CacheCapacity)
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch {
	case c.HFModel == "":
		return fmt.Errorf("%w: hf_model is empty", ErrInvalid)
	case c.HFTimeout <= 0:
		return fmt.Errorf("%w: hf_timeout must be positive, got %s", ErrInvalid, c.HFTimeout)
	case c.HFMinScore < 0 || c.HFMinScore > 1:
		return fmt.Errorf("%w: hf_min_score must be within [0,1], got %g", ErrInvalid, c.HFMinScore)
	case c.ListenAddress == "":
		return fmt.Errorf("%w: listen_address is empty", ErrInvalid)
	case c.MaxTextBytes < 0:
		return fmt.Errorf("%w: max_text_bytes must not be negative", ErrInvalid)
	case c.CacheCapacity <= 0:
		return fmt.Errorf("%w: cache_capacity must be positive", ErrInvalid)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}
	if _, err := anonymizer.ParsePlaceholders(c.Placeholders); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// DetectionEnabled reports whether a Hugging Face token is configured.
func (c *Config) DetectionEnabled() bool {
	return c.HFToken != ""
}

// AnonymizerOptions builds the core options. Call Validate first.
func (c *Config) AnonymizerOptions(log *logger.Logger, m *metrics.Metrics) anonymizer.Options {
	ph, _ := anonymizer.ParsePlaceholders(c.Placeholders)
	return anonymizer.Options{
		Placeholders:     ph,
		AllowDegraded:    c.AllowDegraded,
		CaseAwarePersons: c.CaseAwarePersons,
		Normalize:        c.NormalizeNFKC,
		MaxTextBytes:     c.MaxTextBytes,
		Logger:           log,
		Metrics:          m,
	}
}

// Detector builds the Hugging Face client described by the configuration.
func (c *Config) Detector(log *logger.Logger) *huggingface.Client {
	client := huggingface.New(c.HFAPIURL, c.HFModel, c.HFToken, c.HFTimeout)
	client.MinScore = c.HFMinScore
	client.CaseHint = c.HFCaseHint
	client.Log = log
	return client
}

// CacheNamespace identifies the detector settings that shape returned spans,
// so cached results never outlive a change to any of them.
func (c *Config) CacheNamespace() string {
	return fmt.Sprintf("%s|min_score=%g|case_hint=%t", c.HFModel, c.HFMinScore, c.HFCaseHint)
}
