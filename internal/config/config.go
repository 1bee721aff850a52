// Package config provides configuration loading for latex-ocr.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spherical/latex-ocr/internal/domain"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// Config holds all configuration for latex-ocr.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Loop          LoopConfig          `yaml:"loop"`
	Compiler      CompilerConfig      `yaml:"compiler"`
	Cache         CacheConfig         `yaml:"cache"`
	Store         StoreConfig         `yaml:"store"`
	Output        OutputConfig        `yaml:"output"`
	Batch         BatchConfig         `yaml:"batch"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LLMConfig holds vision model settings.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // openrouter or anthropic
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	MaxImageDimension int           `yaml:"max_image_dimension"`
	Stream            bool          `yaml:"stream"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig holds backoff settings for transient API failures.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// LoopConfig holds verification loop settings.
type LoopConfig struct {
	MaxIterations       int     `yaml:"max_iterations"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// CompilerConfig holds LaTeX toolchain settings.
type CompilerConfig struct {
	EngineCommand  string        `yaml:"engine_command"`
	ConvertCommand string        `yaml:"convert_command"`
	DPI            int           `yaml:"dpi"`
	Format         string        `yaml:"format"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	FallbackWidth  int           `yaml:"fallback_width"`
	FallbackHeight int           `yaml:"fallback_height"`
	ExcerptLength  int           `yaml:"excerpt_length"`
}

// CacheConfig holds render cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory, redis or none
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// StoreConfig holds run history database settings.
type StoreConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// OutputConfig holds artifact output settings.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// BatchConfig holds batch processing settings.
type BatchConfig struct {
	Workers    int      `yaml:"workers"`
	Extensions []string `yaml:"extensions"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsFile string `yaml:"metrics_file"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with the reference defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:          "openrouter",
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "google/gemini-2.5-flash",
			MaxTokens:         8000,
			Temperature:       0.1,
			CallTimeout:       domain.DefaultCallTimeout,
			MaxImageDimension: 2048,
			Stream:            true,
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		Loop: LoopConfig{
			MaxIterations:       domain.DefaultMaxIterations,
			SimilarityThreshold: domain.DefaultSimilarityThreshold,
		},
		Compiler: CompilerConfig{
			EngineCommand:  "pdflatex",
			ConvertCommand: "convert",
			DPI:            300,
			Format:         "png",
			ProcessTimeout: 60 * time.Second,
			FallbackWidth:  800,
			FallbackHeight: 600,
			ExcerptLength:  200,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        24 * time.Hour,
			MaxEntries: 256,
			MaxBytes:   256 << 20,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Store: StoreConfig{
			Enabled: true,
			Driver:  "sqlite",
			SQLite: SQLiteConfig{
				Path: "output/latex-ocr.db",
			},
			Postgres: PostgresConfig{
				MaxOpenConns: 10,
			},
		},
		Output: OutputConfig{
			Dir: "output",
		},
		Batch: BatchConfig{
			Workers:    1,
			Extensions: []string{".png", ".jpg", ".jpeg", ".bmp", ".gif", ".tiff"},
		},
		Server: ServerConfig{
			Addr:             ":8080",
			ReadTimeout:      30 * time.Second,
			IdleTimeout:      2 * time.Minute,
			RequestTimeout:   2 * time.Minute,
			GracefulShutdown: 30 * time.Second,
			MaxUploadBytes:   20 << 20,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.LLM.Provider != "openrouter" && c.LLM.Provider != "anthropic" {
		return fmt.Errorf("invalid llm provider: %s", c.LLM.Provider)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm model must be set")
	}

	if c.LLM.CallTimeout <= 0 {
		return fmt.Errorf("llm call_timeout must be positive")
	}

	if err := c.RunConfig().Validate(); err != nil {
		return err
	}

	if c.Compiler.DPI < 1 {
		return fmt.Errorf("invalid compiler dpi: %d", c.Compiler.DPI)
	}

	switch c.Compiler.Format {
	case "png", "jpg", "jpeg":
	default:
		return fmt.Errorf("invalid compiler format: %s", c.Compiler.Format)
	}

	if strings.TrimSpace(c.Compiler.EngineCommand) == "" {
		return fmt.Errorf("compiler engine_command must be set")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" && c.Cache.Driver != "none" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Store.Enabled && c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch workers must be at least 1")
	}

	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("server max_upload_bytes must be positive")
	}

	return nil
}

// RunConfig returns the loop settings as a per-run config.
func (c *Config) RunConfig() domain.RunConfig {
	return domain.RunConfig{
		MaxIterations:       c.Loop.MaxIterations,
		SimilarityThreshold: c.Loop.SimilarityThreshold,
		CallTimeout:         c.LLM.CallTimeout,
	}
}

// applyProviderDefaults swaps the OpenRouter endpoint and model for the
// Anthropic ones when the provider changed but they were left at their defaults.
func (c *Config) applyProviderDefaults() {
	if c.LLM.Provider != "anthropic" {
		return
	}
	d := DefaultConfig().LLM
	if c.LLM.BaseURL == d.BaseURL {
		c.LLM.BaseURL = ""
	}
	if c.LLM.Model == d.Model {
		c.LLM.Model = defaultAnthropicModel
	}
}

// StoreDSN returns the appropriate database connection string.
func (c *Config) StoreDSN() string {
	if c.Store.Driver == "sqlite" {
		return c.Store.SQLite.Path
	}
	return c.Store.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}

	switch cfg.LLM.Provider {
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	default:
		if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("LATEX_COMMAND"); v != "" {
		cfg.Compiler.EngineCommand = v
	}

	if v := os.Getenv("CONVERT_COMMAND"); v != "" {
		cfg.Compiler.ConvertCommand = v
	}

	if v := os.Getenv("RENDER_DPI"); v != "" {
		if dpi, err := strconv.Atoi(v); err == nil {
			cfg.Compiler.DPI = dpi
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		// Parse redis://host:port format
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Store.Driver = "sqlite"
			cfg.Store.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Store.Driver = "postgres"
			cfg.Store.Postgres.DSN = v
		}
	}

	if v := os.Getenv("LATEX_OCR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	if v := os.Getenv("OCR_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
