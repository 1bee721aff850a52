package llm

import (
	"fmt"
	"time"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
)

// Provider names accepted by New.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

const (
	defaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel = "google/gemini-2.5-flash"
	defaultAnthropicModel  = "claude-sonnet-4-5"
	defaultMaxTokens       = 8000
	defaultMaxImageDim     = 2048
)

// Config holds vision backend settings.
type Config struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float64
	MaxImageDimension int
	Stream            bool
	Retry             RetryConfig
}

// New builds the VisionModel for cfg.Provider.
func New(cfg Config, logger *observability.Logger) (domain.VisionModel, error) {
	if cfg.APIKey == "" {
		return nil, domain.ConfigError(fmt.Sprintf("%s API key is not set", cfg.Provider), nil)
	}

	switch cfg.Provider {
	case "", ProviderOpenRouter:
		return NewClient(cfg, logger), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg, logger), nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown llm provider: %s", cfg.Provider), nil)
	}
}

func (c Config) retryConfig() *RetryConfig {
	r := c.Retry
	d := DefaultRetryConfig()
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = d.InitialBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = d.MaxBackoff
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	return &r
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// callTimeout guards direct use of a client without a deadline on ctx.
const callTimeout = domain.DefaultCallTimeout + 30*time.Second
