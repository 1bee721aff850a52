package llm

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/imageio"
	"github.com/spherical/latex-ocr/internal/observability"
)

// AnthropicClient calls the Anthropic Messages API
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
	temp      float64
	maxDim    int
	logger    *observability.Logger
}

// NewAnthropicClient creates a Messages API client. Retries are left to the SDK.
func NewAnthropicClient(cfg Config, logger *observability.Logger) *AnthropicClient {
	if logger == nil {
		logger = observability.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.retryConfig().MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     orDefault(cfg.Model, defaultAnthropicModel),
		maxTokens: orDefault(cfg.MaxTokens, defaultMaxTokens),
		temp:      cfg.Temperature,
		maxDim:    orDefault(cfg.MaxImageDimension, defaultMaxImageDim),
		logger:    logger.WithOperation("anthropic"),
	}
}

// Model returns the configured model name
func (c *AnthropicClient) Model() string {
	return c.model
}

// Invoke sends the ordered parts as one user message and returns the concatenated text blocks
func (c *AnthropicClient) Invoke(ctx context.Context, parts []domain.ContentPart, meta domain.CallMetadata) (string, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		if !p.IsImage() {
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			continue
		}

		data, mime, err := imageio.PrepareUpload(p.ImagePath, c.maxDim)
		if err != nil {
			return "", domain.APIError("failed to build request", err)
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mime, base64.StdEncoding.EncodeToString(data)))
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: anthropic.Float(c.temp),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	if meta.SessionID != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(meta.SessionID)}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", domain.APIError("anthropic request failed", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.logger.Debug().
		Str("generation", meta.GenerationName).
		Str("trace_id", meta.TraceID).
		Str("stop_reason", string(msg.StopReason)).
		Int("reply_chars", sb.Len()).
		Msg("vision call complete")

	return sb.String(), nil
}
