// Package llm provides vision-model backends behind domain.VisionModel.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/imageio"
	"github.com/spherical/latex-ocr/internal/observability"
)

// Client handles communication with the OpenRouter chat completions API
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	temp       float64
	maxDim     int
	stream     bool
	retry      *RetryConfig
	httpClient *http.Client
	logger     *observability.Logger
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	User        string    `json:"user,omitempty"`
}

// Response represents the API response structure
type Response struct {
	ID      string    `json:"id"`
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError is an error object embedded in a response body
type APIError struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %v: %s", e.Code, e.Message)
}

// Choice represents a single completion choice
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents a message delta in streaming response
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// NewClient creates a new OpenRouter client
func NewClient(cfg Config, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(orDefault(cfg.BaseURL, defaultOpenRouterURL), "/"),
		model:      orDefault(cfg.Model, defaultOpenRouterModel),
		maxTokens:  orDefault(cfg.MaxTokens, defaultMaxTokens),
		temp:       cfg.Temperature,
		maxDim:     orDefault(cfg.MaxImageDimension, defaultMaxImageDim),
		stream:     cfg.Stream,
		retry:      cfg.retryConfig(),
		httpClient: &http.Client{Timeout: callTimeout},
		logger:     logger.WithOperation("openrouter"),
	}
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// Invoke sends the ordered parts as one user message and returns the reply text
func (c *Client) Invoke(ctx context.Context, parts []domain.ContentPart, meta domain.CallMetadata) (string, error) {
	req, err := c.buildRequest(parts, meta)
	if err != nil {
		return "", domain.APIError("failed to build request", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", domain.APIError("failed to marshal request", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("HTTP-Referer", "https://github.com/spherical/latex-ocr")
		httpReq.Header.Set("X-Title", "LaTeX OCR")
		if meta.TraceID != "" {
			httpReq.Header.Set("X-Trace-Id", meta.TraceID)
		}

		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return "", domain.APIError("failed to send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", domain.APIError(fmt.Sprintf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))), nil)
	}

	var text string
	if req.Stream {
		text, err = NewStreamParser(resp.Body).Collect()
		if err != nil {
			return "", domain.APIError("failed to parse stream", err)
		}
	} else {
		text, err = decodeCompletion(resp.Body)
		if err != nil {
			return "", err
		}
	}

	c.logger.Debug().
		Str("generation", meta.GenerationName).
		Str("trace_id", meta.TraceID).
		Int("reply_chars", len(text)).
		Msg("vision call complete")

	return text, nil
}

// buildRequest constructs the API request. Images are sent as base64 data URLs.
func (c *Client) buildRequest(parts []domain.ContentPart, meta domain.CallMetadata) (*Request, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("no content parts")
	}

	content := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		if !p.IsImage() {
			content = append(content, ContentPart{Type: "text", Text: p.Text})
			continue
		}

		url, err := dataURL(p.ImagePath, c.maxDim)
		if err != nil {
			return nil, err
		}
		content = append(content, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
	}

	return &Request{
		Model:       c.model,
		Messages:    []Message{{Role: "user", Content: content}},
		Stream:      c.stream,
		MaxTokens:   c.maxTokens,
		Temperature: c.temp,
		User:        meta.SessionID,
	}, nil
}

// dataURL encodes an image file as a data URL with its detected MIME type
func dataURL(path string, maxDim int) (string, error) {
	data, mime, err := imageio.PrepareUpload(path, maxDim)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// decodeCompletion reads a non-streaming completion body
func decodeCompletion(body io.Reader) (string, error) {
	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", domain.APIError("failed to decode response", err)
	}
	if resp.Error != nil {
		return "", domain.APIError("completion failed", resp.Error)
	}
	if len(resp.Choices) == 0 {
		return "", domain.APIError("response has no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}
