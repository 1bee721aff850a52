package llm

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spherical/latex-ocr/internal/domain"
)

// RetryConfig bounds retries of transient HTTP failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig retries three times between one and thirty seconds.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// transientStatus lists the responses worth another attempt.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func shouldRetry(statusCode int) bool {
	return transientStatus[statusCode]
}

// calculateBackoff doubles InitialBackoff per attempt up to MaxBackoff.
func calculateBackoff(attempt int, config *RetryConfig) time.Duration {
	backoff := config.InitialBackoff
	for i := 0; i < attempt && backoff < config.MaxBackoff; i++ {
		backoff *= 2
	}
	return min(backoff, config.MaxBackoff)
}

// retryAfter reads a Retry-After header given in seconds, capped at limit.
func retryAfter(resp *http.Response, limit time.Duration) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, limit), true
}

// retryWithBackoff issues reqFunc until it returns 200 or a non-transient
// status, which is handed back unread.
func (c *Client) retryWithBackoff(ctx context.Context, reqFunc func() (*http.Response, error)) (*http.Response, error) {
	config := c.retry
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := reqFunc()
		wait := calculateBackoff(attempt, config)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case !shouldRetry(resp.StatusCode):
			return resp, nil
		default:
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			if d, ok := retryAfter(resp, config.MaxBackoff); ok {
				wait = d
			}
			resp.Body.Close()
		}

		if attempt >= config.MaxRetries {
			break
		}

		c.logger.Warn().
			Int("attempt", attempt+1).
			Int("max_retries", config.MaxRetries).
			Dur("backoff", wait).
			Err(lastErr).
			Msg("vision request failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, domain.APIError(fmt.Sprintf("request failed after %d retries", config.MaxRetries), lastErr)
}
