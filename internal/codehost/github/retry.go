package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration for GitHub API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// withRetry runs operation with exponential backoff, honoring GitHub rate
// limit resets. Non-retryable failures return immediately.
func withRetry(ctx context.Context, cfg RetryConfig, logger *logging.Logger, op string, operation func() (*github.Response, error)) (*github.Response, error) {
	cfg.ApplyDefaults()

	var lastErr error
	var lastResp *github.Response
	backoff := cfg.InitialBackoff
	startTime := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info(ctx, "GitHub API operation recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if !isRetryableError(err, resp) {
			logger.Debug(ctx, "GitHub API error is not retryable",
				zap.String("op", op),
				zap.Error(err),
				zap.Int("status_code", getStatusCode(resp)),
			)
			return resp, err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		if isRateLimitError(err, resp) {
			backoff = getRateLimitBackoff(resp, cfg.MaxBackoff)
			logger.Info(ctx, "GitHub API rate limit hit, adjusting backoff",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", cfg.MaxRetries+1),
				zap.Duration("backoff", backoff),
			)
		} else {
			logger.Info(ctx, "Retrying GitHub API operation after transient error",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", cfg.MaxRetries+1),
				zap.Error(err),
				zap.Int("status_code", getStatusCode(resp)),
				zap.Duration("backoff", backoff),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			nextBackoff := time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if nextBackoff > cfg.MaxBackoff {
				nextBackoff = cfg.MaxBackoff
			}
			backoff = nextBackoff
		}
	}

	logger.Warn(ctx, "GitHub API operation failed after all retries exhausted",
		zap.String("op", op),
		zap.Int("total_attempts", cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
		zap.Int("status_code", getStatusCode(lastResp)),
	)

	return lastResp, fmt.Errorf("GitHub API operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// isRetryableError checks if a GitHub API error is retryable.
func isRetryableError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if resp != nil && resp.Response != nil {
		statusCode := resp.Response.StatusCode

		switch statusCode {
		case http.StatusTooManyRequests:
			return true
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			// Forbidden is a rate limit only when the quota is spent; a revoked
			// or under-scoped token also answers 403 with rate headers.
			return isRateLimitError(err, resp)
		case http.StatusBadRequest, http.StatusUnauthorized,
			http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
			return false
		default:
			return statusCode >= 500 && statusCode < 600
		}
	}

	// No response: network errors and timeouts.
	return true
}

// isRateLimitError checks if the response indicates a rate limit error.
func isRateLimitError(err error, resp *github.Response) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
}

// getRateLimitBackoff calculates the backoff duration for rate limit errors.
// It respects the GitHub API rate limit reset time if available.
func getRateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return minDuration(time.Minute, maxBackoff)
	}

	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < 0 {
		backoff = time.Second
	}
	return minDuration(backoff, maxBackoff)
}

// getStatusCode safely extracts the HTTP status code from a GitHub response.
func getStatusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
