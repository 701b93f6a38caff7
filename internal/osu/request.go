package osu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/osucapital/market-engine/internal/metrics"
)

// apiVersion pins the response schema of the v2 API.
const apiVersion = "20240529"

// maxRetryAfter is the longest rate-limit pause honoured inside a request.
// Longer pauses fail the call instead of holding a trade open.
const maxRetryAfter = 10 * time.Second

// APIError is a non-2xx answer from the osu! API.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // set on 429 when the API asks for a pause
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("osu api error %d: %s (retry after %s)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("osu api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the API. The API answers 404
// for restricted accounts too.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// get fetches path and decodes the JSON body into result. Server errors and
// rate limits are retried with jittered exponential backoff, or after the
// pause the API asks for. A 401 with client credentials discards the cached
// token and tries once more with a fresh one.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, result any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	backoff := c.retryBackoff
	reauthed := false
	for attempt := 0; ; attempt++ {
		body, err := c.fetch(ctx, endpoint, target)
		if err == nil {
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return err
		}
		if apiErr.StatusCode == http.StatusUnauthorized && c.tokens != nil && !reauthed {
			c.logger.Warn("osu token rejected, requesting a new one", "path", path)
			c.tokens.reset()
			reauthed = true
			attempt--
			continue
		}
		if !apiErr.IsRetryable() || apiErr.RetryAfter > maxRetryAfter {
			return err
		}
		if attempt >= c.maxRetries {
			return fmt.Errorf("max retries exceeded: %w", err)
		}

		wait := apiErr.RetryAfter
		if wait == 0 {
			wait = jitter(backoff)
			backoff *= 2
		}
		c.logger.Debug("retrying osu request",
			"attempt", attempt+1,
			"status", apiErr.StatusCode,
			"wait", wait,
			"path", path,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// fetch performs a single GET. endpoint is the metrics label.
func (c *Client) fetch(ctx context.Context, endpoint, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-version", apiVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	metrics.ProviderRequestDuration.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 400 {
		return body, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return nil, apiErr
}

// errorMessage prefers the API's {"error": "..."} text over the status line.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return http.StatusText(status)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Missing or malformed values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(0, time.Duration(secs)*time.Second)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(0, at.Sub(now))
	}
	return 0
}

// jitter spreads d over [d/2, 3d/2).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
