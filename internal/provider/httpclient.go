package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultHTTPTimeout = 120 * time.Second
	maxRetries         = 3
)

// retryBaseDelay is the first retry wait; resty grows it with jitter up to
// eight times this value. Tests shrink it.
var retryBaseDelay = time.Second

// newRESTClient returns a resty client for a model API. Network failures,
// 5xx and 429 responses are retried; everything else is returned as-is.
func newRESTClient(name, baseURL string, timeout time.Duration, logger *slog.Logger) *resty.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(maxRetries).
		SetRetryWaitTime(retryBaseDelay).
		SetRetryMaxWaitTime(8 * retryBaseDelay).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				if r != nil && r.Request != nil && r.Request.Context().Err() != nil {
					return false
				}
				logger.Warn("model request failed, will retry", "provider", name, "err", err)
				return true
			}
			if r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests {
				logger.Warn("model server error, will retry", "provider", name, "status", r.StatusCode())
				if body := r.RawBody(); body != nil {
					body.Close()
				}
				return true
			}
			return false
		})
}

// statusError formats a non-2xx model API response.
func statusError(name string, r *resty.Response) error {
	body := strings.TrimSpace(string(r.Body()))
	if len(body) > 4096 {
		body = body[:4096]
	}
	if body == "" {
		return fmt.Errorf("%s %d", name, r.StatusCode())
	}
	return fmt.Errorf("%s %d: %s", name, r.StatusCode(), body)
}

// requestError unwraps resty's retry wrapping so callers see the context
// error on cancellation.
func requestError(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s request: %w", name, err)
}
