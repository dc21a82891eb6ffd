package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/config"
)

var (
	// ErrRateLimited is returned when the upstream API answers 429
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnauthorized is returned when the upstream API rejects the token
	ErrUnauthorized = errors.New("invalid API token")
	// ErrNotFound is returned when the requested resource does not exist
	ErrNotFound = errors.New("resource not found")
)

// maxErrorBody bounds how much of an error response is kept in error messages
const maxErrorBody = 512

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// requester performs rate limited GET requests with retries against one base URL
type requester struct {
	baseURL     string
	setAuth     func(req *http.Request)
	cfg         config.ClientConfig
	httpClient  HTTPClient
	rateLimiter *time.Ticker
}

func newRequester(baseURL string, cfg config.ClientConfig, setAuth func(req *http.Request)) *requester {
	return &requester{
		baseURL: strings.TrimRight(baseURL, "/"),
		setAuth: setAuth,
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: time.NewTicker(time.Second / time.Duration(ensureNonZero(cfg.RateLimit))),
	}
}

// get fetches path with retries and returns the response body
func (r *requester) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-r.rateLimiter.C:
			body, err := r.doRequest(ctx, path, query)
			if err == nil {
				return body, nil
			}
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
				return nil, err
			}
			lastErr = err
			klog.V(2).InfoS("API request failed, retrying",
				"path", path,
				"attempt", attempt+1,
				"maxRetries", r.cfg.MaxRetries,
				"error", err)

			if attempt < r.cfg.MaxRetries {
				timer := time.NewTimer(r.getBackoffDuration(attempt))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
				case <-timer.C:
				}
			}
		}
	}
	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (r *requester) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := r.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	klog.V(2).InfoS("Making API request", "url", req.URL.String())

	req.Header.Set("Accept", "application/json")
	if r.setAuth != nil {
		r.setAuth(req)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("failed to decode response: invalid JSON")
	}
	return body, nil
}

func (r *requester) getBackoffDuration(attempt int) time.Duration {
	// Exponential backoff with jitter
	backoff := r.cfg.RetryDelay * time.Duration(1<<uint(attempt))
	maxBackoff := 1 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	// ±20%
	return time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
}

func (r *requester) close() {
	if r.rateLimiter != nil {
		r.rateLimiter.Stop()
	}
}

// payload returns the "data" member of an envelope response, or the document itself
func payload(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if root.IsObject() {
		if data := root.Get("data"); data.Exists() {
			return data
		}
	}
	return root
}

func ensureNonZero(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}
