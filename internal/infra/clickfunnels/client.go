package clickfunnels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"checkout-gateway/internal/logging"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single HTTP exchange with the platform.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 2 << 20
)

var ErrNotConfigured = errors.New("clickfunnels client is not configured (CLICKFUNNELS_BASE_URL / CLICKFUNNELS_API_TOKEN)")

// Config holds connection settings for the ClickFunnels v2 API.
type Config struct {
	BaseURL     string // e.g. https://team.myclickfunnels.com/api/v2
	APIToken    string
	WorkspaceID string
	Timeout     time.Duration
	Retry       *RetryConfig
}

// RetryConfig controls the rate-limit retry of the fetch helper.
type RetryConfig struct {
	MaxAttempts    int           // total attempts including the first (default: 3)
	InitialBackoff time.Duration // first wait after a 429 (default: 1s), doubled per attempt
	MaxBackoff     time.Duration // cap for both computed and Retry-After waits (default: 30s)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Client talks to the contact and course-enrollment endpoints.
type Client struct {
	baseURL     string
	apiToken    string
	workspaceID string
	httpClient  *http.Client
	retry       RetryConfig
	logger      *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiToken:    strings.TrimSpace(cfg.APIToken),
		workspaceID: strings.TrimSpace(cfg.WorkspaceID),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retry:       retry,
		logger:      logging.OrNop(logger).Named("clickfunnels"),
	}
}

func (c *Client) configured() error {
	if c.baseURL == "" || c.apiToken == "" {
		return ErrNotConfigured
	}
	return nil
}

// CalculateBackoff returns initial * 2^attempt, capped at MaxBackoff.
func CalculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := cfg.InitialBackoff * time.Duration(1<<uint(attempt))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return backoff
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns 0 when the header is absent or unusable.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do performs one API call, retrying only rate-limited (429) responses.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.configured(); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt+1 < c.retry.MaxAttempts {
			wait := ParseRetryAfter(resp.Header)
			if wait == 0 {
				wait = CalculateBackoff(attempt, c.retry)
			}
			if c.retry.MaxBackoff > 0 && wait > c.retry.MaxBackoff {
				wait = c.retry.MaxBackoff
			}
			c.logger.Warn("rate limited, backing off",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return fmt.Errorf("rate limit backoff cancelled: %w", err)
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return newAPIError(resp.StatusCode, respBody)
		}

		if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
}
