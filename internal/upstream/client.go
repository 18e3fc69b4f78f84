package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitFloor is the remaining-request threshold below which the
// client sleeps until the published reset instead of racing to zero.
const rateLimitFloor = 100

// resetSlack is added on top of a published rate-limit reset.
const resetSlack = 10 * time.Second

// ClientOptions configures a rate-limited upstream HTTP client.
type ClientOptions struct {
	BaseURL           string
	Token             string
	MaxRetries        int
	Timeout           time.Duration
	RequestsPerSecond float64
	// RetryBody lets a dialect mark an HTTP 200 response as rate limited
	// (GraphQL carries rate-limit errors in a 200 body).
	RetryBody func(body []byte) bool
}

// Client issues JSON requests against one upstream, throttled by a
// token bucket and retried with exponential backoff on transient
// failures. It is safe for concurrent use; the rate-limit state learned
// from response headers is shared by all callers.
type Client struct {
	log        *zap.Logger
	http       *http.Client
	base       string
	token      string
	maxRetries int
	limiter    *rate.Limiter
	retryBody  func([]byte) bool
	calls      atomic.Int64

	mu        sync.Mutex
	remaining int
	reset     time.Time

	// Injectable for deterministic tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a client for the given upstream.
func NewClient(log *zap.Logger, opts ClientOptions) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	return &Client{
		log:        log,
		http:       &http.Client{Timeout: opts.Timeout},
		base:       opts.BaseURL,
		token:      opts.Token,
		maxRetries: opts.MaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		retryBody:  opts.RetryBody,
		remaining:  -1,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Calls returns how many HTTP requests have been issued.
func (c *Client) Calls() int64 { return c.calls.Load() }

// GetJSON issues a GET and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		// Honor a published reset before burning the last requests of
		// the window.
		if wait := c.resetWait(); wait > 0 {
			c.log.Info("rate limit low, waiting for reset",
				zap.String("url", target), zap.Duration("wait", wait))
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}

		body, retryable, limited, err := c.roundTrip(ctx, method, target, payload, out)
		if err == nil {
			if c.retryBody != nil && c.retryBody(body) {
				retryable, limited = true, true
				err = ErrTransient.New("rate limited response body")
			} else {
				return nil
			}
		}
		if !retryable {
			return err
		}
		lastErr = err

		if attempt >= c.maxRetries {
			return ErrTransient.New("%s %s failed after %d retries: %v", method, target, c.maxRetries, lastErr)
		}

		wait := time.Duration(1<<uint(attempt)) * time.Second
		if limited {
			if hint := c.resetHint(); hint > wait {
				wait = hint
			}
		}
		c.log.Warn("retrying upstream request",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// roundTrip performs one HTTP exchange. It returns the raw body, whether
// a failure may be retried, and the failure itself.
func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte, out any) (body []byte, retryable, limited bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, false, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json, application/vnd.github.v3+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.calls.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, false, ErrTransient.New("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, false, ErrTransient.New("failed to read response: %v", err)
	}
	c.updateRateState(resp.Header)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return body, false, false, ErrPermanent.New("%s %s: undecodable response: %v", method, target, err)
			}
		}
		return body, false, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return body, true, true, ErrTransient.New("%s %s: rate limited (429)", method, target)
	case resp.StatusCode == http.StatusForbidden && c.rateLimited():
		// GitHub signals secondary limits as 403 with remaining == 0.
		return body, true, true, ErrTransient.New("%s %s: rate limited (403)", method, target)
	case resp.StatusCode >= 500:
		return body, true, false, ErrTransient.New("%s %s: server error %d", method, target, resp.StatusCode)
	default:
		return body, false, false, ErrPermanent.New("%s %s: status %d: %s", method, target, resp.StatusCode, truncate(body, 200))
	}
}

// updateRateState records X-RateLimit-Remaining/Reset from a response.
func (c *Client) updateRateState(h http.Header) {
	remainingStr := h.Get("X-RateLimit-Remaining")
	resetStr := h.Get("X-RateLimit-Reset")
	if remainingStr == "" && resetStr == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining, err := strconv.Atoi(remainingStr); err == nil {
		c.remaining = remaining
	}
	if resetEpoch, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
		c.reset = time.Unix(resetEpoch, 0)
	}
}

// resetWait returns how long to sleep before the next request: until
// the published reset plus slack when the window is nearly exhausted,
// zero otherwise.
func (c *Client) resetWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remaining < 0 || c.remaining >= rateLimitFloor || c.reset.IsZero() {
		return 0
	}
	wait := c.reset.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	return wait + resetSlack
}

// resetHint returns the sleep to the published reset plus slack,
// regardless of how many requests remain. Used after an explicit 429.
func (c *Client) resetHint() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reset.IsZero() {
		return 0
	}
	wait := c.reset.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	return wait + resetSlack
}

func (c *Client) rateLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining == 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
