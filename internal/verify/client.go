package verify

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Client calls the verification service over HTTP with bounded retries, and
// opens a circuit after repeated failures so a dead upstream doesn't stall
// every publish for the full timeout.
type Client struct {
	baseURL string
	http    *http.Client

	maxAttempts int
	backoff     time.Duration

	breakAfter int
	cooldown   time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

type ClientOption func(*Client)

func WithRetry(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.backoff = backoff
	}
}

func WithCircuitBreaker(breakAfter int, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.breakAfter = breakAfter
		c.cooldown = cooldown
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 5 * time.Second},
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		breakAfter:  5,
		cooldown:    30 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify posts the payload. 2xx maps to Accepted, 4xx to Rejected; transport
// errors and 5xx are retried up to the attempt budget and end as Unavailable.
// While the circuit is open the upstream is not contacted at all.
func (c *Client) Verify(ctx context.Context, payload []byte) (Outcome, error) {
	if c.open() {
		return Unavailable, nil
	}

	for attempt := 1; ; attempt++ {
		outcome, retryable := c.attempt(ctx, payload)
		if !retryable {
			c.recordSuccess()
			return outcome, nil
		}
		if attempt >= c.maxAttempts {
			c.recordFailure()
			return Unavailable, nil
		}
		select {
		case <-ctx.Done():
			c.recordFailure()
			return Unavailable, nil
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

func (c *Client) attempt(ctx context.Context, payload []byte) (outcome Outcome, retryable bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(payload))
	if err != nil {
		return Unavailable, true
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("verification request failed", "error", err)
		return Unavailable, true
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Accepted, false
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Rejected, false
	default:
		slog.Warn("verification returned server error", "status", resp.StatusCode)
		return Unavailable, true
	}
}

func (c *Client) open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures < c.breakAfter {
		return false
	}
	if c.probing {
		return true
	}
	if c.now().Sub(c.openedAt) >= c.cooldown {
		// Half open: admit a single probe; everyone else stays shed
		// until it resolves.
		c.probing = true
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.probing = false
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	if c.probing {
		// Failed probe: restart the cooldown.
		c.probing = false
		c.openedAt = c.now()
	}
	c.failures++
	if c.failures == c.breakAfter {
		c.openedAt = c.now()
		slog.Warn("verification circuit opened", "cooldown", c.cooldown)
	}
	c.mu.Unlock()
}
