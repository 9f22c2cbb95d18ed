// Package resiliency wraps outbound HTTP calls to remote collaborators (the
// policy engine, the remote orchestrator) with bounded exponential backoff and
// a circuit breaker.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client is an http.Client with retry and circuit breaking.
type Client struct {
	client         *http.Client
	maxTries       uint
	initialBackoff time.Duration
	maxElapsed     time.Duration
	breaker        *CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxTries bounds the number of attempts per call.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) { c.initialBackoff = d }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a Client named after the collaborator it calls.
func NewClient(name string, opts ...Option) *Client {
	c := &Client{
		client:         &http.Client{Timeout: 10 * time.Second},
		maxTries:       4,
		initialBackoff: 100 * time.Millisecond,
		maxElapsed:     30 * time.Second,
		breaker:        NewCircuitBreaker(name, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request built by newReq until it gets a 2xx response, a
// non-retryable status, or runs out of attempts. The returned body has been
// read in full. Transport failures and exhausted retries come back as
// *contracts.RetryableError; 4xx responses as *StatusError.
func (c *Client) Do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, contracts.Retryable("resiliency: "+c.breaker.name, ErrCircuitOpen)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(data)}
		default:
			return nil, backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: truncate(data)})
		}
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithMaxElapsedTime(c.maxElapsed),
	)
	if err == nil {
		c.breaker.Success()
		return body, nil
	}

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
		// The collaborator answered; it is not unhealthy.
		c.breaker.Success()
		return nil, err
	}
	c.breaker.Failure()
	return nil, contracts.Retryable("resiliency: "+c.breaker.name, err)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through after resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.failureCount >= cb.threshold || cb.state == "HALF_OPEN" {
		cb.state = "OPEN"
	}
}

// State returns "CLOSED", "OPEN" or "HALF_OPEN".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
