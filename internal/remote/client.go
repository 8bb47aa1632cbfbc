// Package remote implements the resilient outbound call layer every
// cross-server request goes through.
//
// Two call variants exist, mirroring how call sites treat a missing
// response:
//
//   - Do is the mandatory path: timeout-bounded, retried on transient
//     failure, and its final error propagates to the caller. Used where the
//     remote response is required, e.g. contacting the hub or forwarding a
//     batch to the leader.
//   - Try is the optional path: Do wrapped in a circuit breaker keyed by
//     destination, falling back to "no result" when the breaker is open.
//     Used for fan-out to individual store owners, where a degraded peer is
//     simply omitted from the aggregate.
//
// Every outbound request carries the correlation id inherited from the
// inbound request that triggered it (freshly generated if none exists) and
// the caller's own base address in the referer header.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/httpx"
)

// ErrCircuitOpen is returned by Try when the destination's circuit breaker
// short-circuits the call without a network attempt.
var ErrCircuitOpen = errors.New("circuit open for destination")

// Config tunes the resilience policy. Zero values fall back to defaults.
type Config struct {
	// Timeout bounds each individual attempt, connect through body read.
	Timeout time.Duration

	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries uint64

	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration

	// BreakerThreshold is the consecutive-failure count that trips a
	// destination's breaker.
	BreakerThreshold uint32

	// Cooldown is how long a tripped breaker stays open before a probe
	// call is allowed through again.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 4 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 250 * time.Millisecond
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 3
	}
	if c.Cooldown == 0 {
		c.Cooldown = 10 * time.Second
	}
	return c
}

// Call describes one outbound request.
type Call struct {
	Method string
	URL    string

	// Body, when non-nil, is marshaled to JSON. An int64 body marshals to
	// its bare decimal form, which is how plain-text ids travel.
	Body any

	// Header holds extra request headers, e.g. the id header on leader
	// lookups.
	Header map[string]string
}

// Response is the successful outcome of a call.
type Response struct {
	Status    int
	Body      []byte
	RequestID string
}

// Client issues outbound HTTP calls with timeout, retry and per-destination
// circuit breaking. Safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	selfAddr string
	log      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a client. selfAddr is the caller's own base address,
// sent as the referer on every request so the callee can log provenance.
func NewClient(cfg Config, selfAddr string, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		selfAddr: selfAddr,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do issues the call on the mandatory path: each attempt is bounded by the
// configured timeout, transient failures (network errors and non-2xx
// statuses) are retried with constant backoff, and the final failure is
// returned as an error.
func (c *Client) Do(ctx context.Context, call Call) (*Response, error) {
	requestID := httpx.RequestID(ctx)
	if requestID == "" {
		requestID = httpx.NewRequestID()
	}

	var payload []byte
	if call.Body != nil {
		var err error
		payload, err = json.Marshal(call.Body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request body")
		}
	}

	var resp *Response
	attempt := func() error {
		r, err := c.send(ctx, call, payload, requestID)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), c.cfg.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		c.log.Warn("remote call failed",
			zap.String("method", call.Method),
			zap.String("url", call.URL),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, errors.Wrapf(err, "%s %s", call.Method, call.URL)
	}
	return resp, nil
}

// Try issues the call on the optional path. The call runs through the
// circuit breaker for its destination: once the destination's consecutive
// failures cross the threshold, further calls short-circuit with
// ErrCircuitOpen (no network attempt) until the cooldown elapses. Callers
// treat any error as "result absent".
func (c *Client) Try(ctx context.Context, call Call) (*Response, error) {
	cb := c.breakerFor(destinationKey(call.URL))

	out, err := cb.Execute(func() (any, error) {
		return c.Do(ctx, call)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.Info("circuit open, entering fallback",
				zap.String("url", call.URL),
				zap.String("request_id", httpx.RequestID(ctx)),
			)
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return out.(*Response), nil
}

// send performs a single attempt.
func (c *Client) send(ctx context.Context, call Call, payload []byte, requestID string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, call.Method, call.URL, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set(httpx.RequestIDHeader, requestID)
	req.Header.Set(httpx.RefererHeader, c.selfAddr)
	for k, v := range call.Header {
		req.Header.Set(k, v)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode > 299 {
		return nil, errors.Errorf("%s %s: status %d", call.Method, call.URL, res.StatusCode)
	}

	echo := res.Header.Get(httpx.RequestIDHeader)
	if echo == "" {
		echo = requestID
	}
	return &Response{Status: res.StatusCode, Body: data, RequestID: echo}, nil
}

// breakerFor returns the breaker for a destination, creating it on first
// use.
func (c *Client) breakerFor(dest string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[dest]
	if !ok {
		threshold := c.cfg.BreakerThreshold
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    dest,
			Timeout: c.cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		c.breakers[dest] = cb
	}
	return cb
}

// destinationKey reduces a call URL to its destination address, so all
// routes on one peer share a breaker.
func destinationKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
