// SPDX-License-Identifier: MPL-2.0

// Package fetch provides the default network fetcher collaborator: a plain
// HTTP client with conditional-request support and bounded exponential retry
// for transient failures. The graph builder only sees the Fetcher interface;
// tests substitute fakes.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

var (
	// ErrNotFound reports a 404/410 response; never retried.
	ErrNotFound = errors.New("remote module not found")

	// ErrForbidden reports a 401/403 response; never retried.
	ErrForbidden = errors.New("remote module access denied")

	// ErrNetwork reports a transport failure or persistent server error that
	// survived the retry budget.
	ErrNetwork = errors.New("network failure")
)

type (
	// Response is the outcome of one fetch. NotModified is set for HTTP 304
	// answers to conditional requests; Body is empty in that case.
	Response struct {
		Status      int
		Headers     http.Header
		Body        []byte
		NotModified bool
	}

	// Fetcher is the network collaborator interface consumed by the graph
	// builder. Implementations must be safe for concurrent use.
	Fetcher interface {
		Fetch(ctx context.Context, url string, conditional http.Header) (*Response, error)
	}

	// Client is the production Fetcher.
	Client struct {
		http    *http.Client
		logger  *log.Logger
		retries uint64
	}
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRetries bounds retry attempts for transient failures.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// NewClient creates a fetcher with sane timeouts and retry bounds.
func NewClient(logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
		retries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch performs a GET, attaching conditional validators when supplied.
// Connection failures, timeouts and 5xx responses are retried with
// exponential backoff; 4xx responses fail immediately with a typed error.
func (c *Client) Fetch(ctx context.Context, url string, conditional http.Header) (*Response, error) {
	var out *Response
	permanent := false
	fail := func(err error) error {
		permanent = true
		return backoff.Permanent(err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fail(err)
		}
		for k, v := range conditional {
			req.Header[k] = v
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("fetch failed, will retry", "url", url, "err", err)
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			out = &Response{Status: resp.StatusCode, Headers: resp.Header, NotModified: true}
			return nil
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return fail(fmt.Errorf("%w: %s (%d)", ErrNotFound, url, resp.StatusCode))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fail(fmt.Errorf("%w: %s (%d)", ErrForbidden, url, resp.StatusCode))
		case resp.StatusCode >= 500:
			c.logger.Debug("server error, will retry", "url", url, "status", resp.StatusCode)
			return fmt.Errorf("server returned %d for %s", resp.StatusCode, url)
		case resp.StatusCode != http.StatusOK:
			return fail(fmt.Errorf("%w: unexpected status %d for %s", ErrNetwork, resp.StatusCode, url))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = &Response{Status: resp.StatusCode, Headers: resp.Header, Body: body}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newPolicy(), c.retries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if permanent || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, url, err)
	}

	return out, nil
}

func newPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 30 * time.Second
	return policy
}
