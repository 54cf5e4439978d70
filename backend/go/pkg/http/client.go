package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/pkg/circuitbreaker"
)

// Client is a custom HTTP client that wraps the standard http.Client
// and provides built-in support for circuit breaking.
type Client struct {
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// NewClient creates a Client. timeout bounds a whole exchange including a streamed body;
// zero means no limit.
func NewClient(cfg config.CircuitBreakerConfig, timeout time.Duration) *Client {
	c := &Client{httpClient: &http.Client{Timeout: timeout}}
	if cfg.Enabled {
		c.breaker = circuitbreaker.New(cfg.FailureThreshold, cfg.SuccessThreshold, config.Duration(cfg.Timeout))
	}
	return c
}

// Breaker returns the client's breaker, or nil when circuit breaking is disabled.
func (c *Client) Breaker() circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Do executes an HTTP request with circuit breaker protection.
// Status codes >= 500 count as failures; the response is still returned to the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	var resp *http.Response
	err := c.breaker.Execute(req.Context(), func(context.Context) error {
		var err error
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return &StatusError{StatusCode: resp.StatusCode}
		}
		return nil
	})
	if _, ok := err.(*StatusError); ok {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StatusError reports a server-side failure status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: received status code %d", e.StatusCode)
}
