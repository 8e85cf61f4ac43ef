// Package httputil owns the outbound HTTP client used to reach inference servers.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// MaxResponseBytes caps how much of an upstream body is read into memory.
const MaxResponseBytes = 8 << 20

type ClientConfig struct {
	// Timeout is the client-wide ceiling. Per-attempt deadlines come from the
	// request context, so this is normally left at zero.
	Timeout             time.Duration
	DialTimeout         time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:             0,
		DialTimeout:         5 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 4,
	}
}

func NewHTTPClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// Client posts JSON bodies and returns the raw status and body.
type Client struct {
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{http: NewHTTPClient(cfg)}
}

// NewClientWith wraps an existing http.Client, typically an httptest one.
func NewClientWith(c *http.Client) *Client {
	return &Client{http: c}
}

func DefaultClient() *Client {
	return NewClient(DefaultConfig())
}

// PostJSON sends body to url with Content-Type application/json. Transport
// failures are returned unwrapped enough for errors.As to reach net errors.
func (c *Client) PostJSON(ctx context.Context, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, data, nil
}
