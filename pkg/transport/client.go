// Package transport performs HTTP GET requests against the device.
package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/pkg/fault"
)

// maxBodySize bounds command responses. File lists on large cards stay well below it.
const maxBodySize = 8 << 20

// Client talks HTTP to one fixed device address.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	online bool
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   3 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    4,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		online: true,
	}
}

// BaseURL returns the device address without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsOnline reports whether the last request reached the device.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("device reachable again", zap.String("device", c.baseURL))
		} else {
			logging.Warn("device unreachable", zap.String("device", c.baseURL))
		}
	}
	c.online = online
}

// Get fetches requestURL and returns the whole body.
// Any failure to obtain a 200 response is a fault.Transport error.
func (c *Client) Get(ctx context.Context, requestURL string) ([]byte, error) {
	resp, err := c.do(ctx, requestURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		c.setOnline(false)
		return nil, fault.Transportf(err, "read body")
	}
	if len(body) > maxBodySize {
		return nil, fault.Transportf(nil, "response body exceeds %d bytes", maxBodySize)
	}

	c.setOnline(true)
	return body, nil
}

// Open starts a streaming GET, used for recording downloads.
// The caller must close the returned reader.
func (c *Client) Open(ctx context.Context, requestURL string) (io.ReadCloser, int64, error) {
	resp, err := c.do(ctx, requestURL)
	if err != nil {
		return nil, 0, err
	}
	c.setOnline(true)
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) do(ctx context.Context, requestURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fault.Transportf(err, "build request")
	}

	logging.Debug("device request", zap.String("url", requestURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, fault.Transportf(err, "GET")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.setOnline(false)
		return nil, fault.Transportf(nil, "device returned HTTP %d", resp.StatusCode)
	}

	return resp, nil
}

// WithoutTimeout returns a client sharing the connection pool but with no
// overall request timeout, for streaming recordings off the card.
func (c *Client) WithoutTimeout() *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: &http.Client{Transport: c.httpClient.Transport},
		online:     c.IsOnline(),
	}
}
