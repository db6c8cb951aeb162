package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/seriescache"
)

// maxPayload caps how much of a response body is read.
const maxPayload = 8 << 20

// Client fetches series payloads over HTTP. It is safe for concurrent use.
type Client struct {
	base      string
	userAgent string
	maxBody   int64
	client    *http.Client
}

// New returns a Client for cfg. The HTTP client is built once and reused.
func New(cfg config.UpstreamConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base url %q", cfg.BaseURL)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		maxBody:   maxPayload,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// URL returns the payload location for id.
func (c *Client) URL(id seriescache.Identity) string {
	parts := []string{c.base, url.PathEscape(id.Platform), url.PathEscape(id.Entity)}
	if id.Repo != "" {
		parts = append(parts, url.PathEscape(id.Repo))
	}
	parts = append(parts, url.PathEscape(id.Metric)+".json")
	return strings.Join(parts, "/")
}

// Fetch performs an HTTP GET for id and returns the raw body.
//
// A 404 is reported as NotFound; transport failures and any other non-200
// status as Unavailable. A body larger than the payload cap is InvalidFormat.
func (c *Client) Fetch(ctx context.Context, id seriescache.Identity) ([]byte, error) {
	target := c.URL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &seriescache.UpstreamError{
			Kind:   seriescache.Unavailable,
			Detail: "request " + target,
			Err:    err,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &seriescache.UpstreamError{
			Kind:   seriescache.NotFound,
			Detail: "no data for " + id.String(),
			Status: resp.StatusCode,
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &seriescache.UpstreamError{
			Kind:   seriescache.Unavailable,
			Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Status: resp.StatusCode,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &seriescache.UpstreamError{
			Kind:   seriescache.Unavailable,
			Detail: "read body",
			Status: resp.StatusCode,
			Err:    err,
		}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &seriescache.UpstreamError{
			Kind:   seriescache.InvalidFormat,
			Detail: fmt.Sprintf("payload too large: over %d bytes", c.maxBody),
			Status: resp.StatusCode,
		}
	}
	return body, nil
}
