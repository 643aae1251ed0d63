// Package pfsense is a client for the pfSense REST API (v2). It serves as
// the access set store, the firewall rule list and the DHCP lease source.
package pfsense

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"accessguard/internal/errs"
	"accessguard/internal/logger"
	"accessguard/pkg/models"
)

// Config configures the client.
type Config struct {
	URL                string
	APIKey             string
	Timeout            time.Duration
	RateLimit          float64
	Burst              int
	ApplyChanges       bool
	InsecureSkipVerify bool
}

// Client talks to one pfSense instance.
type Client struct {
	base    *url.URL
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	apply   bool
}

// NewClient creates a pfSense client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pfsense URL is empty")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid pfsense URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout, Transport: transport},
		limiter: rate.NewLimiter(limit, burst),
		apply:   cfg.ApplyChanges,
	}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.Remote(op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(&url.URL{Path: path}).String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Remote(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errs.Remote(op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		msg := resp.Status
		if decodeErr == nil && env.Message != "" {
			msg = env.Message
		}
		return &errs.RemoteUnavailable{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}
	if decodeErr != nil {
		return errs.Remote(op, fmt.Errorf("invalid response body: %w", decodeErr))
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Remote(op, fmt.Errorf("invalid response data: %w", err))
	}
	return nil
}

// Apply asks pfSense to apply pending firewall changes.
func (c *Client) Apply(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "firewall/apply", struct{}{}, nil)
}

func (c *Client) applyIfEnabled(ctx context.Context) error {
	if !c.apply {
		return nil
	}
	if err := c.Apply(ctx); err != nil {
		logger.Errorf("Failed to apply pfsense changes: %v", err)
		return err
	}
	return nil
}

// Leases returns the DHCP leases with their online state.
func (c *Client) Leases(ctx context.Context) ([]models.Lease, error) {
	var rows []struct {
		IP           string `json:"ip"`
		MAC          string `json:"mac"`
		Hostname     string `json:"hostname"`
		OnlineStatus string `json:"online_status"`
		ActiveStatus string `json:"active_status"`
	}
	if err := c.do(ctx, http.MethodGet, "status/dhcp_server/leases", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Lease, 0, len(rows))
	for _, r := range rows {
		if r.IP == "" {
			continue
		}
		out = append(out, models.Lease{
			Address:  r.IP,
			MAC:      r.MAC,
			Hostname: r.Hostname,
			Online:   strings.Contains(strings.ToLower(r.OnlineStatus), "online"),
			Active:   strings.EqualFold(r.ActiveStatus, "active"),
		})
	}
	return out, nil
}
