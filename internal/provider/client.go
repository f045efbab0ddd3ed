// Package provider implements the DigitalOcean REST client used to create,
// inspect, and destroy droplets.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.digitalocean.com/v2"

var (
	// ErrNotFound maps the provider's 404. Delete treats it as success so
	// the reaper stays idempotent.
	ErrNotFound = errors.New("provider: droplet not found")

	// ErrAuth maps the provider's 401. It almost always means a
	// misconfigured token rather than a transient fault, so handlers
	// surface it with remediation guidance instead of a bare 500.
	ErrAuth = errors.New("provider: invalid or expired API token")
)

// Client talks to the droplet provider's REST API with bearer-token auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, primarily for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a provider client for the given API token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Droplet is the subset of the provider's droplet representation the service
// tracks.
type Droplet struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Region      string  `json:"region"`
	Size        string  `json:"size"`
	Image       string  `json:"image"`
	IPv4        string  `json:"ipv4"`
	MonthlyCost float64 `json:"monthly_cost"`
}

type dropletEnvelope struct {
	Droplet wireDroplet `json:"droplet"`
}

type wireDroplet struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Region struct {
		Slug string `json:"slug"`
	} `json:"region"`
	SizeSlug string `json:"size_slug"`
	SizeInfo struct {
		PriceMonthly float64 `json:"price_monthly"`
	} `json:"size"`
	Image struct {
		Slug string `json:"slug"`
	} `json:"image"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (w wireDroplet) toDroplet() Droplet {
	d := Droplet{
		ID:          w.ID,
		Name:        w.Name,
		Status:      w.Status,
		Region:      w.Region.Slug,
		Size:        w.SizeSlug,
		Image:       w.Image.Slug,
		MonthlyCost: w.SizeInfo.PriceMonthly,
	}
	for _, v4 := range w.Networks.V4 {
		if v4.Type == "public" {
			d.IPv4 = v4.IPAddress
			break
		}
	}
	return d
}

// CreateRequest describes a droplet to provision. UserData carries the
// rendered cloud-init document executed at first boot.
type CreateRequest struct {
	Name     string `json:"name"`
	Region   string `json:"region"`
	Size     string `json:"size"`
	Image    string `json:"image"`
	UserData string `json:"user_data,omitempty"`
}

// Create provisions a droplet and returns the provider's view of it.
func (c *Client) Create(ctx context.Context, req CreateRequest) (Droplet, error) {
	var env dropletEnvelope
	if err := c.do(ctx, http.MethodPost, "/droplets", req, &env, http.StatusAccepted, http.StatusCreated); err != nil {
		return Droplet{}, err
	}
	return env.Droplet.toDroplet(), nil
}

// Get fetches a droplet by its numeric id.
func (c *Client) Get(ctx context.Context, id int64) (Droplet, error) {
	var env dropletEnvelope
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/droplets/%d", id), nil, &env, http.StatusOK); err != nil {
		return Droplet{}, err
	}
	return env.Droplet.toDroplet(), nil
}

// Delete destroys a droplet. A provider 404 is reported as ErrNotFound so
// callers can treat an already-gone droplet as a successful delete.
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/droplets/%d", id), nil, nil, http.StatusNoContent)
}

// Metrics proxies the provider's monitoring endpoint for one droplet. The
// payload is passed through untouched.
func (c *Client) Metrics(ctx context.Context, id int64, kind string, start, end time.Time) (json.RawMessage, error) {
	path := fmt.Sprintf("/monitoring/metrics/droplet/%s?host_id=%d&start=%d&end=%d",
		kind, id, start.Unix(), end.Unix())
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, http.StatusOK); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any, okStatuses ...int) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrAuth
	}

	ok := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider: %s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("provider: decode response: %w", err)
	}
	return nil
}
