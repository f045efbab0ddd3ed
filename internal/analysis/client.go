// Package analysis is the client for the external natural-language analysis
// service. The service turns free text into droplet parameters (or a
// missing-parameters diagnostic) and suggests container workloads for a
// described task. Intent parsing itself is entirely delegated; this client
// only shapes requests and responses.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dropletd/internal/models"
)

// ErrMissingParameters indicates the analysis service could not derive a
// complete droplet specification from the user's text. The accompanying
// Diagnostic carries the missing fields and suggested values.
var ErrMissingParameters = errors.New("analysis: missing parameters")

// Diagnostic describes what the analysis service still needs from the user.
type Diagnostic struct {
	Missing     []string          `json:"missing"`
	Suggestions map[string]string `json:"suggestions,omitempty"`
	Message     string            `json:"message,omitempty"`
}

// Plan is a complete droplet specification derived from the user's request.
type Plan struct {
	Name      string            `json:"name"`
	Region    string            `json:"region"`
	Size      string            `json:"size"`
	Image     string            `json:"image"`
	GPU       bool              `json:"gpu"`
	Workloads []models.Workload `json:"workloads"`
}

// Client talks to the analysis service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the analysis service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient swaps the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

type analyzeRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id,omitempty"`
	Project string `json:"project,omitempty"`
}

type analyzeResponse struct {
	Plan       *Plan       `json:"plan,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// Analyze submits the user's free-text request. On success it returns a
// complete Plan; when the service reports missing parameters the error wraps
// ErrMissingParameters and the Diagnostic is returned alongside it.
func (c *Client) Analyze(ctx context.Context, message, userID, project string) (*Plan, *Diagnostic, error) {
	var resp analyzeResponse
	if err := c.post(ctx, "/analyze", analyzeRequest{Message: message, UserID: userID, Project: project}, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Diagnostic != nil {
		return nil, resp.Diagnostic, ErrMissingParameters
	}
	if resp.Plan == nil {
		return nil, nil, errors.New("analysis: empty response")
	}
	return resp.Plan, nil, nil
}

type suggestRequest struct {
	Task string `json:"task"`
}

type suggestResponse struct {
	Workloads []models.Workload `json:"workloads"`
	GPU       bool              `json:"gpu"`
}

// SuggestWorkloads asks the service for container image/command pairs
// suited to the described task.
func (c *Client) SuggestWorkloads(ctx context.Context, task string) ([]models.Workload, bool, error) {
	var resp suggestResponse
	if err := c.post(ctx, "/suggest", suggestRequest{Task: task}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Workloads, resp.GPU, nil
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("analysis: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analysis: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("analysis: %s: unexpected status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}
