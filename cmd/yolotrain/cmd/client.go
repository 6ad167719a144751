package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/psantana5/yolotrain/pkg/api"
	"github.com/psantana5/yolotrain/pkg/models"
)

// APIError is a non-2xx reply from the server
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (status %d): %s", e.Name, e.StatusCode, e.Message)
}

// Client talks to a yolotrain-server
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the server at base
func NewClient(base, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), apiKey: apiKey, http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Name: e.Error, Message: e.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Start submits a training job
func (c *Client) Start(ctx context.Context, cfg models.TrainingConfig, archiveB64 string) (*models.StartTrainingResponse, error) {
	var out models.StartTrainingResponse
	err := c.do(ctx, http.MethodPost, "/api/training/start", models.StartTrainingRequest{Config: cfg, DatasetZip: archiveB64}, &out)
	return &out, err
}

// Status returns the full job record
func (c *Client) Status(ctx context.Context, id string) (*models.Job, error) {
	var out models.Job
	err := c.do(ctx, http.MethodGet, "/api/training/status/"+url.PathEscape(id), nil, &out)
	return &out, err
}

// List returns a summary of every job
func (c *Client) List(ctx context.Context) (*models.JobList, error) {
	var out models.JobList
	err := c.do(ctx, http.MethodGet, "/api/training/list", nil, &out)
	return &out, err
}

// Stop asks the server to stop a job and returns its reply message
func (c *Client) Stop(ctx context.Context, id string) (string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodPost, "/api/training/stop/"+url.PathEscape(id), nil, &out)
	return out["message"], err
}

// Delete removes a job and its files
func (c *Client) Delete(ctx context.Context, id string) (string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodDelete, "/api/training/"+url.PathEscape(id), nil, &out)
	return out["message"], err
}

// Results returns metrics and output files of a job
func (c *Client) Results(ctx context.Context, id string) (*models.Results, error) {
	var out models.Results
	err := c.do(ctx, http.MethodGet, "/api/training/"+url.PathEscape(id)+"/results", nil, &out)
	return &out, err
}

// Health returns the server health reply
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Dial opens the live update stream of a job
func (c *Client) Dial(ctx context.Context, id string, dialer *websocket.Dialer) (*websocket.Conn, error) {
	u, err := url.Parse(c.base + "/ws/training/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return nil, err
	}
	return conn, nil
}
