// Package clienthttp is the operator-facing client for the server's control
// plane, used by the pullctl binary.
package clienthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the server's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health is the GET /health response.
type Health struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connected_clients"`
	ActiveDownloads  int    `json:"active_downloads"`
}

// ClientInfo is one connected agent in the GET /api/clients response.
type ClientInfo struct {
	ClientID  string    `json:"client_id"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Download is the API's transfer representation.
type Download struct {
	DownloadID     string     `json:"download_id"`
	ClientID       string     `json:"client_id"`
	FilePath       string     `json:"file_path"`
	LocalPath      string     `json:"local_path"`
	Status         string     `json:"status"`
	ChunksReceived uint64     `json:"chunks_received"`
	BytesReceived  int64      `json:"bytes_received"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Terminal reports whether the download has finished, successfully or not.
func (d Download) Terminal() bool {
	return d.Status == "completed" || d.Status == "failed"
}

// GetHealth fetches the server health summary.
func (c *Client) GetHealth(ctx context.Context) (Health, error) {
	var out Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// ListClients fetches the connected agents.
func (c *Client) ListClients(ctx context.Context) ([]ClientInfo, error) {
	var out struct {
		Clients []ClientInfo `json:"clients"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/clients", nil, &out)
	return out.Clients, err
}

// StartDownload asks the server to pull filePath from clientID.
func (c *Client) StartDownload(ctx context.Context, clientID, filePath string) (Download, error) {
	var out Download
	err := c.doJSON(ctx, http.MethodPost, "/api/download", map[string]string{
		"client_id": clientID,
		"file_path": filePath,
	}, &out)
	return out, err
}

// GetDownload fetches one transfer's state.
func (c *Client) GetDownload(ctx context.Context, downloadID string) (Download, error) {
	var out Download
	err := c.doJSON(ctx, http.MethodGet, "/api/downloads/"+downloadID, nil, &out)
	return out, err
}

// ListDownloads fetches every transfer the server knows about.
func (c *Client) ListDownloads(ctx context.Context) ([]Download, error) {
	var out struct {
		Downloads []Download `json:"downloads"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/downloads", nil, &out)
	return out.Downloads, err
}

// WaitForDownload polls until the transfer reaches a terminal state or ctx
// is cancelled.
func (c *Client) WaitForDownload(ctx context.Context, downloadID string, pollInterval time.Duration) (Download, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		d, err := c.GetDownload(ctx, downloadID)
		if err != nil {
			return Download{}, err
		}
		if d.Terminal() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
