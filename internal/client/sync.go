// Package client is a thin HTTP client for the sync endpoint, used by the
// nbsync CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neurobreath/server/internal/sync"
)

// ErrUnavailable means the server reported its storage down. Local data is
// intact; the same sync can be retried later.
var ErrUnavailable = errors.New("server storage unavailable, retry later")

// Client talks to one sync server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client. token may be empty when the server does not enforce
// bearer auth.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Sync posts the device's data and returns the server's merged view.
func (c *Client) Sync(ctx context.Context, deviceID string, isGuest bool, data *sync.ClientData) (*sync.Response, error) {
	reqBody, err := json.Marshal(sync.Request{
		DeviceID:   deviceID,
		IsGuest:    &isGuest,
		ClientData: data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errBody struct {
			Error         string `json:"error"`
			DBUnavailable bool   `json:"dbUnavailable"`
		}
		_ = json.Unmarshal(body, &errBody)
		if httpResp.StatusCode == http.StatusServiceUnavailable && errBody.DBUnavailable {
			return nil, ErrUnavailable
		}
		if errBody.Error != "" {
			return nil, fmt.Errorf("sync failed (%d): %s", httpResp.StatusCode, errBody.Error)
		}
		return nil, fmt.Errorf("sync failed: status %d", httpResp.StatusCode)
	}

	var resp sync.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &resp, nil
}
