// Package remote talks to the Brewlog backend: a REST client for push and
// pull, and a websocket feed that nudges sync when other devices publish.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/errors"
	"github.com/brewlog/core/internal/sync"
)

// Client is the HTTP remote store.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ sync.RemoteStore = (*Client)(nil)

// NewClient creates a Client from remote configuration.
func NewClient(cfg config.RemoteConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Push sends one mutation. The change id travels as an idempotency key so a
// retry after an ambiguous timeout cannot apply twice.
func (c *Client) Push(ctx context.Context, change sync.PushChange) (*sync.PushResult, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode push change", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/changes", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", change.ChangeID)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "push request failed", err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return nil, err
	}

	var result sync.PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "failed to decode push result", err)
	}
	return &result, nil
}

// PullChanges fetches remote changes strictly newer than sinceCursor,
// oldest first.
func (c *Client) PullChanges(ctx context.Context, sinceCursor int64) ([]sync.RemoteChange, error) {
	url := c.baseURL + "/changes?since=" + strconv.FormatInt(sinceCursor, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build pull request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "pull request failed", err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Changes []sync.RemoteChange `json:"changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(errors.ErrSyncTransient, "failed to decode pull response", err)
	}
	return payload.Changes, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classify maps a non-2xx response to the engine's failure taxonomy:
// timeouts, throttling and server errors retry with backoff, everything else
// the server said no to is permanent.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := fmt.Sprintf("remote returned %d", resp.StatusCode)
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 1024)); err == nil && len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return errors.New(errors.ErrSyncTransient, msg)
	default:
		return errors.New(errors.ErrSyncRejected, msg)
	}
}
