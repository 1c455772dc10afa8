// Package api is the chef station's REST client for the meal server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/0gfoundation/mealvoucher/internal/auth"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

// Error is a non-2xx server response.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// IsTransport reports whether err is a network-level failure (no usable
// response) as opposed to a server answer.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	return !errors.As(err, &apiErr) || apiErr.Status >= http.StatusInternalServerError
}

// Client is a device-authenticated meal server client. Every call is
// bounded by the client timeout even if ctx has no deadline.
type Client struct {
	baseURL string
	signer  *auth.RequestSigner
	http    *http.Client
}

func NewClient(baseURL string, signer *auth.RequestSigner, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		signer:  signer,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.Sign(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}
	return c.http.Do(req)
}

func (c *Client) call(ctx context.Context, op, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) //nolint:errcheck
		return &Error{Op: op, Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// StudentKeys fetches GET /chef/keys.
func (c *Client) StudentKeys(ctx context.Context) ([]voucher.StudentKey, error) {
	var keys []voucher.StudentKey
	if err := c.call(ctx, "download keys", http.MethodGet, "/chef/keys", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// TodayPermissions fetches GET /chef/permissions/today.
func (c *Client) TodayPermissions(ctx context.Context) ([]voucher.Permission, error) {
	var perms []voucher.Permission
	if err := c.call(ctx, "download permissions", http.MethodGet, "/chef/permissions/today", nil, &perms); err != nil {
		return nil, err
	}
	return perms, nil
}

// Validate forwards the five payload fields to POST /qr/validate.
func (c *Client) Validate(ctx context.Context, p *voucher.Payload) (*ValidationResponse, error) {
	var out ValidationResponse
	if err := c.call(ctx, "validate voucher", http.MethodPost, "/qr/validate", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBatch posts offline transactions to POST /transactions/batch.
func (c *Client) SubmitBatch(ctx context.Context, items []BatchItem) (*BatchResponse, error) {
	var out BatchResponse
	if err := c.call(ctx, "submit batch", http.MethodPost, "/transactions/batch", items, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
