// Package credits talks to the external credit-issuing API. Credits
// are granted to a user's upstream identity after an on-chain payment
// settles.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

var ErrNotAuthenticated = errors.New("credit API token missing, authenticate first")

// Client is an HTTP client for the credit API. It holds the JWT
// obtained from Authenticate and refreshes it periodically via
// RenewLoop; token renewal happens on a multi-hour interval.
type Client struct {
	baseURL    string
	email      string
	password   string
	httpClient *http.Client
	log        *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a new credit API client.
func NewClient(baseURL, email, password string, log *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		email:    email,
		password: password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate logs in against the credit API and stores the
// returned JWT for subsequent calls.
func (c *Client) Authenticate(ctx context.Context) error {
	data, err := c.doRequest(ctx, "POST", "/auth", authRequest{
		Email:    c.email,
		Password: c.password,
	}, false)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("unmarshal auth response: %w", err)
	}
	if resp.Token == "" {
		return errors.New("auth response contained no token")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// Token returns the currently held JWT, empty if not authenticated.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type addCreditsRequest struct {
	Qty    int64  `json:"qty"`
	UserID string `json:"userId"`
}

// AddCredits grants qty credits to a user's upstream identity.
func (c *Client) AddCredits(ctx context.Context, userID string, qty int64) error {
	if qty <= 0 {
		return errors.New("qty must be positive")
	}
	if userID == "" {
		return errors.New("userID is required")
	}

	_, err := c.doRequest(ctx, "POST", "/users/credit/add", addCreditsRequest{
		Qty:    qty,
		UserID: userID,
	}, true)
	if err != nil {
		return fmt.Errorf("add credits for %s: %w", userID, err)
	}
	return nil
}

// RenewLoop re-authenticates on a fixed interval so the stored JWT
// never expires mid-settlement. Runs until the context is cancelled.
func (c *Client) RenewLoop(ctx context.Context, interval time.Duration) {
	c.log.Info("credit token renew loop started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Authenticate(ctx); err != nil {
				c.log.Error("renew credit token", "error", err)
				continue
			}
			c.log.Info("credit token renewed")
		}
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, withToken bool) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withToken {
		token := c.Token()
		if token == "" {
			return nil, ErrNotAuthenticated
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("credit API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}
