package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is an HTTP client for the full node REST API. It covers the
// queries the wallet and pricing paths need: address balance, unspent
// outputs, raw transaction broadcast and the BCH/USD rate.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// Rate limiting
	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// NewClient creates a new node API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		minDelay: 250 * time.Millisecond, // ~4 RPS
	}
}

func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastCall)
	if elapsed < c.minDelay {
		time.Sleep(c.minDelay - elapsed)
	}
	c.lastCall = time.Now()
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	c.throttle()

	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
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
		return nil, fmt.Errorf("node API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// Balance returns the satoshi balance of an address.
func (c *Client) Balance(ctx context.Context, address string) (Balance, error) {
	path := "/electrumx/balance/" + url.PathEscape(address)
	data, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return Balance{}, err
	}

	var resp balanceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Balance{}, fmt.Errorf("unmarshal: %w", err)
	}
	if !resp.Success {
		return Balance{}, fmt.Errorf("balance query failed for %s", address)
	}

	return resp.Balance, nil
}

// UTXOs returns the unspent outputs of an address.
func (c *Client) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	path := "/electrumx/utxos/" + url.PathEscape(address)
	data, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp utxoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("utxo query failed for %s", address)
	}

	return resp.UTXOs, nil
}

// Broadcast submits a serialized transaction and returns its txid.
func (c *Client) Broadcast(ctx context.Context, txHex string) (string, error) {
	body := broadcastRequest{Hexes: []string{txHex}}
	data, err := c.doRequest(ctx, "POST", "/rawtransactions/sendRawTransaction", body)
	if err != nil {
		return "", err
	}

	var txids []string
	if err := json.Unmarshal(data, &txids); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	if len(txids) == 0 {
		return "", fmt.Errorf("broadcast returned no txid")
	}

	return txids[0], nil
}

// USDPrice returns the current BCH price in USD.
func (c *Client) USDPrice(ctx context.Context) (float64, error) {
	data, err := c.doRequest(ctx, "GET", "/price/usd", nil)
	if err != nil {
		return 0, err
	}

	var resp priceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("unmarshal: %w", err)
	}
	if resp.USD <= 0 {
		return 0, fmt.Errorf("invalid USD price %f", resp.USD)
	}

	return resp.USD, nil
}
