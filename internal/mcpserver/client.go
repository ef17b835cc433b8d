package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for reaching a urlsentry API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration // per-request; 30s when zero
}

// Client is a thin HTTP client for the urlsentry /v1 API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the urlsentry API.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiError is the error body every urlsentry endpoint returns.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// response is a successful API reply.
type response struct {
	Body   json.RawMessage
	Header http.Header
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (*response, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return &response{Body: respBody, Header: resp.Header}, nil
}

// AnalyzeURL submits a URL for analysis. The scan ID is empty when the
// server did not record the scan.
func (c *Client) AnalyzeURL(ctx context.Context, rawURL string) (body json.RawMessage, scanID string, err error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/analyze-url", nil, map[string]string{"url": rawURL})
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("X-Scan-ID"), nil
}

// ScanHistory lists recent scans, newest first. next is the cursor for the
// following page, empty on the last page.
func (c *Client) ScanHistory(ctx context.Context, limit int, cursor string) (body json.RawMessage, next string, err error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/scan-history", q, nil)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("X-Next-Cursor"), nil
}

// Analytics returns scan counts by threat level.
func (c *Client) Analytics(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/analytics", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DeleteScan removes one scan from history.
func (c *Client) DeleteScan(ctx context.Context, scanID string) (json.RawMessage, error) {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/v1/scan-history/"+url.PathEscape(scanID), nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
