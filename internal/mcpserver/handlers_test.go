package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const highRiskVerdict = `{
	"url": "http://192.168.1.1.xyz/verify-account-update",
	"threatScore": 0.6,
	"threatLevel": "High Risk",
	"confidence": "Medium",
	"isMalicious": true,
	"indicators": ["No HTTPS encryption", "High-risk TLD detected"],
	"recommendation": "This URL shows multiple high-risk indicators. Do not visit this URL.",
	"actionRequired": true,
	"safeToVisit": false,
	"features": {},
	"googleSafeBrowsing": {"enabled": false, "result": "API key not configured"},
	"virusTotal": {"enabled": false, "result": "API key not configured"}
}`

// ============================================================
// Client tests
// ============================================================

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "Scan not found",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).DeleteScan(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Scan not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Analytics(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).Analytics(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_TrailingSlashBaseURL(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL + "/"}).Analytics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/v1/analytics", gotPath)
}

func TestClient_ScanHistoryQuery(t *testing.T) {
	var gotLimit, gotCursor string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		gotCursor = r.URL.Query().Get("cursor")
		w.Header().Set("X-Next-Cursor", "next-page")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	_, next, err := NewClient(Config{APIURL: ts.URL}).ScanHistory(context.Background(), 5, "abc")
	require.NoError(t, err)
	assert.Equal(t, "5", gotLimit)
	assert.Equal(t, "abc", gotCursor)
	assert.Equal(t, "next-page", next)
}

// ============================================================
// analyze_url
// ============================================================

func TestHandleAnalyzeURL(t *testing.T) {
	var gotBody map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/analyze-url", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("X-Scan-ID", "6f1c2b9e-0000-4000-8000-000000000001")
		_, _ = w.Write([]byte(highRiskVerdict))
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeURL(context.Background(), makeRequest(map[string]any{
		"url": "http://192.168.1.1.xyz/verify-account-update",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Equal(t, "http://192.168.1.1.xyz/verify-account-update", gotBody["url"])
	assert.Contains(t, text, "Threat level: High Risk (score 0.60, confidence Medium)")
	assert.Contains(t, text, "Safe to visit: no")
	assert.Contains(t, text, "Likely malicious: yes")
	assert.Contains(t, text, "  - High-risk TLD detected")
	assert.Contains(t, text, "Scan ID: 6f1c2b9e-0000-4000-8000-000000000001")
}

func TestHandleAnalyzeURL_EmptyStringIsForwarded(t *testing.T) {
	var calls int
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(highRiskVerdict))
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeURL(context.Background(), makeRequest(map[string]any{"url": ""}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, 1, calls)
}

func TestHandleAnalyzeURL_MissingURL(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach server")
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeURL(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "url is required")
}

func TestHandleAnalyzeURL_ServerError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"processing_failed","message":"Failed to analyze URL"}`))
	}))
	defer cleanup()

	result, err := h.HandleAnalyzeURL(context.Background(), makeRequest(map[string]any{"url": "http://x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to analyze URL")
}

// ============================================================
// get_scan_history
// ============================================================

func TestHandleGetScanHistory(t *testing.T) {
	var gotLimit string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scan-history", r.URL.Path)
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("X-Next-Cursor", "c2")
		_, _ = w.Write([]byte(`[
			{"scanId":"id-2","url":"http://b.tk","threatScore":0.7,"threatLevel":"High Risk","createdAt":"2026-06-01T00:01:00Z"},
			{"scanId":"id-1","url":"https://a.example","threatScore":0,"threatLevel":"Safe","createdAt":"2026-06-01T00:00:00Z"}
		]`))
	}))
	defer cleanup()

	result, err := h.HandleGetScanHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Equal(t, "20", gotLimit)
	assert.Contains(t, text, "Found 2 scan(s)")
	assert.Contains(t, text, "1. [High Risk 0.70] http://b.tk")
	assert.Contains(t, text, "2. [Safe 0.00] https://a.example")
	assert.Contains(t, text, "cursor: c2")
}

func TestHandleGetScanHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer cleanup()

	result, err := h.HandleGetScanHistory(context.Background(), makeRequest(map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	assert.Equal(t, "No scans recorded.", resultText(t, result))
}

func TestHandleGetScanHistory_BadShape(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleGetScanHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// get_scan_analytics
// ============================================================

func TestHandleGetScanAnalytics(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/analytics", r.URL.Path)
		_, _ = w.Write([]byte(`{"totalScans":7,"safeCount":3,"suspiciousCount":2,"highRiskCount":2}`))
	}))
	defer cleanup()

	result, err := h.HandleGetScanAnalytics(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Total:      7")
	assert.Contains(t, text, "Safe:       3")
	assert.Contains(t, text, "High Risk:  2")
}

// ============================================================
// delete_scan
// ============================================================

func TestHandleDeleteScan(t *testing.T) {
	var gotMethod, gotPath string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"deleted","scanId":"abc"}`))
	}))
	defer cleanup()

	result, err := h.HandleDeleteScan(context.Background(), makeRequest(map[string]any{"scan_id": "abc"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/v1/scan-history/abc", gotPath)
	assert.Contains(t, resultText(t, result), "Scan abc deleted.")
}

func TestHandleDeleteScan_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleDeleteScan(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "scan_id is required")
}

func TestHandleDeleteScan_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Scan not found"}`))
	}))
	defer cleanup()

	result, err := h.HandleDeleteScan(context.Background(), makeRequest(map[string]any{"scan_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Scan not found")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)
}
