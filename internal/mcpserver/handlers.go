package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const defaultHistoryLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeURL runs one analysis.
func (h *Handlers) HandleAnalyzeURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	raw, ok := args["url"].(string)
	if !ok {
		return mcp.NewToolResultError("url is required"), nil
	}

	body, scanID, err := h.client.AnalyzeURL(ctx, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze URL: %v", err)), nil
	}

	text, err := formatVerdict(body, scanID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetScanHistory lists recent scans.
func (h *Handlers) HandleGetScanHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultHistoryLimit)
	cursor := req.GetString("cursor", "")

	body, next, err := h.client.ScanHistory(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get scan history: %v", err)), nil
	}

	text, err := formatHistory(body, next)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scan history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetScanAnalytics returns per-level totals.
func (h *Handlers) HandleGetScanAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := h.client.Analytics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get analytics: %v", err)), nil
	}

	text, err := formatAnalytics(body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analytics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDeleteScan removes a scan from history.
func (h *Handlers) HandleDeleteScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scanID := req.GetString("scan_id", "")
	if scanID == "" {
		return mcp.NewToolResultError("scan_id is required"), nil
	}

	if _, err := h.client.DeleteScan(ctx, scanID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to delete scan: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scan %s deleted.", scanID)), nil
}

// --- Formatting helpers ---

type verdictView struct {
	URL            string   `json:"url"`
	ThreatScore    float64  `json:"threatScore"`
	ThreatLevel    string   `json:"threatLevel"`
	Confidence     string   `json:"confidence"`
	IsMalicious    bool     `json:"isMalicious"`
	Indicators     []string `json:"indicators"`
	Recommendation string   `json:"recommendation"`
	SafeToVisit    bool     `json:"safeToVisit"`
}

type scanView struct {
	ScanID      string  `json:"scanId"`
	URL         string  `json:"url"`
	ThreatScore float64 `json:"threatScore"`
	ThreatLevel string  `json:"threatLevel"`
	CreatedAt   string  `json:"createdAt"`
}

type analyticsView struct {
	TotalScans      int `json:"totalScans"`
	SafeCount       int `json:"safeCount"`
	SuspiciousCount int `json:"suspiciousCount"`
	HighRiskCount   int `json:"highRiskCount"`
}

func formatVerdict(raw json.RawMessage, scanID string) (string, error) {
	var v verdictView
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", v.URL)
	fmt.Fprintf(&sb, "Threat level: %s (score %.2f, confidence %s)\n", v.ThreatLevel, v.ThreatScore, v.Confidence)
	fmt.Fprintf(&sb, "Safe to visit: %s\n", yesNo(v.SafeToVisit))
	if v.IsMalicious {
		sb.WriteString("Likely malicious: yes\n")
	}
	if len(v.Indicators) > 0 {
		sb.WriteString("Indicators:\n")
		for _, ind := range v.Indicators {
			fmt.Fprintf(&sb, "  - %s\n", ind)
		}
	}
	fmt.Fprintf(&sb, "Recommendation: %s\n", v.Recommendation)
	if scanID != "" {
		fmt.Fprintf(&sb, "Scan ID: %s\n", scanID)
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage, next string) (string, error) {
	var items []scanView
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", fmt.Errorf("unexpected scan history format")
	}
	if len(items) == 0 {
		return "No scans recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d scan(s):\n\n", len(items))
	for i, s := range items {
		fmt.Fprintf(&sb, "%d. [%s %.2f] %s\n", i+1, s.ThreatLevel, s.ThreatScore, s.URL)
		fmt.Fprintf(&sb, "   id %s at %s\n", s.ScanID, s.CreatedAt)
	}
	if next != "" {
		fmt.Fprintf(&sb, "\nMore results available. cursor: %s\n", next)
	}
	return sb.String(), nil
}

func formatAnalytics(raw json.RawMessage) (string, error) {
	var a analyticsView
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Scan analytics:\n")
	fmt.Fprintf(&sb, "  Total:      %d\n", a.TotalScans)
	fmt.Fprintf(&sb, "  Safe:       %d\n", a.SafeCount)
	fmt.Fprintf(&sb, "  Suspicious: %d\n", a.SuspiciousCount)
	fmt.Fprintf(&sb, "  High Risk:  %d\n", a.HighRiskCount)
	return sb.String(), nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
