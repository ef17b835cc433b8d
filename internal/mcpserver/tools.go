package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the urlsentry MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeURL = mcp.NewTool("analyze_url",
	mcp.WithDescription(
		"Assess whether a URL is likely malicious (phishing, malware, scam). "+
			"Returns a threat level (Safe, Suspicious, High Risk), a score between 0 and 1, "+
			"the indicators that fired and a recommendation. The URL is never fetched."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("The URL to assess, exactly as received (e.g. 'http://login.example.tk/verify')")),
)

var ToolGetScanHistory = mcp.NewTool("get_scan_history",
	mcp.WithDescription(
		"List recently analyzed URLs, newest first, with their threat level and score. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of scans to return (default 20, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous get_scan_history result")),
)

var ToolGetScanAnalytics = mcp.NewTool("get_scan_analytics",
	mcp.WithDescription(
		"Get totals of recorded scans broken down by threat level."),
)

var ToolDeleteScan = mcp.NewTool("delete_scan",
	mcp.WithDescription(
		"Delete one scan from the history by its scan ID."),
	mcp.WithString("scan_id",
		mcp.Required(),
		mcp.Description("The scan ID (a UUID) from analyze_url or get_scan_history")),
)
