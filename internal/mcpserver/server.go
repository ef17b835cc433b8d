package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all urlsentry tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("urlsentry", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAnalyzeURL, h.HandleAnalyzeURL)
	s.AddTool(ToolGetScanHistory, h.HandleGetScanHistory)
	s.AddTool(ToolGetScanAnalytics, h.HandleGetScanAnalytics)
	s.AddTool(ToolDeleteScan, h.HandleDeleteScan)

	return s
}
