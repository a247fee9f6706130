package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Extractly tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("extractly", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckEntitlement, h.HandleCheckEntitlement)
	s.AddTool(ToolGetUsage, h.HandleGetUsage)
	s.AddTool(ToolListPlans, h.HandleListPlans)
	s.AddTool(ToolChangePlan, h.HandleChangePlan)
	s.AddTool(ToolEstimateCost, h.HandleEstimateCost)

	return s
}
