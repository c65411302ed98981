package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Fairbroker tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fairbroker", "1.0.0")
	client := NewBrokerClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListOffers, h.HandleListOffers)
	s.AddTool(ToolGetOffer, h.HandleGetOffer)
	s.AddTool(ToolCreateOffer, h.HandleCreateOffer)
	s.AddTool(ToolAcceptOffer, h.HandleAcceptOffer)
	s.AddTool(ToolCompleteOffer, h.HandleCompleteOffer)
	s.AddTool(ToolCancelOffer, h.HandleCancelOffer)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)

	return s
}
