package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server. Operator tools are only
// registered when an admin secret is configured.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("sokuji-wallet", "1.0.0")
	client := NewWalletClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetQuota, h.HandleGetQuota)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)
	s.AddTool(ToolListPlans, h.HandleListPlans)

	if client.HasAdmin() {
		s.AddTool(ToolGetWallet, h.HandleGetWallet)
		s.AddTool(ToolAdjustTokens, h.HandleAdjustTokens)
		s.AddTool(ToolFreezeWallet, h.HandleFreezeWallet)
		s.AddTool(ToolReconcile, h.HandleReconcile)
	}

	return s
}
