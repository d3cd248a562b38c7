// Sokuji wallet MCP server: exposes wallet inspection as MCP tools for LLMs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kizuna-ai-lab/sokuji/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("SOKUJI_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("SOKUJI_API_KEY"),
		AdminSecret: os.Getenv("SOKUJI_ADMIN_SECRET"),
	}

	if cfg.APIKey == "" && cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "SOKUJI_API_KEY or SOKUJI_ADMIN_SECRET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
