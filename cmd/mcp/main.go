// Fairbroker MCP Server - Exposes Fairbroker capabilities as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/fairbroker/fairbroker/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("FAIRBROKER_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("FAIRBROKER_API_KEY"),
		Identity: os.Getenv("FAIRBROKER_IDENTITY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "FAIRBROKER_API_KEY is required")
		os.Exit(1)
	}
	if cfg.Identity == "" {
		fmt.Fprintln(os.Stderr, "FAIRBROKER_IDENTITY is required")
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
