// Extractly MCP Server - exposes entitlement and usage lookups as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/extractly/internal/mcpserver"
)

// Version is set at build time.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("EXTRACTLY_API_URL", "http://localhost:8080"),
		Token:       os.Getenv("EXTRACTLY_TOKEN"),
		AdminSecret: os.Getenv("EXTRACTLY_ADMIN_SECRET"),
	}

	if cfg.Token == "" && cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "EXTRACTLY_TOKEN or EXTRACTLY_ADMIN_SECRET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
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
