// Package mcptools exposes pdv-sync to AI assistants over the Model Context
// Protocol, on stdio or streamable HTTP.
package mcptools

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewServer creates an MCP server with every tool and prompt registered.
func NewServer(d Deps) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    "pdv-sync",
		Version: d.Version,
	}, nil)
	RegisterAll(s, d)
	RegisterPrompts(s)
	return s
}

// RunStdio serves s on stdin/stdout until ctx is cancelled.
func RunStdio(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves s over streamable HTTP.
func HTTPHandler(s *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s
	}, nil)
}
