package mcptools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/config"
)

// Deps are the services the tools call into.
type Deps struct {
	Selections Selections
	Articles   Articles
	Runner     Runner
	Status     StatusStore
	Pool       PoolStats
	Config     *config.Config
	Version    string
}

// RegisterAll registers all MCP tools
func RegisterAll(s *mcp.Server, d Deps) {
	RegisterSearchArticles(s, d.Selections, d.Articles)
	RegisterGetSyncStatus(s, d.Selections, d.Status, d.Runner, d.Pool)
	RegisterTriggerSync(s, d.Runner)
	RegisterCheckFileChanges(s, d.Selections, d.Runner)
	RegisterGetConfiguration(s, d.Config, d.Version)

	log.Info().Int("tools", 5).Msg("MCP tools registered")
}

func text(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg reads a JSON number argument; absent or non-numeric values are 0.
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
