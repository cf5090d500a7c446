package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/config"
)

func RegisterGetConfiguration(s *mcp.Server, cfg *config.Config, version string) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_configuration",
		Description: "Show current pdv-sync configuration (store, legacy driver, search roots, sync interval, etc.)",
	}, getConfiguration(cfg, version))
}

func getConfiguration(cfg *config.Config, version string) mcp.ToolHandlerFor[map[string]interface{}, interface{}] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]interface{}) (*mcp.CallToolResult, interface{}, error) {
		log.Info().Str("tool", "get_configuration").Msg("Tool called")

		// DSNs can carry credentials and are left out.
		settings := map[string]interface{}{
			"version":          version,
			"store_driver":     cfg.Store.Driver,
			"legacy_driver":    cfg.Legacy.Driver,
			"max_connections":  cfg.Legacy.MaxConnections,
			"idle_timeout":     cfg.Legacy.IdleTimeout.String(),
			"query_source":     cfg.Query.Source,
			"cache_dir":        cfg.Cache.Dir,
			"known_roots":      []string(cfg.Locator.KnownRoots),
			"search_env_vars":  []string(cfg.Locator.EnvVars),
			"sync_enabled":     cfg.Sync.Enabled,
			"sync_interval":    cfg.Sync.Interval.String(),
			"sync_batch_size":  cfg.Sync.BatchSize,
			"watch_filesystem": cfg.Sync.WatchFS,
			"log_level":        cfg.Logging.Level,
			"log_format":       cfg.Logging.Format,
		}

		log.Trace().Str("tool", "get_configuration").Interface("response", settings).Msg("Tool response")

		roots := len(cfg.Locator.KnownRoots)
		return text(fmt.Sprintf("Configuration: %d search root%s, legacy driver %s",
			roots, map[bool]string{true: "", false: "s"}[roots == 1], cfg.Legacy.Driver)), settings, nil
	}
}
