package mcptools

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/folder"
)

func RegisterGetSyncStatus(s *mcp.Server, sel Selections, st StatusStore, runner Runner, pool PoolStats) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_sync_status",
		Description: "Show the selected folder, the last sync of every legacy file, recorded sync failures, the last sync run and connection pool usage",
	}, getSyncStatus(sel, st, runner, pool))
}

func getSyncStatus(sel Selections, st StatusStore, runner Runner, pool PoolStats) mcp.ToolHandlerFor[map[string]interface{}, interface{}] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]interface{}) (*mcp.CallToolResult, interface{}, error) {
		log.Info().Str("tool", "get_sync_status").Msg("Tool called")

		rows, err := st.ListSyncStatus(ctx)
		if err != nil {
			log.Error().Err(err).Str("tool", "get_sync_status").Msg("Tool failed")
			return nil, nil, err
		}
		failures, err := st.ListFailures(ctx)
		if err != nil {
			log.Error().Err(err).Str("tool", "get_sync_status").Msg("Tool failed")
			return nil, nil, err
		}

		status := map[string]interface{}{
			"sync_status": rows,
			"failures":    failures,
			"last_run":    runner.LastRun(),
			"pool":        pool.Stats(),
		}
		f, err := sel.Current(ctx)
		switch {
		case err == nil:
			status["selection"] = f
		case errors.Is(err, folder.ErrNoSelection):
			status["selection"] = nil
		default:
			status["selection"] = f
			status["selection_error"] = err.Error()
		}

		log.Trace().Str("tool", "get_sync_status").Interface("response", status).Msg("Tool response")

		return text(fmt.Sprintf("%d file(s) synced, %d failing", len(rows), len(failures))), status, nil
	}
}
