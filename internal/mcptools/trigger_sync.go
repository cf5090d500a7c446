package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

func RegisterTriggerSync(s *mcp.Server, runner Runner) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "trigger_sync",
		Description: "Sync the selected folder's legacy databases into the central store now. Unchanged files are skipped; a sync already in progress is joined rather than repeated.",
	}, triggerSync(runner))
}

func triggerSync(runner Runner) mcp.ToolHandlerFor[map[string]interface{}, interface{}] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]interface{}) (*mcp.CallToolResult, interface{}, error) {
		log.Info().Str("tool", "trigger_sync").Msg("Tool called")

		res, err := runner.TriggerNow(ctx)
		if err != nil {
			log.Error().Err(err).Str("tool", "trigger_sync").Msg("Tool failed")
			return nil, nil, fmt.Errorf("sync failed: %w", err)
		}

		log.Trace().Str("tool", "trigger_sync").Interface("response", res).Msg("Tool response")

		msg := fmt.Sprintf("Sync %s: %d synced, %d failed", res.RunID, res.Synced(), res.Failed())
		if res.NothingToDo() {
			msg = "Data already up to date"
		}
		return text(msg), res, nil
	}
}
