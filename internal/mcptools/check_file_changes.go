package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/watcher"
)

func RegisterCheckFileChanges(s *mcp.Server, sel Selections, runner Runner) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "check_file_changes",
		Description: "Check whether the legacy databases of the selected folder changed since they were last observed, and which data areas are affected",
	}, checkFileChanges(sel, runner))
}

func checkFileChanges(sel Selections, runner Runner) mcp.ToolHandlerFor[map[string]interface{}, interface{}] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]interface{}) (*mcp.CallToolResult, interface{}, error) {
		log.Info().Str("tool", "check_file_changes").Msg("Tool called")

		f, err := sel.Current(ctx)
		if err != nil {
			log.Error().Err(err).Str("tool", "check_file_changes").Msg("Tool failed")
			return nil, nil, err
		}
		events, err := runner.CheckChanges(ctx, *f)
		if err != nil {
			log.Error().Err(err).Str("tool", "check_file_changes").Msg("Tool failed")
			return nil, nil, err
		}

		areas := watcher.AffectedAreas(events)
		result := map[string]interface{}{
			"has_changes":    len(events) > 0,
			"changes":        events,
			"affected_areas": areas,
		}

		log.Trace().Str("tool", "check_file_changes").Interface("response", result).Msg("Tool response")

		if len(events) == 0 {
			return text("No changes detected"), result, nil
		}
		return text(fmt.Sprintf("%d file(s) changed, affecting %v", len(events), areas)), result, nil
	}
}
