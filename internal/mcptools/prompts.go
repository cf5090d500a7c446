package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// RegisterPrompts registers all MCP prompts
func RegisterPrompts(s *mcp.Server) {
	s.AddPrompt(&mcp.Prompt{
		Name:        "stock_review",
		Description: "Review stock levels of the selected pharmacy folder",
		Arguments: []*mcp.PromptArgument{
			{
				Name:        "family",
				Description: "Family code to focus on (default: all families)",
				Required:    false,
			},
		},
	}, stockReview)

	log.Info().Int("prompts", 1).Msg("MCP prompts registered")
}

func stockReview(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	var family string
	if req != nil && req.Params != nil {
		family = req.Params.Arguments["family"]
		log.Info().Str("prompt", "stock_review").Interface("args", req.Params.Arguments).Msg("Prompt called")
	}

	scope := "every article family"
	filter := ""
	if family != "" {
		scope = fmt.Sprintf("the %s family", family)
		filter = fmt.Sprintf(` with family set to "%s"`, family)
	}

	msg := fmt.Sprintf(`Review the stock of %s in the selected pharmacy folder.

1. Call get_sync_status and confirm the legacy files are reachable and recently synced.
   If a file is failing, report it first.
2. Page through search_articles%s and list:
   - articles with stock_status "out"
   - articles with stock_status "low" (5 units or fewer)
3. Summarize the findings in a short markdown table (code, label, stock, price).`, scope, filter)

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Stock review of %s", scope),
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: msg},
			},
		},
	}, nil
}
