package mcptools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/articles"
)

func RegisterSearchArticles(s *mcp.Server, sel Selections, arts Articles) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_articles",
		Description: "Search the articles of the selected pharmacy folder by label and family. Returns a page of articles with price (TTC), current stock and stock status.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"search": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive partial match on the article label",
				},
				"family": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive partial match on the family code",
				},
				"page": map[string]interface{}{
					"type":        "integer",
					"description": "Page number, starting at 1",
					"default":     1,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": fmt.Sprintf("Articles per page (max %d)", articles.MaxPageSize),
					"default":     20,
				},
			},
		},
	}, searchArticles(sel, arts))
}

func searchArticles(sel Selections, arts Articles) mcp.ToolHandlerFor[map[string]interface{}, interface{}] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]interface{}) (*mcp.CallToolResult, interface{}, error) {
		log.Info().Str("tool", "search_articles").Interface("params", args).Msg("Tool called")

		f, err := sel.Current(ctx)
		if err != nil {
			log.Error().Err(err).Str("tool", "search_articles").Msg("Tool failed")
			return nil, nil, err
		}

		page, err := arts.Search(ctx, *f, articles.Query{
			Term:     stringArg(args, "search"),
			Family:   stringArg(args, "family"),
			Page:     intArg(args, "page"),
			PageSize: intArg(args, "limit"),
		})
		if err != nil {
			log.Error().Err(err).Str("tool", "search_articles").Msg("Tool failed")
			return nil, nil, fmt.Errorf("search failed: %w", err)
		}

		log.Trace().Str("tool", "search_articles").Interface("response", page).Msg("Tool response")

		return text(fmt.Sprintf("Found %d articles (page %d of %d)",
			page.Pagination.TotalItems, page.Pagination.CurrentPage, page.Pagination.TotalPages)), page, nil
	}
}
