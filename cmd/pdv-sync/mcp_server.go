package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/mcptools"
)

var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server on stdio",
	Long: `Start the Model Context Protocol server that exposes article search, sync
status and sync control to AI assistants like Claude Desktop via stdio
transport. Logs go to stderr so stdout stays reserved for the protocol.`,
	RunE: runMCPServer,
}

func init() {
	mcpServerCmd.Flags().Bool("no-sync", false, "Do not run the background sync while serving")
}

func (a *app) mcpServer(version string) *mcp.Server {
	return mcptools.NewServer(mcptools.Deps{
		Selections: a.selections,
		Articles:   a.articles,
		Runner:     a.runner,
		Status:     a.store,
		Pool:       a.pool,
		Config:     a.cfg,
		Version:    version,
	})
}

func runMCPServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.syncOnSelect = true

	go a.pool.Run(ctx)
	go a.cachePool.Run(ctx)

	noSync, _ := cmd.Flags().GetBool("no-sync")
	if cfg.Sync.Enabled && !noSync {
		if err := a.runner.Start(ctx); err != nil {
			return err
		}
	}

	log.Info().Str("version", version).Msg("Starting MCP server on stdio")
	return mcptools.RunStdio(ctx, a.mcpServer(version))
}
