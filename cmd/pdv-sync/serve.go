package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/api"
	"github.com/yourusername/pdv-sync/internal/mcptools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background sync",
	Long: `Start the HTTP API. The current folder is re-synced on an interval (and on
filesystem notifications when sync.watch_fs is set), idle legacy connections
are swept, and the MCP server is mounted at mcp.path when mcp.http is set.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if cfg.Sync.Enabled {
		if err := a.runner.Start(ctx); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Background sync disabled")
	}

	deps := api.Deps{
		Selections:     a.selections,
		Articles:       a.articles,
		Runner:         a.runner,
		Baselines:      a.watcher,
		Pool:           a.pool,
		Status:         a.store,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
	}
	if cfg.MCP.HTTP {
		deps.MCP = mcptools.HTTPHandler(a.mcpServer(version))
		deps.MCPPath = cfg.MCP.Path
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewServer(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	return nil
}
