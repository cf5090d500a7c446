package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/logging"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "pdv-sync",
	Short: "Sync and query pharmacy point-of-sale legacy databases",
	Long: `pdv-sync locates the legacy Access databases of a pharmacy point-of-sale
folder, mirrors their articles, stock movements and tickets into a central
store, and answers article queries directly or from a local SQLite cache.

It exposes an HTTP API for the folder selection, article search, data refresh
and file watcher, and an MCP server for AI assistants over stdio or HTTP.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetLevelFromCmd(cmd)
	},
}

func main() {
	// Set up basic logging for startup
	logging.InitLogging("info", "console")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpServerCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error, trace)")
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file")
}
