package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Build the article cache of the current folder",
	Long: `Convert the article table of the current folder into its SQLite cache.
Requires the mdbtools utilities on PATH. With --rebuild an existing cache is
dropped first.`,
	RunE: runCache,
}

func init() {
	cacheCmd.Flags().Bool("rebuild", false, "Drop the existing cache first")
}

func runCache(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	f, err := a.selections.Current(ctx)
	if err != nil {
		return err
	}
	if rebuild, _ := cmd.Flags().GetBool("rebuild"); rebuild {
		if err := a.converter.Invalidate(*f); err != nil {
			return err
		}
	}

	h, err := a.converter.EnsureCache(ctx, *f)
	if err != nil {
		return err
	}
	log.Info().Str("folder", f.FolderName).Str("path", h.Path).Int("rows", h.Rows).Bool("reused", h.Reused).Msg("Article cache ready")
	fmt.Println(h.Path)
	return nil
}
