package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/scheduler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the current folder once",
	Long: `Sync the legacy files of the current folder into the central store and
print the result as JSON. With --folder the folder is located and selected
first.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("folder", "", "Folder name to select before syncing")
	syncCmd.Flags().String("path", "", "Directory or file hint for --folder")
}

func runSync(cmd *cobra.Command, args []string) error {
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

	var f *folder.SelectedFolder
	if name, _ := cmd.Flags().GetString("folder"); name != "" {
		hint, _ := cmd.Flags().GetString("path")
		if f, err = a.selections.Select(ctx, name, hint); err != nil {
			return err
		}
	} else if f, err = a.selections.Current(ctx); err != nil {
		return err
	}

	res, err := a.runner.RunFolder(ctx, *f, scheduler.TriggerManual)
	if err != nil {
		return err
	}
	log.Info().Str("folder", f.FolderName).Int("synced", res.Synced()).Int("failed", res.Failed()).Msg("Sync finished")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Failed() > 0 {
		return fmt.Errorf("%d file(s) failed to sync", res.Failed())
	}
	return nil
}
