package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/locator"
)

var locateCmd = &cobra.Command{
	Use:   "locate [folder-name]",
	Short: "Find the legacy file of a folder",
	Long: `Print the legacy file found for folder-name, or with --global list every
legacy file found under the known roots and drives.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLocate,
}

func init() {
	locateCmd.Flags().Bool("global", false, "Search every known root and drive")
	locateCmd.Flags().String("path", "", "Directory or file hint")
}

func runLocate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if global, _ := cmd.Flags().GetBool("global"); global {
		matches, err := a.locator.GlobalSearch(cmd.Context())
		if err != nil {
			return err
		}
		return enc.Encode(matches)
	}

	if len(args) == 0 {
		return errors.New("folder name required unless --global is set")
	}
	hint, _ := cmd.Flags().GetString("path")
	path, err := a.locator.Locate(args[0], hint)
	if err != nil {
		var nf *locator.NotFoundError
		if errors.As(err, &nf) {
			for _, p := range nf.Attempted {
				fmt.Fprintln(os.Stderr, "  tried", p)
			}
		}
		return err
	}
	fmt.Println(path)
	return nil
}
