package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/store"
	"github.com/yourusername/pdv-sync/internal/syncer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the selection and sync bookkeeping of the central store",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	switch {
	case err == nil:
		fmt.Printf("Selected folder: %s (%s)\n", f.FolderName, f.FolderPath)
		if f.Quarter != "" {
			fmt.Printf("  Period: %s %d\n", f.Quarter, f.Year)
		}
	case errors.Is(err, folder.ErrNoSelection):
		fmt.Println("Selected folder: none")
	default:
		fmt.Printf("Selected folder: %v\n", err)
	}

	rows, err := a.store.ListSyncStatus(ctx)
	if err != nil {
		return err
	}
	failures, err := a.store.ListFailures(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\nSynced files:")
	printSyncStatus(os.Stdout, rows)

	if len(failures) > 0 {
		fmt.Println("\nFailing files:")
		printFailures(os.Stdout, failures)
	}

	fmt.Println("\nMirrored rows:")
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, table := range syncer.MirrorTables() {
		n, err := a.store.CountRows(ctx, table)
		if err != nil {
			return fmt.Errorf("failed to count %s: %w", table, err)
		}
		fmt.Fprintf(tw, "  %s\t%d\n", table, n)
	}
	return tw.Flush()
}

func printSyncStatus(w io.Writer, rows []store.SyncStatus) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  FILE\tFOLDER\tSIZE\tLAST SYNC\tSYNCS")
	for _, r := range rows {
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%d\n", r.FilePath, r.FolderName, r.FileSize, r.LastSync.Local().Format(time.DateTime), r.SyncCount)
	}
	tw.Flush()
}

func printFailures(w io.Writer, failures []store.SyncFailure) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  FILE\tFAILURES\tLAST ATTEMPT\tERROR")
	for _, f := range failures {
		fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\n", f.FilePath, f.FailureCount, f.LastAttempt.Local().Format(time.DateTime), f.LastError)
	}
	tw.Flush()
}
