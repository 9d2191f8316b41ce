package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hkcontrol/querytap/internal/capture"
)

var queriesLimit int

var queriesCmd = &cobra.Command{
	Use:     "queries",
	Short:   "Show recently archived captured queries",
	Long:    `Reads the capture archive written by watch --capture-db, newest first.`,
	PreRunE: bindFlags(map[string]string{"capture.db": "capture-db"}),
	RunE:    runQueries,
}

func init() {
	rootCmd.AddCommand(queriesCmd)

	queriesCmd.Flags().IntVarP(&queriesLimit, "limit", "n", 20, "number of lines to show (0 = all)")
	queriesCmd.Flags().String("capture-db", "", "capture archive to read")
}

func runQueries(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Capture.DB == "" {
		return errors.New("capture.db is not set (use --capture-db or the config file)")
	}
	if !capture.IsPostgresDSN(cfg.Capture.DB) {
		if _, err := os.Stat(cfg.Capture.DB); err != nil {
			return fmt.Errorf("capture archive unavailable: %w", err)
		}
	}

	store, err := capture.Open(cfg.Capture.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), queriesLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No captured queries")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Captured At", "PID", "Process", "Attach ID", "Query")
	for _, r := range records {
		table.Append(
			r.CapturedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(int(r.PID)),
			r.Process,
			shortID(r.AttachID),
			r.Line,
		)
	}
	table.Render()
	fmt.Printf("\nShowing %d line(s)\n", len(records))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
