package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mobilipia/build-tools/internal/infrastructure/sqlite"
	"github.com/mobilipia/build-tools/internal/presentation"
)

const defaultHistoryLimit = 20

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent forge runs",
	Long: `List the most recent forge runs recorded on this machine, newest first.

Examples:
  forge history
  forge history --limit 5
  forge history --json | jq '.[] | select(.status == "failed")'`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the configuration")
	}
	db, err := sqlite.NewDB(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs, err := db.RunRepository().Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	formatter := presentation.NewFormatter(cmd.OutOrStdout())
	dtos := presentation.FromRuns(runs)
	if historyJSON {
		return formatter.FormatJSON(dtos)
	}
	return formatter.FormatRuns(dtos)
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", defaultHistoryLimit, "number of runs to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print runs as JSON")
	rootCmd.AddCommand(historyCmd)
}
