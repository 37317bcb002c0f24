package commands

import (
	"os"
	"time"

	"erpexport/internal/ledger"
	"erpexport/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	historyLimit *int
	historyState *string
)

func init() {
	historyLimit = historyCmd.Flags().Int("limit", 20, "The amount of runs to list.")
	historyState = historyCmd.Flags().String("state", "", "Only list runs that ended in this state, ex. TIMED_OUT.")
	rootCmd.AddCommand(historyCmd)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

var historyCmd = &cobra.Command{
	Use:   "history [--limit <n>] [--state <state>]",
	Short: "Lists recorded export runs, newest first.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		store, database, err := ledger.Open(cmd.Context(), cfg.LedgerPath)
		if err != nil {
			serviceutil.Fatal("failed to open ledger", err)
		}
		defer database.Close()

		entries, err := store.List(cmd.Context(), ledger.ListRequest{
			Limit: *historyLimit,
			State: *historyState,
		})
		if err != nil {
			serviceutil.Fatal("failed to list runs", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Started", "Key", "Mode", "State", "Winner", "Elapsed", "File", "Error"})
		for _, e := range entries {
			t.AppendRow(table.Row{
				e.StartedAt.Format(time.DateTime),
				e.CorrelationKey,
				e.Mode,
				e.State,
				e.Winner,
				e.Elapsed.Round(time.Millisecond).String(),
				e.Path,
				e.Error,
			})
		}
		t.Render()
	},
}
