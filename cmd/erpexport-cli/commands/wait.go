package commands

import (
	"fmt"
	"log/slog"
	"time"

	"erpexport/internal/export"
	"erpexport/lib/serviceutil"

	"github.com/spf13/cobra"
)

var (
	waitKey       *string
	waitRowMatch  *string
	waitBase      *string
	waitLabel     *string
	waitTimeout   *time.Duration
	waitNoNetwork *bool
	waitNoDom     *bool
)

func init() {
	waitKey = waitCmd.Flags().String("key", "", "The correlation key of the export, reported in errors and the ledger.")
	waitRowMatch = waitCmd.Flags().String("row-match", "", "Only watch the task row containing this text.")
	waitBase = waitCmd.Flags().String("base", "", "The base name of the saved file.")
	waitLabel = waitCmd.Flags().String("label", "", "A label to name the file by when --base is not given.")
	waitTimeout = waitCmd.Flags().Duration("timeout", 0, "Overrides detect_timeout_seconds, ex. 90s or 10m.")
	waitNoNetwork = waitCmd.Flags().Bool("no-network", false, "Do not watch the task status endpoint.")
	waitNoDom = waitCmd.Flags().Bool("no-dom", false, "Do not watch the task center rows.")
	rootCmd.AddCommand(waitCmd)
}

var waitCmd = &cobra.Command{
	Use:   "wait [--key <key>] [--row-match <text>] [--base <name>]",
	Short: "Waits for the export that was just dispatched to finish and saves its file.",
	Run: func(cmd *cobra.Command, args []string) {
		spec, err := jobSpec(*waitKey, *waitBase, *waitLabel, *waitTimeout)
		if err != nil {
			serviceutil.Fatal("invalid flags", err)
		}
		spec.RowMatch = *waitRowMatch

		e, err := setup(cmd.Context(), channels{network: !*waitNoNetwork, dom: !*waitNoDom})
		if err != nil {
			serviceutil.Fatal("failed to set up detector", err)
		}
		defer e.Close()
		if spec.CorrelationKey == "" {
			spec.CorrelationKey = e.cfg.StatusEndpointPattern
		}

		file, err := e.detector.Run(cmd.Context(), spec)
		if err != nil {
			e.Close()
			serviceutil.Fatal("export failed", err)
		}
		slog.Info("export saved", "path", file.Path, "size", file.Size, "source", file.Source.String())
		fmt.Println(file.Path)
	},
}

func jobSpec(key, base, label string, timeout time.Duration) (export.JobSpec, error) {
	if timeout < 0 {
		return export.JobSpec{}, fmt.Errorf("timeout must not be negative, got %s", timeout)
	}
	return export.JobSpec{
		CorrelationKey: key,
		BaseName:       base,
		Label:          label,
		Timeout:        timeout,
	}, nil
}
