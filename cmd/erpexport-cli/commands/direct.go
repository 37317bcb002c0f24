package commands

import (
	"fmt"
	"log/slog"
	"time"

	"erpexport/lib/serviceutil"

	"github.com/spf13/cobra"
)

var (
	directKey     *string
	directClick   *string
	directBase    *string
	directLabel   *string
	directTimeout *time.Duration
)

func init() {
	directKey = directCmd.Flags().String("key", "direct", "The correlation key of the export, reported in errors and the ledger.")
	directClick = directCmd.Flags().String("click", "", "A selector of the control to click, without it the next download is awaited.")
	directBase = directCmd.Flags().String("base", "", "The base name of the saved file.")
	directLabel = directCmd.Flags().String("label", "", "A label to name the file by when --base is not given.")
	directTimeout = directCmd.Flags().Duration("timeout", 0, "Overrides detect_timeout_seconds, ex. 90s or 10m.")
	rootCmd.AddCommand(directCmd)
}

var directCmd = &cobra.Command{
	Use:   "direct [--click <selector>] [--base <name>]",
	Short: "Saves an export that the browser downloads directly, without the task center.",
	Run: func(cmd *cobra.Command, args []string) {
		spec, err := jobSpec(*directKey, *directBase, *directLabel, *directTimeout)
		if err != nil {
			serviceutil.Fatal("invalid flags", err)
		}

		e, err := setup(cmd.Context(), channels{})
		if err != nil {
			serviceutil.Fatal("failed to set up detector", err)
		}
		defer e.Close()

		transfer := e.session.AwaitDownload()
		if *directClick != "" {
			transfer = e.session.ClickDownload(*directClick)
		}
		file, err := e.detector.AwaitDirect(cmd.Context(), spec, transfer)
		if err != nil {
			e.Close()
			serviceutil.Fatal("download failed", err)
		}
		slog.Info("export saved", "path", file.Path, "size", file.Size)
		fmt.Println(file.Path)
	},
}
