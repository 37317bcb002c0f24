package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"erpexport/cmd/erpexport-cli/commands"
	"erpexport/internal/components/telemetry"
	"erpexport/lib/configutil"
	"erpexport/lib/serviceutil"
)

func main() {
	configutil.LoadDotenv()
	telemetry.InitSlog(os.Getenv("ERPEXPORT_DEBUG") != "")

	ctx, cancel := serviceutil.SignalContext()
	defer cancel()

	otel, err := telemetry.SetupFromEnv(ctx, "erpexport-cli", telemetry.SlogAPI{})
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to set up otel, continuing without it", "err", err)
	}
	if err == nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			otel.Shutdown(shutdownCtx)
		}()
	}

	commands.ExecuteContext(ctx)
}
