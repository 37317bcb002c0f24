package commands

import (
	"context"
	"database/sql"
	"fmt"

	"erpexport/internal/browser"
	"erpexport/internal/components/chrono"
	"erpexport/internal/components/telemetry"
	"erpexport/internal/export"
	"erpexport/internal/ledger"
)

type channels struct {
	network bool
	dom     bool
}

// env is everything a detection command needs, Close releases it.
type env struct {
	cfg      Config
	session  *browser.Session
	detector *export.Detector
	database *sql.DB
}

func (e env) Close() {
	if e.database != nil {
		e.database.Close()
	}
	if e.session != nil {
		e.session.Close()
	}
}

func setup(ctx context.Context, ch channels) (env, error) {
	tel := telemetry.SlogAPI{}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return env{}, fmt.Errorf("read config: %w", err)
	}
	clock, err := chrono.NewStandardImpl(cfg.TimeZone)
	if err != nil {
		return env{}, fmt.Errorf("load time zone: %w", err)
	}

	session, err := browser.Connect(ctx, cfg.Browser, tel)
	if err != nil {
		return env{}, err
	}
	e := env{cfg: cfg, session: session}

	store, database, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		e.Close()
		return env{}, fmt.Errorf("open ledger: %w", err)
	}
	e.database = database

	materializer, err := export.NewMaterializer(export.MaterializerOptions{
		OutputDir:       cfg.OutputDir,
		Attempts:        cfg.FetchAttempts,
		Backoff:         cfg.fetchBackoff(),
		FetchTimeout:    cfg.fetchTimeout(),
		TransferTimeout: cfg.transferTimeout(),
		Cookies:         session.Cookies,
		Clock:           clock,
	}, tel)
	if err != nil {
		e.Close()
		return env{}, err
	}

	var opts export.CoordinatorOptions
	if ch.network {
		sub, err := session.NewStatusSubscriber(cfg.StatusEndpointPattern)
		if err != nil {
			e.Close()
			return env{}, err
		}
		opts.Network = export.NewNetworkWatcher(sub, tel)
	}
	if ch.dom {
		opts.DOM = export.NewDOMWatcher(session.TaskRows(), export.DOMWatcherOptions{
			Interval:  cfg.domPollInterval(),
			Selectors: cfg.Browser.Selectors.Row,
		}, tel)
		opts.Visibility = export.NewVisibilityController(session.TaskPanel(), tel)
	}

	e.detector = export.NewDetector(export.DetectorOptions{
		Coordinator:    export.NewCoordinator(opts, tel),
		Materializer:   materializer,
		Recorder:       store,
		DefaultTimeout: cfg.detectTimeout(),
	}, tel)
	return e, nil
}
