package commands

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"erpexport/internal/browser"
	"erpexport/lib/configutil"
)

type Config struct {
	DetectTimeoutSeconds   int    `json:"detect_timeout_seconds"`
	DomPollIntervalMs      int    `json:"dom_poll_interval_ms"`
	FetchAttempts          int    `json:"fetch_attempts"`
	FetchBackoffMs         int    `json:"fetch_backoff_ms"`
	FetchTimeoutSeconds    int    `json:"fetch_timeout_seconds"`
	TransferTimeoutSeconds int    `json:"transfer_timeout_seconds"`
	OutputDir              string `json:"output_dir"`
	// a regexp matched against response urls to find the task status endpoint
	StatusEndpointPattern string `json:"status_endpoint_pattern"`
	// the IANA time zone used in file timestamps, empty means local time
	TimeZone   string         `json:"time_zone"`
	LedgerPath string         `json:"ledger_path"`
	Browser    browser.Config `json:"browser"`
}

var defaultConfig = Config{
	DetectTimeoutSeconds:   300,
	DomPollIntervalMs:      3000,
	FetchAttempts:          3,
	FetchBackoffMs:         1000,
	FetchTimeoutSeconds:    60,
	TransferTimeoutSeconds: 30,
	OutputDir:              "downloads",
	StatusEndpointPattern:  `task/status`,
	LedgerPath:             ".erpexport/ledger.db",
	Browser: browser.Config{
		ControlURL: "http://127.0.0.1:9222",
		Selectors:  browser.DefaultSelectors,
	},
}

func (c Config) detectTimeout() time.Duration {
	return time.Duration(c.DetectTimeoutSeconds) * time.Second
}

func (c Config) domPollInterval() time.Duration {
	return time.Duration(c.DomPollIntervalMs) * time.Millisecond
}

func (c Config) fetchBackoff() time.Duration {
	return time.Duration(c.FetchBackoffMs) * time.Millisecond
}

func (c Config) fetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c Config) transferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutSeconds) * time.Second
}

// loadConfig reads the config file, fills in defaults and applies the
// ERPEXPORT_* environment variables on top.
func loadConfig(path string) (Config, error) {
	cfg, err := configutil.ReadWithDefaults(path, defaultConfig)
	if err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, os.LookupEnv)
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, out *string) {
		if v, ok := lookup(key); ok && v != "" {
			*out = v
		}
	}
	num := func(key string, out *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("ignoring invalid environment variable", "key", key, "value", v)
			return
		}
		*out = n
	}

	num("ERPEXPORT_DETECT_TIMEOUT_SECONDS", &cfg.DetectTimeoutSeconds)
	num("ERPEXPORT_DOM_POLL_INTERVAL_MS", &cfg.DomPollIntervalMs)
	num("ERPEXPORT_FETCH_ATTEMPTS", &cfg.FetchAttempts)
	num("ERPEXPORT_FETCH_BACKOFF_MS", &cfg.FetchBackoffMs)
	num("ERPEXPORT_FETCH_TIMEOUT_SECONDS", &cfg.FetchTimeoutSeconds)
	num("ERPEXPORT_TRANSFER_TIMEOUT_SECONDS", &cfg.TransferTimeoutSeconds)
	str("ERPEXPORT_OUTPUT_DIR", &cfg.OutputDir)
	str("ERPEXPORT_STATUS_ENDPOINT_PATTERN", &cfg.StatusEndpointPattern)
	str("ERPEXPORT_TIME_ZONE", &cfg.TimeZone)
	str("ERPEXPORT_LEDGER_PATH", &cfg.LedgerPath)
	str("ERPEXPORT_CONTROL_URL", &cfg.Browser.ControlURL)
	str("ERPEXPORT_PAGE_URL_PATTERN", &cfg.Browser.PageURLPattern)
}
