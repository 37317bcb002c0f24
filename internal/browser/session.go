// Package browser adapts an already running, logged-in Chrome session to the
// watcher interfaces of the export package. It never launches or logs into
// a browser itself.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"erpexport/internal/components/assert"
	"erpexport/internal/components/telemetry"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const report_session_connect = "session.connect"

type Config struct {
	// ControlURL is the devtools url of the running browser, either its
	// websocket url or the http address of its remote debugging port.
	ControlURL string `json:"control_url"`
	// PageURLPattern is a js regex selecting the ERP tab, empty picks the first tab.
	PageURLPattern string    `json:"page_url_pattern"`
	Selectors      Selectors `json:"selectors"`
}

// Session is a connection to the ERP tab of a running browser.
type Session struct {
	browser     *rod.Browser
	page        *rod.Page
	selectors   Selectors
	downloadDir string
	tel         telemetry.API
}

func Connect(ctx context.Context, cfg Config, tel telemetry.API) (*Session, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(cfg.ControlURL)
	tel = telemetry.NewScopedAPI("browser", tel)

	controlUrl, err := launcher.ResolveURL(cfg.ControlURL)
	if err != nil {
		tel.ReportBroken(report_session_connect, err, cfg.ControlURL)
		return nil, fmt.Errorf("resolve devtools url: %w", err)
	}
	browser := rod.New().ControlURL(controlUrl)
	err = browser.Connect()
	if err != nil {
		tel.ReportBroken(report_session_connect, err, cfg.ControlURL)
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var page *rod.Page
	if cfg.PageURLPattern == "" {
		page = pages.First()
		if page == nil {
			return nil, fmt.Errorf("browser has no open page")
		}
	} else {
		page, err = pages.FindByURL(cfg.PageURLPattern)
		if err != nil {
			return nil, fmt.Errorf("find page matching %q: %w", cfg.PageURLPattern, err)
		}
	}

	downloadDir, err := os.MkdirTemp("", "erpexport-download-*")
	if err != nil {
		return nil, err
	}

	tel.ReportDebug("connected", cfg.ControlURL, page.TargetID)
	return &Session{
		browser:     browser,
		page:        page.Context(ctx),
		selectors:   cfg.Selectors.withDefaults(),
		downloadDir: downloadDir,
		tel:         tel,
	}, nil
}

// Close removes the temporary download directory, the browser itself stays
// open since it belongs to the user.
func (s *Session) Close() error {
	return os.RemoveAll(s.downloadDir)
}

func (s *Session) Page() *rod.Page {
	return s.page
}

// Cookies returns the cookies of the ERP tab, it is an export.CookieSource.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	cookies, err := s.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, len(cookies))
	for i, c := range cookies {
		out[i] = &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			out[i].Expires = c.Expires.Time()
		}
	}
	return out, nil
}

// visible reports whether selector currently matches a visible element.
// It does not wait for the element to appear.
func (s *Session) visible(ctx context.Context, selector string) (bool, error) {
	has, el, err := s.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return false, err
	}
	return el.Context(ctx).Visible()
}

// waitVisible polls visible until it is true or timeout passes.
func (s *Session) waitVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := s.visible(ctx, selector)
		if ok {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, err
		case <-ticker.C:
		}
	}
}

func (s *Session) click(ctx context.Context, el *rod.Element) error {
	el = el.Context(ctx)
	err := el.Click(proto.InputMouseButtonLeft, 1)
	if err == nil {
		return nil
	}
	s.tel.ReportDebug("native click failed, using js click", err)
	_, jsErr := el.Eval(`() => { this.style.pointerEvents = 'auto'; this.click() }`)
	if jsErr != nil {
		return fmt.Errorf("click: %w, js click: %v", err, jsErr)
	}
	return nil
}
