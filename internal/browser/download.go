package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"erpexport/internal/export"

	"github.com/go-rod/rod"
)

const report_download_click = "download.click"

type locateFunc func(ctx context.Context) (*rod.Element, error)

// downloadTransfer clicks a control and waits for the browser download it
// starts.
type downloadTransfer struct {
	session *Session
	locate  locateFunc
}

func (s *Session) clickDownload(locate locateFunc) export.Transfer {
	return downloadTransfer{session: s, locate: locate}
}

// ClickDownload returns a transfer that clicks the first element matching
// selector, used for exports that download directly.
func (s *Session) ClickDownload(selector string) export.Transfer {
	return s.clickDownload(func(ctx context.Context) (*rod.Element, error) {
		return s.page.Context(ctx).Element(selector)
	})
}

// AwaitDownload returns a transfer that only waits for the next download,
// for exports the caller already triggered.
func (s *Session) AwaitDownload() export.Transfer {
	return downloadTransfer{session: s}
}

func (t downloadTransfer) Await(ctx context.Context) (export.Download, error) {
	s := t.session
	wait := s.browser.Context(ctx).WaitDownload(s.downloadDir)

	if t.locate != nil {
		el, err := t.locate(ctx)
		if err != nil {
			return export.Download{}, fmt.Errorf("locate download control: %w", err)
		}
		s.hideMasks(ctx)
		err = s.click(ctx, el)
		if err != nil {
			s.tel.ReportWarning(report_download_click, err)
			return export.Download{}, err
		}
	}

	info := wait()
	// the wait also returns when ctx ends, with a download that may be partial
	if ctx.Err() != nil {
		return export.Download{}, ctx.Err()
	}
	if info == nil {
		return export.Download{}, fmt.Errorf("browser download did not start")
	}
	return export.Download{
		SuggestedName: info.SuggestedFilename,
		Path:          filepath.Join(s.downloadDir, info.GUID),
	}, nil
}

// hideMasks hides modal overlays that would swallow the click.
func (s *Session) hideMasks(ctx context.Context) {
	_, err := s.page.Context(ctx).Eval(`(selector) => {
		document.querySelectorAll(selector).forEach((el) => {
			el.style.display = 'none'
			el.style.visibility = 'hidden'
			el.style.zIndex = '-1'
		})
	}`, s.selectors.Masks)
	if err != nil {
		s.tel.ReportDebug("hide modal masks", err)
		return
	}
	// give the page a frame to re-layout
	time.Sleep(200 * time.Millisecond)
}
