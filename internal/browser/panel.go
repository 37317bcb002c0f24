package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

const report_task_panel_open = "task_panel.open"

const (
	// autoPopupWait is how long the drawer gets to pop up on its own after
	// an export was dispatched.
	autoPopupWait = 3 * time.Second
	openerWait    = 2 * time.Second
	drawerWait    = 10 * time.Second
)

// TaskPanel is the task center drawer, it is an export.Panel.
type TaskPanel struct {
	session *Session
}

func (s *Session) TaskPanel() TaskPanel {
	return TaskPanel{session: s}
}

func (p TaskPanel) Visible(ctx context.Context) (bool, error) {
	return p.session.visible(ctx, p.session.selectors.Drawer)
}

// Open gives the drawer a moment to pop up by itself, then clicks the first
// opener that can be found.
func (p TaskPanel) Open(ctx context.Context) error {
	s := p.session
	visible, _ := s.waitVisible(ctx, s.selectors.Drawer, autoPopupWait)
	if visible {
		s.tel.ReportDebug("task drawer popped up by itself")
		return nil
	}

	opener, err := p.findOpener(ctx)
	if err != nil {
		s.tel.ReportWarning(report_task_panel_open, err)
		return err
	}
	err = s.click(ctx, opener)
	if err != nil {
		return fmt.Errorf("click task center opener: %w", err)
	}

	visible, err = s.waitVisible(ctx, s.selectors.Drawer, drawerWait)
	if !visible {
		if err == nil {
			err = fmt.Errorf("still hidden after %s", drawerWait)
		}
		return fmt.Errorf("task drawer %q did not appear after clicking the opener: %w", s.selectors.Drawer, err)
	}
	return nil
}

func (p TaskPanel) findOpener(ctx context.Context) (*rod.Element, error) {
	s := p.session
	for _, opener := range s.selectors.Openers {
		el, err := p.findVisible(ctx, opener.Selector, opener.Text)
		if err == nil {
			s.tel.ReportDebug("found task center opener", opener.Selector)
			return el, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// scan every clickable element as a last resort
	el, err := p.findVisible(ctx, s.selectors.OpenerFallback, s.selectors.OpenerText)
	if err != nil {
		return nil, fmt.Errorf("no task center opener found: %w", err)
	}
	s.tel.ReportDebug("found task center opener by text", s.selectors.OpenerText)
	return el, nil
}

// findVisible waits up to openerWait for a visible element matching
// selector whose text matches the js regex text.
func (p TaskPanel) findVisible(ctx context.Context, selector, text string) (*rod.Element, error) {
	ctx, cancel := context.WithTimeout(ctx, openerWait)
	defer cancel()
	page := p.session.page.Context(ctx)

	var el *rod.Element
	var err error
	if text == "" {
		el, err = page.Element(selector)
	} else {
		el, err = page.ElementR(selector, text)
	}
	if err != nil {
		return nil, err
	}
	visible, err := el.Visible()
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, fmt.Errorf("%q is not visible", selector)
	}
	return el, nil
}
