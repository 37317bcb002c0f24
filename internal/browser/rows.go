package browser

import (
	"context"
	"fmt"
	"strings"

	"erpexport/internal/export"

	"github.com/go-rod/rod"
)

// TaskRows finds the row of a job in the task drawer, it is an
// export.RowResolver.
type TaskRows struct {
	session *Session
}

func (s *Session) TaskRows() TaskRows {
	return TaskRows{session: s}
}

// Resolve tries each row selector variant in order. Without RowMatch the
// first (newest) row is the job's.
func (r TaskRows) Resolve(ctx context.Context, spec export.JobSpec) (export.RowHandle, error) {
	page := r.session.page.Context(ctx)

	for _, selector := range r.session.selectors.Rows {
		rows, err := page.Elements(selector)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", selector, err)
		}
		if len(rows) == 0 {
			continue
		}
		if spec.RowMatch == "" {
			return taskRow{session: r.session, el: rows.First()}, nil
		}
		for _, row := range rows {
			text, err := row.Context(ctx).Text()
			if err != nil {
				continue
			}
			if strings.Contains(text, spec.RowMatch) {
				return taskRow{session: r.session, el: row}, nil
			}
		}
	}
	if spec.RowMatch != "" {
		return nil, fmt.Errorf("no task row contains %q", spec.RowMatch)
	}
	return nil, fmt.Errorf("no task row found")
}

type taskRow struct {
	session *Session
	el      *rod.Element
}

func (r taskRow) HTML(ctx context.Context) (string, error) {
	return r.el.Context(ctx).HTML()
}

func (r taskRow) Download() export.Transfer {
	return r.session.clickDownload(func(ctx context.Context) (*rod.Element, error) {
		el := r.el.Context(ctx)
		controls, err := el.Elements(r.session.selectors.Row.Affordance)
		if err != nil {
			return nil, err
		}
		if len(controls) > 0 {
			return controls.First(), nil
		}
		// some releases make the status icon itself the download control
		return el.Element(r.session.selectors.Row.Icon)
	})
}
