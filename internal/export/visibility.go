package export

import (
	"context"
	"fmt"
	"time"

	"erpexport/internal/components/assert"
	"erpexport/internal/components/telemetry"
)

const report_visibility_ensure = "visibility.ensure-visible"

// Panel is the UI surface hosting the task rows.
type Panel interface {
	Visible(ctx context.Context) (bool, error)
	// Open makes the panel visible, it is only called when it is closed.
	Open(ctx context.Context) error
}

// Visibility is implemented by VisibilityController.
type Visibility interface {
	EnsureVisible(ctx context.Context, spec JobSpec) error
}

// VisibilityController opens the task panel once per job before DOM watching.
type VisibilityController struct {
	panel Panel
	tel   telemetry.API
}

func NewVisibilityController(panel Panel, tel telemetry.API) VisibilityController {
	assert.NotNil(panel)
	assert.NotNil(tel)
	return VisibilityController{
		panel: panel,
		tel:   telemetry.NewScopedAPI("export", tel),
	}
}

// EnsureVisible is idempotent: it opens the panel only when it is closed and
// returns a *VisibilityError when it still is not visible afterwards.
func (v VisibilityController) EnsureVisible(ctx context.Context, spec JobSpec) error {
	start := time.Now()
	fail := func(err error) error {
		v.tel.ReportBroken(report_visibility_ensure, err, spec.CorrelationKey)
		return &VisibilityError{
			Key:     spec.CorrelationKey,
			Elapsed: time.Since(start),
			Err:     err,
		}
	}

	visible, err := v.panel.Visible(ctx)
	if err != nil {
		return fail(fmt.Errorf("check panel: %w", err))
	}
	if visible {
		v.tel.ReportDebug("task panel already visible")
		return nil
	}

	err = v.panel.Open(ctx)
	if err != nil {
		return fail(fmt.Errorf("open panel: %w", err))
	}
	visible, err = v.panel.Visible(ctx)
	if err != nil {
		return fail(fmt.Errorf("check panel after open: %w", err))
	}
	if !visible {
		return fail(fmt.Errorf("panel still hidden after open"))
	}
	v.tel.ReportDebug("task panel opened")
	return nil
}
