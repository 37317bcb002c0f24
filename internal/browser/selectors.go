package browser

import (
	"erpexport/internal/export"
)

// Opener is one way of finding the button that opens the task drawer. Text
// is a js regex the element's text must match, empty matches any element.
type Opener struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
}

// Selectors is the DOM contract of the task center. The ERP front end
// changes class names between releases, so rows and openers are lists of
// variants tried in order.
type Selectors struct {
	Drawer string `json:"drawer"`
	// Rows are selectors matching task rows, newest first.
	Rows    []string            `json:"rows"`
	Row     export.RowSelectors `json:"row"`
	Openers []Opener            `json:"openers"`
	// OpenerFallback matches clickable elements scanned by text when no
	// opener variant matched.
	OpenerFallback string `json:"opener_fallback"`
	OpenerText     string `json:"opener_text"`
	// Masks are modal overlays hidden before clicking a download control.
	Masks string `json:"masks"`
}

var DefaultSelectors = Selectors{
	Drawer: ".task-drawer",
	Rows: []string{
		".task-drawer-list .items",
		".task-drawer .items",
		"[class*='task-drawer'] [class*='item']",
	},
	Row: export.DefaultRowSelectors,
	Openers: []Opener{
		{Selector: ".task-btn", Text: "任务"},
		{Selector: "[class*='task-btn']", Text: "任务"},
		{Selector: "button", Text: "任务"},
	},
	OpenerFallback: "button, [class*='btn'], [role='button']",
	OpenerText:     "任务",
	Masks:          ".ivu-modal-wrap, .ivu-modal-mask",
}

func (s Selectors) withDefaults() Selectors {
	if s.Drawer == "" {
		s.Drawer = DefaultSelectors.Drawer
	}
	if len(s.Rows) == 0 {
		s.Rows = DefaultSelectors.Rows
	}
	if s.Row.Icon == "" {
		s.Row.Icon = DefaultSelectors.Row.Icon
	}
	if s.Row.Affordance == "" {
		s.Row.Affordance = DefaultSelectors.Row.Affordance
	}
	if len(s.Openers) == 0 {
		s.Openers = DefaultSelectors.Openers
	}
	if s.OpenerFallback == "" {
		s.OpenerFallback = DefaultSelectors.OpenerFallback
	}
	if s.OpenerText == "" {
		s.OpenerText = DefaultSelectors.OpenerText
	}
	if s.Masks == "" {
		s.Masks = DefaultSelectors.Masks
	}
	return s
}
