package telemetry

import (
	"fmt"
)

// API is what components report through instead of logging directly, tests
// swap in a Recorder to assert on what got reported.
type API interface {
	// ReportBroken reports a component that failed in a way someone should fix.
	//
	// The id names the component and method that broke, ex. `materializer.fetch`
	// when the artifact download failed. Details such as the HTTP status belong
	// in params or in the wrapped error, not in the id.
	//
	// Ids are lowercase, underscores separate words of a component and the
	// method follows after a dot. Declare them as `report_<component>_<method>`
	// constants next to the code that reports them.
	ReportBroken(id string, params ...any)

	// ReportWarning reports something unexpected that was recovered from, ex.
	// a status body that could not be parsed. Ids follow ReportBroken.
	ReportWarning(id string, params ...any)

	// ReportDebug reports detail only useful while debugging a single run.
	ReportDebug(msg string, params ...any)

	// ReportCount reports the running count of an event. Counts are samples
	// over time and must not be summed.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id and debug message with a namespace, usually the
// package doing the reporting.
type ScopedAPI struct {
	namespace string
	inner     API
}

func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) scoped(id string) string {
	return fmt.Sprintf("%s: %s", s.namespace, id)
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.scoped(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.scoped(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.scoped(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.scoped(id), count)
}
