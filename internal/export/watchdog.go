package export

import (
	"sync"
	"time"
)

// watchdog fires once when the job deadline passes.
type watchdog struct {
	timer *time.Timer
	once  sync.Once
}

func newWatchdog(deadline time.Time) *watchdog {
	return &watchdog{timer: time.NewTimer(time.Until(deadline))}
}

func (w *watchdog) C() <-chan time.Time {
	return w.timer.C
}

func (w *watchdog) Stop() {
	w.once.Do(func() {
		w.timer.Stop()
	})
}
