// Package state holds process-wide runtime flags shared between the router,
// the scheduler and the control plugin.
package state

import (
	"sync/atomic"
	"time"

	"github.com/qbot-dev/qbot/pkg/logger"
)

// Window is the bot_active flag. While asleep the router only lets the wake
// command through.
type Window struct {
	active  atomic.Bool
	changed atomic.Int64
}

func NewWindow(active bool) *Window {
	w := &Window{}
	w.active.Store(active)
	w.changed.Store(time.Now().UnixMilli())
	return w
}

func (w *Window) Active() bool {
	return w.active.Load()
}

// EnterSleep clears the flag and reports whether it was set.
func (w *Window) EnterSleep() bool {
	if !w.active.CompareAndSwap(true, false) {
		return false
	}
	w.changed.Store(time.Now().UnixMilli())
	logger.InfoC("state", "Bot entering sleep window")
	return true
}

// Wake sets the flag and reports whether it was clear.
func (w *Window) Wake() bool {
	if !w.active.CompareAndSwap(false, true) {
		return false
	}
	w.changed.Store(time.Now().UnixMilli())
	logger.InfoC("state", "Bot woke up")
	return true
}

// Since returns when the flag last changed.
func (w *Window) Since() time.Time {
	return time.UnixMilli(w.changed.Load())
}

// InSleepWindow reports whether clock time now falls in [sleep, wake). Both
// are minutes since midnight; a window may wrap past midnight.
func InSleepWindow(now time.Time, sleep, wake int) bool {
	if sleep == wake {
		return false
	}
	m := now.Hour()*60 + now.Minute()
	if sleep < wake {
		return m >= sleep && m < wake
	}
	return m >= sleep || m < wake
}
