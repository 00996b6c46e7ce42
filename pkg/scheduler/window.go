package scheduler

import (
	"context"
	"time"

	"github.com/qbot-dev/qbot/pkg/config"
	"github.com/qbot-dev/qbot/pkg/state"
)

const (
	JobEnterSleep = "enter_sleep"
	JobWake       = "wake"
)

// AddSleepWindow adds the daily enter_sleep and wake jobs that flip w. An
// empty time skips its job.
func (s *Scheduler) AddSleepWindow(w *state.Window, sleepAt, wakeAt string) error {
	if sleepAt != "" {
		schedule, err := Daily(sleepAt)
		if err != nil {
			return err
		}
		if _, err := s.AddJob(JobEnterSleep, schedule, func(ctx context.Context) error {
			w.EnterSleep()
			return nil
		}); err != nil {
			return err
		}
	}

	if wakeAt != "" {
		schedule, err := Daily(wakeAt)
		if err != nil {
			return err
		}
		if _, err := s.AddJob(JobWake, schedule, func(ctx context.Context) error {
			w.Wake()
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// InitialActive reports whether the bot should start awake at now, given
// the configured sleep and wake times. Without both times it is always awake.
func InitialActive(now time.Time, sleepAt, wakeAt string) bool {
	if sleepAt == "" || wakeAt == "" {
		return true
	}
	sh, sm, err := config.ParseClock(sleepAt)
	if err != nil {
		return true
	}
	wh, wm, err := config.ParseClock(wakeAt)
	if err != nil {
		return true
	}
	return !state.InSleepWindow(now, sh*60+sm, wh*60+wm)
}
