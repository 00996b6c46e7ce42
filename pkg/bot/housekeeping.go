package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/scheduler"
)

const (
	JobCleanHistory = "clean_history"
	JobRotateLogs   = "rotate_logs"
)

const day = 24 * time.Hour

// addHousekeeping schedules the daily history cleanup and log rotation.
// An empty time disables the job.
func (b *Bot) addHousekeeping() error {
	sc := b.cfg.Schedule

	if b.store != nil && sc.HistoryCleanupTime != "" {
		schedule, err := scheduler.Daily(sc.HistoryCleanupTime)
		if err != nil {
			return fmt.Errorf("history cleanup: %w", err)
		}
		if _, err := b.scheduler.AddJob(JobCleanHistory, schedule, b.cleanHistory); err != nil {
			return err
		}
	}

	if b.cfg.Log.File != "" && sc.LogCleanupTime != "" {
		schedule, err := scheduler.Daily(sc.LogCleanupTime)
		if err != nil {
			return fmt.Errorf("log cleanup: %w", err)
		}
		if _, err := b.scheduler.AddJob(JobRotateLogs, schedule, b.rotateLogs); err != nil {
			return err
		}
	}
	return nil
}

// cleanHistory deletes messages past the retention period. Administrators'
// messages are kept.
func (b *Bot) cleanHistory(ctx context.Context) error {
	days := b.cfg.Schedule.HistoryRetentionDays
	if days <= 0 {
		days = 1
	}
	removed, err := b.store.CleanOldMessages(ctx, time.Duration(days)*day, b.cfg.AdminIDs())
	if err != nil {
		return err
	}
	logger.InfoCF("bot", "Old messages cleaned", map[string]interface{}{
		"removed":        removed,
		"retention_days": days,
	})
	return nil
}

func (b *Bot) rotateLogs(ctx context.Context) error {
	days := b.cfg.Schedule.LogRetentionDays
	if days <= 0 {
		days = 14
	}
	removed, err := logger.RotateFile(time.Duration(days) * day)
	if err != nil {
		return err
	}
	logger.InfoCF("bot", "Log file rotated", map[string]interface{}{
		"removed": removed,
	})
	return nil
}
