package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
)

// CompactionStore is the part of the store the compactor touches.
type CompactionStore interface {
	CompactSnapshots(ctx context.Context, before time.Time) (int64, error)
	GetTime(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
}

// Compactor prunes peer statistics older than the retention window.
type Compactor struct {
	store     CompactionStore
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewCompactor creates a Compactor pruning every interval.
func NewCompactor(store CompactionStore, logger *slog.Logger, interval, retention time.Duration) (*Compactor, error) {
	if store == nil {
		return nil, fmt.Errorf("new compactor: store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new compactor: logger is required")
	}
	if interval <= 0 || retention <= 0 {
		return nil, fmt.Errorf("new compactor: interval and retention must be positive")
	}
	return &Compactor{
		store:     store,
		logger:    logger.With("component", "compactor"),
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Run blocks until ctx is cancelled. A compaction overdue since the
// previous process runs right away, so frequent restarts cannot starve it.
func (c *Compactor) Run(ctx context.Context) {
	taskID := logging.GenerateTaskID("compactor")
	ctx = logging.WithTaskID(ctx, taskID)
	c.logger.Info("compactor_started",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
		"task_id", taskID,
	)

	if c.overdue(ctx) {
		c.compact(ctx)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("compactor_stopped", "task_id", taskID)
			return
		case <-ticker.C:
			c.compact(ctx)
		}
	}
}

// overdue reports whether the last recorded compaction is more than one
// interval ago. An unreadable record counts as overdue.
func (c *Compactor) overdue(ctx context.Context) bool {
	last, err := c.store.GetTime(ctx, db.SettingLastCompaction)
	if err != nil {
		c.logger.Warn("compaction_last_run_unreadable", "error", err)
		return true
	}
	return c.now().Sub(last) >= c.interval
}

// Compact runs one cycle and returns the number of samples removed.
func (c *Compactor) Compact(ctx context.Context) int64 {
	return c.compact(ctx)
}

func (c *Compactor) compact(ctx context.Context) int64 {
	now := c.now()
	cutoff := now.Add(-c.retention)
	l := logging.FromContext(ctx, c.logger)

	deleted, err := c.store.CompactSnapshots(ctx, cutoff)
	if err != nil {
		l.Error("compaction_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "compact",
			"cutoff", cutoff.Unix(),
		)
		return 0
	}
	if err := c.store.SetTime(ctx, db.SettingLastCompaction, now); err != nil {
		l.Warn("compaction_record_time_failed",
			"error", err,
			"operation", "compact",
		)
	}

	level := slog.LevelDebug
	if deleted > 0 {
		level = slog.LevelInfo
	}
	l.Log(ctx, level, "compaction_complete",
		"deleted", deleted,
		"cutoff", cutoff.Unix(),
		"operation", "compact",
	)
	return deleted
}
