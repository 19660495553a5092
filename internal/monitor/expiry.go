package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
	"github.com/itsChris/wgsync/internal/wg"
)

// ExpiryStore abstracts the database operations needed by the expiry checker.
type ExpiryStore interface {
	ListExpiredPeers(ctx context.Context, now time.Time) ([]db.PeerRecord, error)
	DeletePeer(ctx context.Context, iface string, pub wg.PublicKey) error
}

// Executor applies a single backend operation. *wg.Reconciler implements it.
type Executor interface {
	Execute(ctx context.Context, op wg.Op) error
}

// ExpiryChecker periodically removes peers whose expiry has passed, first
// from the device and then from the stored desired state.
type ExpiryChecker struct {
	store    ExpiryStore
	executor Executor
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewExpiryChecker creates an ExpiryChecker that runs at the given interval.
func NewExpiryChecker(store ExpiryStore, executor Executor, logger *slog.Logger, interval time.Duration) (*ExpiryChecker, error) {
	if store == nil {
		return nil, fmt.Errorf("new expiry checker: store is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("new expiry checker: executor is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new expiry checker: logger is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("new expiry checker: interval must be positive")
	}
	return &ExpiryChecker{
		store:    store,
		executor: executor,
		logger:   logger.With("component", "expiry"),
		interval: interval,
		now:      time.Now,
	}, nil
}

// Run starts the expiry check loop. It blocks until ctx is cancelled.
func (e *ExpiryChecker) Run(ctx context.Context) {
	taskID := logging.GenerateTaskID("expiry")
	ctx = logging.WithTaskID(ctx, taskID)

	e.logger.Info("expiry_checker_started",
		"interval", e.interval.String(),
		"task_id", taskID,
	)

	e.check(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("expiry_checker_stopped", "task_id", taskID)
			return
		case <-ticker.C:
			e.check(ctx)
		}
	}
}

// Check executes a single expiry cycle and returns how many peers were
// removed. Exported for testing.
func (e *ExpiryChecker) Check(ctx context.Context) int {
	return e.check(ctx)
}

func (e *ExpiryChecker) check(ctx context.Context) int {
	l := logging.FromContext(ctx, e.logger)
	expired, err := e.store.ListExpiredPeers(ctx, e.now())
	if err != nil {
		l.Error("expiry_list_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "expiry_check",
		)
		return 0
	}

	removed := 0
	for n := range expired {
		rec := &expired[n]
		rec.Wipe()

		// Device first: a failed removal must leave the peer in the store.
		err := e.executor.Execute(ctx, wg.Op{
			Kind:      wg.OpRemovePeer,
			Interface: rec.Interface,
			PublicKey: rec.PublicKey,
			Reason:    "expired",
		})
		if err != nil && !wg.IsNotFound(err) {
			l.Error("expiry_remove_peer_failed",
				"error", err,
				"error_type", fmt.Sprintf("%T", err),
				"operation", "expiry_check",
				"interface", rec.Interface,
				"peer", rec.PublicKey.String(),
				"hint", wg.Hint(err),
			)
			continue
		}
		if err := e.store.DeletePeer(ctx, rec.Interface, rec.PublicKey); err != nil && !errors.Is(err, db.ErrNotFound) {
			l.Error("expiry_delete_peer_failed",
				"error", err,
				"error_type", fmt.Sprintf("%T", err),
				"operation", "expiry_check",
				"interface", rec.Interface,
				"peer", rec.PublicKey.String(),
			)
			continue
		}
		removed++
		l.Info("peer_expired",
			"interface", rec.Interface,
			"peer", rec.PublicKey.String(),
			"description", rec.Description,
			"expires_at", rec.ExpiresAt,
			"operation", "expiry_check",
		)
	}
	return removed
}
