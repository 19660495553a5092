// Package monitor runs the daemon's background loops: drift correction
// with peer statistics sampling, snapshot compaction, and peer expiry.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
	"github.com/itsChris/wgsync/internal/wg"
)

// DesiredStore abstracts the database operations needed by the poller.
type DesiredStore interface {
	DesiredInterfaces(ctx context.Context) ([]*wg.Interface, error)
	ListPeers(ctx context.Context, iface string) ([]db.PeerRecord, error)
	InsertSnapshots(ctx context.Context, snaps []db.PeerSnapshot) error
	SetTime(ctx context.Context, key string, t time.Time) error
}

// Reconciler is the subset of *wg.Reconciler the poller drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context, desired []*wg.Interface) ([]*wg.Result, error)
	Snapshot(ctx context.Context, name string) (*wg.Interface, error)
}

// PassSummary describes the last drift pass over one interface.
type PassSummary struct {
	Interface string `json:"interface"`
	Planned   int    `json:"planned"`
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// Status is the outcome of the most recent poll.
type Status struct {
	At         time.Time     `json:"at"`
	Interfaces []PassSummary `json:"interfaces"`
}

// Poller periodically converges every enabled interface to its stored
// desired state, samples peer statistics and detects online/offline
// transitions.
type Poller struct {
	store      DesiredStore
	reconciler Reconciler
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	prevState map[int64]bool // peer ID -> online
	last      Status
}

// NewPoller creates a Poller that polls at the given interval.
func NewPoller(store DesiredStore, reconciler Reconciler, logger *slog.Logger, interval time.Duration) (*Poller, error) {
	if store == nil {
		return nil, fmt.Errorf("new poller: store is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("new poller: reconciler is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new poller: logger is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("new poller: interval must be positive")
	}
	return &Poller{
		store:      store,
		reconciler: reconciler,
		logger:     logger.With("component", "monitor"),
		interval:   interval,
		now:        time.Now,
		prevState:  make(map[int64]bool),
	}, nil
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	taskID := logging.GenerateTaskID("poller")
	ctx = logging.WithTaskID(ctx, taskID)

	p.logger.Info("poller_started",
		"interval", p.interval.String(),
		"task_id", taskID,
	)

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller_stopped", "task_id", taskID)
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Poll executes a single poll cycle. Exported for testing.
func (p *Poller) Poll(ctx context.Context) {
	p.poll(ctx)
}

// Status returns the outcome of the most recent poll.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) poll(ctx context.Context) {
	l := logging.FromContext(ctx, p.logger)

	desired, err := p.store.DesiredInterfaces(ctx)
	if err != nil {
		l.Error("poll_desired_state_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "poll",
		)
		return
	}
	defer func() {
		for _, d := range desired {
			d.Wipe()
		}
	}()

	now := p.now()
	results, err := p.reconciler.ReconcileAll(ctx, desired)
	if err != nil {
		l.Warn("poll_drift_not_converged",
			"error", err,
			"operation", "poll",
			"interfaces", len(desired),
		)
	}
	status := Status{At: now, Interfaces: summarize(results)}
	p.mu.Lock()
	p.last = status
	p.mu.Unlock()

	if err := p.store.SetTime(ctx, db.SettingLastReconcile, now); err != nil {
		l.Error("poll_record_time_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "poll",
		)
	}

	for _, d := range desired {
		p.sample(ctx, l, d.Name, now)
	}
}

func summarize(results []*wg.Result) []PassSummary {
	out := make([]PassSummary, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		s := PassSummary{
			Interface: r.Interface,
			Planned:   len(r.Ops),
			Applied:   r.Applied(),
			Failed:    len(r.Failed()),
		}
		if err := r.Err(); err != nil {
			s.Error = err.Error()
			s.Hint = wg.Hint(err)
		}
		out = append(out, s)
	}
	return out
}

// sample stores one statistics snapshot per stored peer present on the
// device.
func (p *Poller) sample(ctx context.Context, l *slog.Logger, iface string, now time.Time) {
	live, err := p.reconciler.Snapshot(ctx, iface)
	if wg.IsNotFound(err) {
		return
	}
	if err != nil {
		l.Error("poll_snapshot_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "poll",
			"interface", iface,
			"hint", wg.Hint(err),
		)
		return
	}
	defer live.Wipe()

	peers, err := p.store.ListPeers(ctx, iface)
	if err != nil {
		l.Error("poll_list_peers_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "poll",
			"interface", iface,
		)
		return
	}

	snaps := make([]db.PeerSnapshot, 0, len(peers))
	for n := range peers {
		rec := &peers[n]
		rec.Wipe()
		s, ok := live.Peer(rec.PublicKey)
		if !ok {
			continue
		}
		online := s.Online(now)
		snaps = append(snaps, db.PeerSnapshot{
			PeerID:        rec.ID,
			Timestamp:     now,
			RxBytes:       s.ReceiveBytes,
			TxBytes:       s.TransmitBytes,
			LastHandshake: s.LastHandshake,
			Online:        online,
		})
		p.transition(l, iface, rec, online)
	}

	if err := p.store.InsertSnapshots(ctx, snaps); err != nil {
		l.Error("poll_insert_snapshots_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "poll",
			"interface", iface,
		)
	}
}

func (p *Poller) transition(l *slog.Logger, iface string, rec *db.PeerRecord, online bool) {
	p.mu.Lock()
	prev, known := p.prevState[rec.ID]
	p.prevState[rec.ID] = online
	p.mu.Unlock()

	if !known || prev == online {
		return
	}
	event := "peer_offline"
	if online {
		event = "peer_online"
	}
	l.Info(event,
		"peer", rec.PublicKey.String(),
		"description", rec.Description,
		"interface", iface,
		"operation", "poll",
	)
}
