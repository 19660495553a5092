package wg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/itsChris/wgsync/internal/logging"
)

const (
	// DefaultOpTimeout bounds a single backend call.
	DefaultOpTimeout = 10 * time.Second

	// DefaultConcurrency bounds ReconcileAll.
	DefaultConcurrency = 4

	// maxReplans bounds how often one pass starts over after the backend
	// restarted the device.
	maxReplans = 2
)

// Reconciler drives a Backend towards desired state. Passes on distinct
// interfaces run concurrently; passes on the same interface are
// serialised. The reconciler keeps no state between passes.
type Reconciler struct {
	backend     Backend
	logger      *slog.Logger
	recorder    Recorder
	opTimeout   time.Duration
	restart     bool
	concurrency int
	locks       nameLocks
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithRecorder sets the metrics sink.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithOpTimeout sets the per-call deadline. Non-positive values keep the
// default.
func WithOpTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithRestart controls the restart-and-retry on BackendDown. It only has
// an effect when the backend implements Restarter.
func WithRestart(enabled bool) Option {
	return func(r *Reconciler) { r.restart = enabled }
}

// WithConcurrency bounds how many interfaces ReconcileAll handles at once.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewReconciler creates a Reconciler over backend.
func NewReconciler(backend Backend, logger *slog.Logger, opts ...Option) (*Reconciler, error) {
	if backend == nil {
		return nil, fmt.Errorf("new reconciler: backend is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new reconciler: logger is required")
	}
	r := &Reconciler{
		backend:     backend,
		logger:      logger.With("component", "reconciler", "backend", backend.Name()),
		recorder:    NopRecorder{},
		opTimeout:   DefaultOpTimeout,
		restart:     true,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Backend returns the backend the reconciler drives.
func (r *Reconciler) Backend() Backend { return r.backend }

// OpResult is the outcome of one planned operation. Restarted means the
// backend brought the device back empty before the retry.
type OpResult struct {
	Op        Op
	Err       error
	Retried   bool
	Restarted bool
	Skipped   bool
	Duration  time.Duration
}

// Result aggregates the outcomes of a pass.
type Result struct {
	Interface string
	Backend   string
	Ops       []OpResult
}

// OK reports whether every operation succeeded.
func (r *Result) OK() bool {
	for _, o := range r.Ops {
		if o.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the operations that failed or were skipped.
func (r *Result) Failed() []OpResult {
	var out []OpResult
	for _, o := range r.Ops {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Applied counts the operations that succeeded.
func (r *Result) Applied() int {
	n := 0
	for _, o := range r.Ops {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed operation.
func (r *Result) Err() error {
	var errs []error
	for _, o := range r.Ops {
		if o.Err != nil && !o.Skipped {
			errs = append(errs, o.Err)
		}
	}
	if len(errs) == 0 {
		for _, o := range r.Ops {
			if o.Err != nil {
				return o.Err
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Result) outcome() string {
	switch {
	case len(r.Ops) == 0:
		return "noop"
	case r.OK():
		return "ok"
	case r.Applied() > 0:
		return "partial"
	default:
		return "failed"
	}
}

// Reconcile makes the interface called name match desired. A nil desired
// deletes the interface. The returned Result lists every planned
// operation; the error is non-nil when any of them failed or the pass
// could not start.
func (r *Reconciler) Reconcile(ctx context.Context, name string, desired *Interface) (*Result, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if desired != nil {
		if desired.Name != name {
			return nil, NewError(InvalidArgument, "reconcile", name, fmt.Errorf("desired state names %q", desired.Name))
		}
		if err := desired.Validate(); err != nil {
			return nil, err
		}
	}

	unlock, err := r.locks.lock(ctx, name)
	if err != nil {
		return nil, NewError(KindOf(err), "reconcile", name, err)
	}
	defer unlock()

	l := r.ctxLogger(ctx).With("interface", name)
	start := time.Now()
	l.Info("reconcile_start", "operation", "reconcile", "desired", desired != nil)

	actual, err := r.snapshot(ctx, name)
	if err != nil {
		l.Error("reconcile_snapshot_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "reconcile",
			"hint", Hint(err),
		)
		r.recorder.ObservePass(name, "failed", time.Since(start))
		return nil, err
	}
	defer actual.Wipe()

	result := &Result{Interface: name, Backend: r.backend.Name()}
	ops := Diff(desired, actual)
	r.execute(ctx, l, name, desired, ops, result)

	outcome := result.outcome()
	r.recorder.ObservePass(name, outcome, time.Since(start))
	l.Info("reconcile_complete",
		"operation", "reconcile",
		"outcome", outcome,
		"planned", len(ops),
		"applied", result.Applied(),
		"failed", len(result.Failed()),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if !result.OK() {
		return result, result.Err()
	}
	return result, nil
}

// Plan computes the operations a pass would issue, without applying them.
func (r *Reconciler) Plan(ctx context.Context, name string, desired *Interface) ([]Op, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if desired != nil {
		if err := desired.Validate(); err != nil {
			return nil, err
		}
	}
	unlock, err := r.locks.lock(ctx, name)
	if err != nil {
		return nil, NewError(KindOf(err), "plan", name, err)
	}
	defer unlock()

	actual, err := r.snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	defer actual.Wipe()
	return Diff(desired, actual), nil
}

// Execute applies a single operation under the interface lock, with the
// same timeout and restart policy as a pass. Deleting a missing interface
// is reported as NotFound here, unlike inside a pass.
func (r *Reconciler) Execute(ctx context.Context, op Op) error {
	if err := ValidateName(op.Interface); err != nil {
		return err
	}
	if op.Peer != nil {
		if err := op.Peer.Validate(); err != nil {
			return err
		}
	}
	unlock, err := r.locks.lock(ctx, op.Interface)
	if err != nil {
		return NewError(KindOf(err), op.Kind.String(), op.Interface, err)
	}
	defer unlock()

	res := r.apply(ctx, op)
	l := r.ctxLogger(ctx)
	if res.Restarted {
		l.Warn("device_state_lost",
			"operation", op.Kind.String(),
			"interface", op.Interface,
			"reason", "backend_restart",
			"action", "restored_by_next_reconcile",
		)
	}
	if res.Err != nil {
		r.logOpFailure(l, res)
		return res.Err
	}
	l.Info(op.Kind.String()+"_complete",
		"operation", op.Kind.String(),
		"interface", op.Interface,
		"peer", peerAttr(op),
		"retried", res.Retried,
	)
	return nil
}

// Snapshot returns the current state of one interface under its lock. The
// caller must Wipe the result.
func (r *Reconciler) Snapshot(ctx context.Context, name string) (*Interface, error) {
	unlock, err := r.locks.lock(ctx, name)
	if err != nil {
		return nil, NewError(KindOf(err), "get_interface", name, err)
	}
	defer unlock()
	iface, err := r.snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	if iface == nil {
		return nil, NewError(NotFound, "get_interface", name, nil)
	}
	return iface, nil
}

// ReconcileAll reconciles every desired interface concurrently. Devices
// that exist but are not desired are reported and left alone. The results
// are in the order of desired.
func (r *Reconciler) ReconcileAll(ctx context.Context, desired []*Interface) ([]*Result, error) {
	ctx = ContextForReconcile(ctx)
	l := r.ctxLogger(ctx)

	present, err := r.list(ctx)
	if err != nil {
		l.Error("list_interfaces_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "reconcile_all",
			"hint", Hint(err),
		)
		return nil, err
	}
	want := make(map[string]bool, len(desired))
	for _, d := range desired {
		want[d.Name] = true
	}
	for _, name := range present {
		if !want[name] {
			l.Warn("reconcile_orphaned_interface",
				"interface", name,
				"action", "ignored_not_managed",
				"operation", "reconcile_all",
			)
		}
	}

	results := make([]*Result, len(desired))
	errs := make([]error, len(desired))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, d := range desired {
		g.Go(func() error {
			results[i], errs[i] = r.Reconcile(ctx, d.Name, d)
			if results[i] == nil && errs[i] != nil {
				results[i] = &Result{Interface: d.Name, Backend: r.backend.Name()}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// execute applies ops in order. When an op restarted the device, what the
// pass applied before it is gone, so the rest of the pass is planned anew
// against a fresh snapshot. A restarted device that still fails ends the
// pass.
func (r *Reconciler) execute(ctx context.Context, l *slog.Logger, name string, desired *Interface, ops []Op, result *Result) {
	replans := 0
	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if err := ctx.Err(); err != nil {
			l.Warn("reconcile_cancelled",
				"operation", "reconcile",
				"remaining", len(ops)-i,
				"error", err,
			)
			skipRest(result, ops[i:], err)
			return
		}

		res := r.apply(ctx, op)
		if op.Kind == OpDeleteInterface && IsNotFound(res.Err) {
			res.Err = nil
		}
		result.Ops = append(result.Ops, res)
		if res.Err != nil {
			r.logOpFailure(l, res)
		}

		if res.Restarted && res.Err != nil {
			skipRest(result, ops[i+1:], NewError(BackendDown, "reconcile", name,
				fmt.Errorf("aborted after restarted device failed %s", op.Kind)))
			return
		}
		if res.Restarted {
			next, err := r.replan(ctx, name, desired)
			if err != nil {
				skipRest(result, ops[i+1:], err)
				return
			}
			if replans == maxReplans {
				skipRest(result, next, NewError(BackendDown, "reconcile", name,
					fmt.Errorf("device restarted %d times during one pass", replans+1)))
				return
			}
			replans++
			l.Warn("reconcile_replanned",
				"operation", "reconcile",
				"reason", "backend_restart",
				"after", op.Kind.String(),
				"planned", len(next),
			)
			ops, i = next, -1
			continue
		}

		if res.Err == nil {
			l.Debug(op.Kind.String()+"_applied",
				"operation", op.Kind.String(),
				"peer", peerAttr(op),
				"reason", op.Reason,
				"retried", res.Retried,
				"duration_ms", res.Duration.Milliseconds(),
			)
			continue
		}

		// A peer cannot exist without its interface.
		if op.Kind == OpCreateInterface || op.Kind == OpDeleteInterface {
			skipRest(result, ops[i+1:], NewError(KindOf(res.Err), "reconcile", op.Interface,
				fmt.Errorf("aborted after failed %s", op.Kind)))
			return
		}
	}
}

// replan diffs desired against the device as it is after a restart. The
// snapshot is only needed for the diff; the ops reference desired.
func (r *Reconciler) replan(ctx context.Context, name string, desired *Interface) ([]Op, error) {
	actual, err := r.snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	defer actual.Wipe()
	ops := Diff(desired, actual)
	for i := range ops {
		ops[i].Reason += " after restart"
	}
	return ops, nil
}

func skipRest(result *Result, ops []Op, err error) {
	for _, op := range ops {
		result.Ops = append(result.Ops, OpResult{Op: op, Err: err, Skipped: true})
	}
}

// apply runs op against the backend. Once issued, the call is shielded
// from the caller's cancellation and bounded by the op timeout instead. On
// BackendDown the device is restarted and the call retried once; if the
// retry fails too, the first error is reported.
func (r *Reconciler) apply(ctx context.Context, op Op) OpResult {
	start := time.Now()
	res := OpResult{Op: op}
	var out callOutcome
	out, res.Err = r.call(ctx, op.Kind.String(), op.Interface, func(ctx context.Context) error {
		switch op.Kind {
		case OpCreateInterface:
			return r.backend.CreateInterface(ctx, op.Interface, op.Params)
		case OpSetInterfaceParams:
			return r.backend.SetInterfaceParams(ctx, op.Interface, op.Params)
		case OpDeleteInterface:
			return r.backend.DeleteInterface(ctx, op.Interface)
		case OpUpsertPeer:
			if op.Peer == nil {
				return NewError(InvalidArgument, op.Kind.String(), op.Interface, fmt.Errorf("no peer"))
			}
			return r.backend.UpsertPeer(ctx, op.Interface, *op.Peer)
		case OpRemovePeer:
			return r.backend.RemovePeer(ctx, op.Interface, op.PublicKey)
		default:
			return NewError(InvalidArgument, op.Kind.String(), op.Interface, fmt.Errorf("unknown operation"))
		}
	})
	res.Retried, res.Restarted = out.retried, out.restarted
	if res.Err != nil {
		var e *Error
		if errors.As(res.Err, &e) && e.Peer.IsZero() && !op.PublicKey.IsZero() {
			res.Err = e.ForPeer(op.PublicKey)
		}
	}
	res.Duration = time.Since(start)
	return res
}

// callOutcome records what happened around a backend call besides its
// error.
type callOutcome struct {
	retried   bool
	restarted bool
}

func (r *Reconciler) call(ctx context.Context, op, iface string, fn func(context.Context) error) (callOutcome, error) {
	restarter, canRestart := r.backend.(Restarter)
	canRestart = canRestart && r.restart

	var (
		attempts int
		out      callOutcome
		first    error
		last     error
	)
	policy := retrypolicy.NewBuilder[struct{}]().
		WithMaxRetries(1).
		HandleIf(func(_ struct{}, err error) bool {
			return canRestart && errors.Is(err, BackendDown)
		}).
		Build()

	_, err := failsafe.With(policy).Get(func() (struct{}, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
		defer cancel()

		if attempts > 1 {
			r.ctxLogger(ctx).Warn("backend_restart",
				"operation", op,
				"interface", iface,
				"reason", first,
			)
			if err := restarter.Restart(callCtx, iface); err != nil {
				last = r.classify(callCtx, op, iface, err)
				return struct{}{}, last
			}
			out.restarted = true
		}

		opStart := time.Now()
		err := r.classify(callCtx, op, iface, fn(callCtx))
		r.recorder.ObserveOperation(r.backend.Name(), op, KindOf(err), err == nil, time.Since(opStart))
		if err != nil && first == nil {
			first = err
		}
		last = err
		return struct{}{}, err
	})
	out.retried = attempts > 1
	if err == nil {
		return out, nil
	}
	if first != nil {
		return out, first
	}
	return out, last
}

// classify ensures err is an *Error and that an expired call deadline is
// reported as Timeout.
func (r *Reconciler) classify(callCtx context.Context, op, iface string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && KindOf(err) != Timeout {
		return NewError(Timeout, op, iface, err)
	}
	return Wrap(op, iface, err)
}

func (r *Reconciler) snapshot(ctx context.Context, name string) (*Interface, error) {
	var iface *Interface
	_, err := r.call(ctx, "get_interface", name, func(ctx context.Context) error {
		got, err := r.backend.GetInterface(ctx, name)
		if err != nil {
			return err
		}
		iface = got
		return nil
	})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.recorder.ObserveSnapshot(r.backend.Name(), iface)
	return iface, nil
}

func (r *Reconciler) list(ctx context.Context) ([]string, error) {
	var names []string
	_, err := r.call(ctx, "list_interfaces", "", func(ctx context.Context) error {
		got, err := r.backend.ListInterfaces(ctx)
		names = got
		return err
	})
	slices.Sort(names)
	return names, err
}

func (r *Reconciler) logOpFailure(l *slog.Logger, res OpResult) {
	l.Error(res.Op.Kind.String()+"_failed",
		"error", res.Err,
		"error_type", fmt.Sprintf("%T", errors.Unwrap(res.Err)),
		"error_kind", KindOf(res.Err).Label(),
		"operation", res.Op.Kind.String(),
		"interface", res.Op.Interface,
		"peer", peerAttr(res.Op),
		"retried", res.Retried,
		"hint", Hint(res.Err),
	)
}

func peerAttr(op Op) string {
	if op.PublicKey.IsZero() {
		return ""
	}
	return op.PublicKey.String()
}

// ctxLogger returns a logger enriched with request_id/task_id from context.
func (r *Reconciler) ctxLogger(ctx context.Context) *slog.Logger {
	attrs := logging.LogAttrsFromContext(ctx)
	if len(attrs) == 0 {
		return r.logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return r.logger.With(args...)
}

// ContextForReconcile tags ctx with a fresh reconcile task id unless it
// already carries one.
func ContextForReconcile(ctx context.Context) context.Context {
	if logging.TaskID(ctx) != "" {
		return ctx
	}
	return logging.WithTaskID(ctx, "reconcile_"+uuid.NewString())
}
