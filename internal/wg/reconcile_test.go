package wg_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/itsChris/wgsync/internal/testutil"
	"github.com/itsChris/wgsync/internal/wg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReconciler(t *testing.T, b wg.Backend, opts ...wg.Option) *wg.Reconciler {
	t.Helper()
	r, err := wg.NewReconciler(b, testLogger(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// callSummary renders mutating calls as "Method iface [peer]".
func callSummary(calls []testutil.MockCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		s := c.Method + " " + c.Args[0].(string)
		if len(c.Args) > 1 {
			if pub, ok := c.Args[1].(wg.PublicKey); ok {
				s += " " + pub.String()[:4]
			}
		}
		out[i] = s
	}
	return out
}

func short(k wg.PublicKey) string { return k.String()[:4] }

func fullDesired(t *testing.T) *wg.Interface {
	t.Helper()
	priv, err := wg.ParsePrivateKey(testPrivateHex)
	if err != nil {
		t.Fatal(err)
	}
	psk, err := wg.ParsePresharedKey(testPSKHex)
	if err != nil {
		t.Fatal(err)
	}
	ep, _ := wg.ParseEndpoint("182.122.22.19:3233")
	return &wg.Interface{
		Name:         "wg0",
		PrivateKey:   priv,
		ListenPort:   wg.Set[uint16](12912),
		FirewallMark: wg.Set[uint32](0),
		MTU:          wg.Set(1420),
		Addresses:    wg.Set(prefixes("10.0.0.1/24")),
		Peers: []wg.Peer{
			{
				PublicKey:           pubKey(1),
				PresharedKey:        wg.Set(psk),
				Endpoint:            wg.Set(ep),
				PersistentKeepalive: wg.Set(25 * time.Second),
				AllowedIPs:          prefixes("10.0.0.2/32", "192.168.4.0/24"),
			},
			{PublicKey: pubKey(2), AllowedIPs: prefixes("10.0.0.3/32")},
		},
	}
}

func TestNewReconciler_RequiresDeps(t *testing.T) {
	if _, err := wg.NewReconciler(nil, testLogger()); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := wg.NewReconciler(testutil.NewMockBackend(), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestReconcile_CreatesAbsentInterface(t *testing.T) {
	backend := testutil.NewMockBackend()
	r := newReconciler(t, backend)

	res, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", MTU: wg.Set(1420)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.OK() || len(res.Ops) != 1 {
		t.Fatalf("result = %+v", res)
	}

	calls := backend.MutatingCalls()
	if diff := cmp.Diff([]string{"CreateInterface wg0"}, callSummary(calls)); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	params := calls[0].Args[1].(wg.InterfaceParams)
	if mtu, ok := params.TargetMTU(); !ok || mtu != 1420 {
		t.Errorf("create mtu = %d, %v", mtu, ok)
	}
}

func TestReconcile_SecondPassIsNoop(t *testing.T) {
	backend := testutil.NewMockBackend()
	r := newReconciler(t, backend)
	desired := fullDesired(t)
	defer desired.Wipe()

	if _, err := r.Reconcile(context.Background(), "wg0", desired); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if got := len(backend.MutatingCalls()); got != 3 {
		t.Fatalf("first pass issued %d calls, want 3", got)
	}

	backend.ResetCalls()
	// Permuting allowed ips must not matter either.
	ips := desired.Peers[0].AllowedIPs
	ips[0], ips[1] = ips[1], ips[0]

	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if calls := backend.MutatingCalls(); len(calls) != 0 {
		t.Errorf("second pass issued %v", callSummary(calls))
	}
	if len(res.Ops) != 0 {
		t.Errorf("second pass planned %d ops", len(res.Ops))
	}
}

func TestReconcile_PeerDiffScenario(t *testing.T) {
	p1, p2, p3 := pubKey(1), pubKey(2), pubKey(3)
	backend := testutil.NewMockBackend()
	backend.Devices["wg0"] = &wg.Interface{
		Name: "wg0",
		MTU:  wg.Set(1420),
		Peers: []wg.Peer{
			{PublicKey: p1, PersistentKeepalive: wg.Set(time.Duration(0))},
			{PublicKey: p3},
		},
	}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{
		{PublicKey: p1, PersistentKeepalive: wg.Set(25 * time.Second)},
		{PublicKey: p2},
	}}
	if _, err := r.Reconcile(context.Background(), "wg0", desired); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"UpsertPeer wg0 " + short(p1),
		"UpsertPeer wg0 " + short(p2),
		"RemovePeer wg0 " + short(p3),
	}
	if diff := cmp.Diff(want, callSummary(backend.MutatingCalls())); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcile_PeerFailureDoesNotAbortPass(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.UpsertPeerFn = func(_ context.Context, _ string, p wg.Peer) error {
		if p.PublicKey == pubKey(1) {
			return syscall.EINVAL
		}
		return nil
	}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}, {PublicKey: pubKey(2)}}}
	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if res.OK() || res.Applied() != 2 {
		t.Fatalf("applied = %d, want create and second peer", res.Applied())
	}

	failed := res.Failed()
	if len(failed) != 1 || failed[0].Op.PublicKey != pubKey(1) {
		t.Fatalf("failed = %+v", failed)
	}
	var e *wg.Error
	if !errors.As(err, &e) || e.Kind != wg.InvalidArgument || e.Interface != "wg0" || e.Peer != pubKey(1) {
		t.Errorf("error = %v, want invalid argument naming wg0 and the peer", err)
	}
}

func TestReconcile_CreateFailureAbortsPass(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.CreateInterfaceFn = func(context.Context, string, wg.InterfaceParams) error {
		return syscall.EPERM
	}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}, {PublicKey: pubKey(2)}}}
	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if !errors.Is(err, wg.PermissionDenied) {
		t.Fatalf("error = %v, want permission denied", err)
	}
	if len(res.Ops) != 3 || !res.Ops[1].Skipped || !res.Ops[2].Skipped {
		t.Fatalf("peer ops not skipped: %+v", res.Ops)
	}
	for _, m := range backend.CallMethods() {
		if m == "UpsertPeer" {
			t.Fatal("peer upserted after failed create")
		}
	}
}

func TestReconcile_DeletesUndesired(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Devices["wg9"] = &wg.Interface{Name: "wg9"}
	r := newReconciler(t, backend)

	if _, err := r.Reconcile(context.Background(), "wg9", nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.Devices["wg9"]; ok {
		t.Error("interface still present")
	}

	// Absent and undesired: nothing to do.
	backend.ResetCalls()
	res, err := r.Reconcile(context.Background(), "wg9", nil)
	if err != nil || len(res.Ops) != 0 || len(backend.MutatingCalls()) != 0 {
		t.Errorf("second delete: ops=%v err=%v", res.Ops, err)
	}
}

func TestReconcile_DeleteOfVanishedInterfaceSucceeds(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.GetInterfaceFn = func(context.Context, string) (*wg.Interface, error) {
		return &wg.Interface{Name: "wg0"}, nil
	}
	r := newReconciler(t, backend)

	res, err := r.Reconcile(context.Background(), "wg0", nil)
	if err != nil || !res.OK() {
		t.Fatalf("NotFound on delete was not treated as success: %v", err)
	}
}

func TestReconcile_BackendDownRestartsAndRetries(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	var attempts atomic.Int32
	mock.UpsertPeerFn = func(context.Context, string, wg.Peer) error {
		if attempts.Add(1) == 1 {
			return wg.NewError(wg.BackendDown, "uapi", "wg0", errors.New("process exited"))
		}
		return nil
	}
	backend := &testutil.RestartableBackend{MockBackend: mock}
	r := newReconciler(t, backend)

	res, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Ops[0].Retried {
		t.Error("op not marked as retried")
	}
	want := []string{"GetInterface", "UpsertPeer", "Restart", "UpsertPeer", "GetInterface"}
	if diff := cmp.Diff(want, mock.CallMethods()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcile_BackendDownRetryFailsReportsOriginal(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	var downs atomic.Int32
	mock.UpsertPeerFn = func(_ context.Context, _ string, p wg.Peer) error {
		if p.PublicKey != pubKey(2) {
			return nil
		}
		n := downs.Add(1)
		return wg.NewError(wg.BackendDown, "uapi", "wg0", fmt.Errorf("process exited (%d)", n))
	}
	restarts := 0
	backend := &testutil.RestartableBackend{
		MockBackend: mock,
		RestartFn: func(context.Context, string) error {
			restarts++
			return nil
		},
	}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{
		{PublicKey: pubKey(1)}, {PublicKey: pubKey(2)}, {PublicKey: pubKey(3)},
	}}
	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if !errors.Is(err, wg.BackendDown) {
		t.Fatalf("error = %v, want backend down", err)
	}
	if restarts != 1 {
		t.Errorf("restarts = %d, want exactly 1", restarts)
	}
	if !strings.Contains(err.Error(), "process exited (1)") {
		t.Errorf("error %q is not the original failure", err)
	}
	if res.Applied() != 1 {
		t.Errorf("applied = %d, want only the peer before the restart", res.Applied())
	}
	if !res.Ops[1].Retried || !res.Ops[1].Restarted {
		t.Errorf("failed op = %+v, want retried after restart", res.Ops[1])
	}
	if len(res.Ops) != 3 || !res.Ops[2].Skipped {
		t.Errorf("ops = %+v, want the last peer skipped", res.Ops)
	}
}

// restartWipes makes Restart behave like a userspace daemon coming back
// empty: the device keeps its name and loses everything else.
func restartWipes(mock *testutil.MockBackend) func(context.Context, string) error {
	return func(_ context.Context, name string) error {
		dev, ok := mock.Devices[name]
		if !ok {
			return wg.NewError(wg.NotFound, "restart", name, nil)
		}
		dev.Wipe()
		mock.Devices[name] = &wg.Interface{Name: name}
		return nil
	}
}

func TestReconcile_RestartReplansRestOfPass(t *testing.T) {
	mock := testutil.NewMockBackend()
	var upserts atomic.Int32
	mock.UpsertPeerFn = func(context.Context, string, wg.Peer) error {
		if upserts.Add(1) == 2 {
			return wg.NewError(wg.BackendDown, "uapi", "wg0", errors.New("process exited"))
		}
		return nil
	}
	backend := &testutil.RestartableBackend{MockBackend: mock, RestartFn: restartWipes(mock)}
	r := newReconciler(t, backend)

	desired := fullDesired(t)
	defer desired.Wipe()
	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.OK() {
		t.Fatalf("result not ok: %+v", res.Failed())
	}

	var restarted, replanned bool
	for _, o := range res.Ops {
		restarted = restarted || o.Restarted
		replanned = replanned || strings.HasSuffix(o.Op.Reason, "after restart")
	}
	if !restarted || !replanned {
		t.Errorf("restarted = %v, replanned = %v, want both", restarted, replanned)
	}

	dev := mock.Devices["wg0"]
	if dev.PrivateKey == nil || !dev.PrivateKey.Equal(desired.PrivateKey) {
		t.Error("private key lost across restart")
	}
	if dev.ListenPort.Value() != 12912 {
		t.Errorf("listen port = %d, want 12912", dev.ListenPort.Value())
	}
	if len(dev.Peers) != 2 {
		t.Errorf("peers = %d, want 2", len(dev.Peers))
	}

	second, err := r.Reconcile(context.Background(), "wg0", desired)
	if err != nil || len(second.Ops) != 0 {
		t.Errorf("second pass = %+v, %v, want noop", second, err)
	}
}

func TestReconcile_RestartLoopEndsPass(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	var upserts atomic.Int32
	mock.UpsertPeerFn = func(context.Context, string, wg.Peer) error {
		// Every first attempt dies; every retry succeeds.
		if upserts.Add(1)%2 == 1 {
			return wg.NewError(wg.BackendDown, "uapi", "wg0", errors.New("process exited"))
		}
		return nil
	}
	backend := &testutil.RestartableBackend{MockBackend: mock, RestartFn: restartWipes(mock)}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}, {PublicKey: pubKey(2)}}}
	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if !errors.Is(err, wg.BackendDown) {
		t.Fatalf("error = %v, want backend down", err)
	}
	if res.OK() {
		t.Error("pass reported ok although the device kept restarting")
	}
	restarts := 0
	for _, m := range mock.CallMethods() {
		if m == "Restart" {
			restarts++
		}
	}
	if restarts != 3 {
		t.Errorf("restarts = %d, want 3", restarts)
	}
}

func TestReconcile_ReplanSnapshotFailureEndsPass(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	var gets, upserts atomic.Int32
	mock.GetInterfaceFn = func(context.Context, string) (*wg.Interface, error) {
		if gets.Add(1) > 1 {
			return nil, wg.NewError(wg.PermissionDenied, "uapi", "wg0", errors.New("socket refused"))
		}
		return &wg.Interface{Name: "wg0"}, nil
	}
	mock.UpsertPeerFn = func(context.Context, string, wg.Peer) error {
		if upserts.Add(1) == 1 {
			return wg.NewError(wg.BackendDown, "uapi", "wg0", errors.New("process exited"))
		}
		return nil
	}
	backend := &testutil.RestartableBackend{MockBackend: mock, RestartFn: restartWipes(mock)}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}, {PublicKey: pubKey(2)}}}
	res, err := r.Reconcile(context.Background(), "wg0", desired)
	if err == nil || res.OK() {
		t.Fatalf("pass ok = %v, err = %v, want failure", res.OK(), err)
	}
	if !errors.Is(err, wg.PermissionDenied) {
		t.Errorf("error = %v, want the snapshot failure", err)
	}
	if last := res.Ops[len(res.Ops)-1]; !last.Skipped {
		t.Errorf("last op = %+v, want skipped", last)
	}
}

func TestReconcile_NoRetryWithoutRestarter(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	calls := 0
	backend.UpsertPeerFn = func(context.Context, string, wg.Peer) error {
		calls++
		return wg.NewError(wg.BackendDown, "netlink", "wg0", io.EOF)
	}
	r := newReconciler(t, backend)

	_, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}}})
	if !errors.Is(err, wg.BackendDown) || calls != 1 {
		t.Errorf("err = %v after %d calls, want one unretried backend down", err, calls)
	}
}

func TestReconcile_OtherKindsAreNotRetried(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	mock.UpsertPeerFn = func(context.Context, string, wg.Peer) error { return syscall.EINVAL }
	backend := &testutil.RestartableBackend{MockBackend: mock}
	r := newReconciler(t, backend)

	if _, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}}}); err == nil {
		t.Fatal("expected error")
	}
	for _, m := range mock.CallMethods() {
		if m == "Restart" {
			t.Fatal("restart attempted for a non-BackendDown failure")
		}
	}
}

func TestReconcile_PerCallTimeout(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	mock.UpsertPeerFn = func(ctx context.Context, _ string, _ wg.Peer) error {
		<-ctx.Done()
		return ctx.Err()
	}
	backend := &testutil.RestartableBackend{MockBackend: mock}
	r := newReconciler(t, backend, wg.WithOpTimeout(20*time.Millisecond))

	res, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}}})
	if !errors.Is(err, wg.Timeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if res.Ops[0].Retried {
		t.Error("timeout was retried")
	}
}

func TestReconcile_CancelSuppressesLaterOps(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawCancelled bool
	backend.UpsertPeerFn = func(opCtx context.Context, _ string, p wg.Peer) error {
		if p.PublicKey == pubKey(1) {
			cancel()
			time.Sleep(5 * time.Millisecond)
			sawCancelled = opCtx.Err() != nil
		}
		return nil
	}
	r := newReconciler(t, backend)

	desired := &wg.Interface{Name: "wg0", Peers: []wg.Peer{
		{PublicKey: pubKey(1)}, {PublicKey: pubKey(2)}, {PublicKey: pubKey(3)},
	}}
	res, err := r.Reconcile(ctx, "wg0", desired)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want canceled", err)
	}
	if sawCancelled {
		t.Error("in-flight operation observed the caller's cancellation")
	}
	if res.Ops[0].Err != nil {
		t.Errorf("in-flight op failed: %v", res.Ops[0].Err)
	}
	if !res.Ops[1].Skipped || !res.Ops[2].Skipped {
		t.Errorf("later ops not skipped: %+v", res.Ops)
	}
	if got := len(backend.MutatingCalls()); got != 1 {
		t.Errorf("issued %d calls after cancel, want 1", got)
	}
}

func TestReconcile_WipesSnapshot(t *testing.T) {
	key, _ := wg.GeneratePrivateKey()
	psk, _ := wg.GeneratePresharedKey()
	backend := testutil.NewMockBackend()
	backend.GetInterfaceFn = func(context.Context, string) (*wg.Interface, error) {
		return &wg.Interface{
			Name:       "wg0",
			PrivateKey: key,
			PublicKey:  key.PublicKey(),
			Peers:      []wg.Peer{{PublicKey: pubKey(1), PresharedKey: wg.Set(psk)}},
		}, nil
	}
	backend.UpsertPeerFn = func(context.Context, string, wg.Peer) error { return syscall.EINVAL }
	r := newReconciler(t, backend)

	_, _ = r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(2)}}})
	if !key.IsZero() || !psk.IsZero() {
		t.Error("snapshot secrets survived the pass")
	}
}

func TestReconcile_ErrorsNeverCarrySecrets(t *testing.T) {
	desired := fullDesired(t)
	defer desired.Wipe()
	backend := testutil.NewMockBackend()
	backend.CreateInterfaceFn = func(context.Context, string, wg.InterfaceParams) error {
		return syscall.EINVAL
	}
	r := newReconciler(t, backend)

	secrets := []string{
		testPrivateHex,
		testPSKHex,
		string(desired.PrivateKey.AppendBase64(nil)),
		string(desired.Peers[0].PresharedKey.Value().AppendBase64(nil)),
	}
	_, err := r.Reconcile(context.Background(), "wg0", desired)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, s := range secrets {
		if strings.Contains(strings.ToLower(err.Error()), strings.ToLower(s)) {
			t.Fatalf("error leaks secret: %v", err)
		}
	}
	if !strings.Contains(err.Error(), "wg0") {
		t.Errorf("error %q does not name the interface", err)
	}
}

func TestReconcile_RejectsInvalidDesired(t *testing.T) {
	backend := testutil.NewMockBackend()
	r := newReconciler(t, backend)

	if _, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg1"}); !errors.Is(err, wg.InvalidArgument) {
		t.Errorf("name mismatch error = %v", err)
	}
	if _, err := r.Reconcile(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{}}}); !errors.Is(err, wg.InvalidKey) {
		t.Errorf("zero peer key error = %v", err)
	}
	if n := len(backend.Calls); n != 0 {
		t.Errorf("backend called %d times for invalid input", n)
	}
}

func TestReconcileAll_ConcurrentAndLeavesForeign(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Foreign = []string{"wg-other"}
	r := newReconciler(t, backend, wg.WithConcurrency(2))

	var desired []*wg.Interface
	for i := range 5 {
		desired = append(desired, &wg.Interface{
			Name:      fmt.Sprintf("wg%d", i),
			Addresses: wg.Set([]netip.Prefix{netip.MustParsePrefix(fmt.Sprintf("10.%d.0.1/24", i))}),
		})
	}
	results, err := r.ReconcileAll(context.Background(), desired)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	for i, res := range results {
		if res.Interface != desired[i].Name || !res.OK() {
			t.Errorf("result %d = %+v", i, res)
		}
	}
	if len(backend.Devices) != 5 {
		t.Errorf("devices = %d, want 5", len(backend.Devices))
	}
	for _, c := range backend.MutatingCalls() {
		if c.Args[0] == "wg-other" {
			t.Errorf("foreign interface touched: %s", c.Method)
		}
	}
}

func TestReconcileAll_AggregatesErrors(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.CreateInterfaceFn = func(_ context.Context, name string, _ wg.InterfaceParams) error {
		if name == "wg1" {
			return syscall.EEXIST
		}
		return nil
	}
	r := newReconciler(t, backend)

	results, err := r.ReconcileAll(context.Background(), []*wg.Interface{{Name: "wg0"}, {Name: "wg1"}})
	if !errors.Is(err, wg.AlreadyExists) {
		t.Fatalf("error = %v, want already exists", err)
	}
	if !results[0].OK() || results[1].OK() {
		t.Errorf("results = %+v", results)
	}
}

func TestPlan_DoesNotMutate(t *testing.T) {
	backend := testutil.NewMockBackend()
	r := newReconciler(t, backend)

	ops, err := r.Plan(context.Background(), "wg0", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: pubKey(1)}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Errorf("planned %v", ops)
	}
	if calls := backend.MutatingCalls(); len(calls) != 0 {
		t.Errorf("Plan mutated: %v", callSummary(calls))
	}
}

func TestExecute(t *testing.T) {
	backend := testutil.NewMockBackend()
	backend.Devices["wg0"] = &wg.Interface{Name: "wg0"}
	r := newReconciler(t, backend)
	ctx := context.Background()

	peer := &wg.Peer{PublicKey: pubKey(4), AllowedIPs: prefixes("10.0.0.4/32")}
	if err := r.Execute(ctx, wg.Op{Kind: wg.OpUpsertPeer, Interface: "wg0", Peer: peer, PublicKey: peer.PublicKey}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := backend.Devices["wg0"].Peer(pubKey(4)); !ok {
		t.Error("peer not added")
	}

	err := r.Execute(ctx, wg.Op{Kind: wg.OpRemovePeer, Interface: "wg0", PublicKey: pubKey(5)})
	var e *wg.Error
	if !errors.As(err, &e) || e.Kind != wg.NotFound || e.Peer != pubKey(5) {
		t.Errorf("remove missing peer error = %v", err)
	}

	if err := r.Execute(ctx, wg.Op{Kind: wg.OpDeleteInterface, Interface: "wg5"}); !wg.IsNotFound(err) {
		t.Errorf("delete missing interface error = %v, want NotFound", err)
	}

	snap, err := r.Snapshot(ctx, "wg0")
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Wipe()
	if len(snap.Peers) != 1 {
		t.Errorf("snapshot peers = %d", len(snap.Peers))
	}
	if _, err := r.Snapshot(ctx, "wg5"); !wg.IsNotFound(err) {
		t.Errorf("snapshot of missing interface = %v", err)
	}
}
