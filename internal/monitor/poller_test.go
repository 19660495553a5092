package monitor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/testutil"
	"github.com/itsChris/wgsync/internal/wg"
)

func TestNewPoller_Validation(t *testing.T) {
	backend := testutil.NewMockBackend()
	r := testReconciler(t, backend)
	tests := []struct {
		name     string
		store    DesiredStore
		rec      Reconciler
		logger   *slog.Logger
		interval time.Duration
	}{
		{name: "nil store", rec: r, logger: testLogger(), interval: time.Second},
		{name: "nil reconciler", store: newMockStore(), logger: testLogger(), interval: time.Second},
		{name: "nil logger", store: newMockStore(), rec: r, interval: time.Second},
		{name: "zero interval", store: newMockStore(), rec: r, logger: testLogger()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPoller(tt.store, tt.rec, tt.logger, tt.interval); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestPoller_Poll_ConvergesAndSamples(t *testing.T) {
	pub := testPub(t)
	store := newMockStore()
	store.desired = []*wg.Interface{{
		Name:       "wg0",
		ListenPort: wg.Set[uint16](51820),
		Peers: []wg.Peer{{
			PublicKey:  pub,
			AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
		}},
	}}
	store.peers["wg0"] = []db.PeerRecord{{ID: 10, Interface: "wg0", Peer: wg.Peer{PublicKey: pub}}}

	backend := testutil.NewMockBackend()
	var logs bytes.Buffer
	poller, err := NewPoller(store, testReconciler(t, backend), slog.New(slog.NewJSONHandler(&logs, nil)), time.Minute)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	poller.now = func() time.Time { return now }

	poller.Poll(context.Background())

	dev, ok := backend.Devices["wg0"]
	if !ok {
		t.Fatal("poll did not create the desired interface")
	}
	if _, ok := dev.Peer(pub); !ok {
		t.Fatal("poll did not add the desired peer")
	}
	if len(store.snapshots) != 1 || store.snapshots[0].PeerID != 10 || store.snapshots[0].Online {
		t.Fatalf("snapshots after first poll = %+v", store.snapshots)
	}
	if got := store.times[db.SettingLastReconcile]; !got.Equal(now) {
		t.Errorf("last reconcile = %v", got)
	}
	status := poller.Status()
	if len(status.Interfaces) != 1 || status.Interfaces[0].Applied == 0 || status.Interfaces[0].Failed != 0 {
		t.Errorf("status = %+v", status)
	}

	// A fresh handshake flips the peer online.
	dev.Peers[0].LastHandshake = now.Add(-30 * time.Second)
	dev.Peers[0].ReceiveBytes = 1200
	dev.Peers[0].TransmitBytes = 800

	poller.Poll(context.Background())

	if len(store.snapshots) != 2 {
		t.Fatalf("got %d snapshots", len(store.snapshots))
	}
	last := store.snapshots[1]
	if !last.Online || last.RxBytes != 1200 || last.TxBytes != 800 {
		t.Errorf("second snapshot = %+v", last)
	}
	if !strings.Contains(logs.String(), `"msg":"peer_online"`) {
		t.Errorf("no peer_online event logged:\n%s", logs.String())
	}
	if n := poller.Status().Interfaces[0].Planned; n != 0 {
		t.Errorf("converged interface planned %d ops", n)
	}
}

func TestPoller_Poll_RecreatesRemovedInterface(t *testing.T) {
	store := newMockStore()
	store.desired = []*wg.Interface{{Name: "wg0"}}
	backend := testutil.NewMockBackend()
	poller, err := NewPoller(store, testReconciler(t, backend), testLogger(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	poller.Poll(context.Background())
	delete(backend.Devices, "wg0")
	backend.ResetCalls()
	poller.Poll(context.Background())

	if _, ok := backend.Devices["wg0"]; !ok {
		t.Fatal("interface removed behind our back was not recreated")
	}
}

func TestPoller_Poll_ReportsFailures(t *testing.T) {
	store := newMockStore()
	store.desired = []*wg.Interface{{Name: "wg0"}}
	backend := testutil.NewMockBackend()
	backend.CreateInterfaceFn = func(ctx context.Context, name string, params wg.InterfaceParams) error {
		return wg.NewError(wg.PermissionDenied, "create_interface", name, nil)
	}
	poller, err := NewPoller(store, testReconciler(t, backend), testLogger(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	poller.Poll(context.Background())

	s := poller.Status().Interfaces
	if len(s) != 1 || s[0].Failed != 1 || s[0].Error == "" || s[0].Hint == "" {
		t.Errorf("status = %+v", s)
	}
	if len(store.snapshots) != 0 {
		t.Errorf("sampled an interface that does not exist: %+v", store.snapshots)
	}
}

func TestPoller_Poll_StoreError(t *testing.T) {
	store := newMockStore()
	store.DesiredErr = errors.New("database is locked")
	backend := testutil.NewMockBackend()
	poller, err := NewPoller(store, testReconciler(t, backend), testLogger(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	poller.Poll(context.Background())

	if calls := backend.CallMethods(); len(calls) != 0 {
		t.Errorf("backend touched without desired state: %v", calls)
	}
	if _, ok := store.times[db.SettingLastReconcile]; ok {
		t.Error("last reconcile recorded for a failed poll")
	}
}

func TestPoller_Run_CancelsCleanly(t *testing.T) {
	store := newMockStore()
	poller, err := NewPoller(store, testReconciler(t, testutil.NewMockBackend()), testLogger(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
