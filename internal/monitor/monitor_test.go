package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/testutil"
	"github.com/itsChris/wgsync/internal/wg"
)

type mockStore struct {
	mu        sync.Mutex
	desired   []*wg.Interface
	peers     map[string][]db.PeerRecord
	snapshots []db.PeerSnapshot
	times     map[string]time.Time
	expired   []db.PeerRecord
	deleted   []wg.PublicKey
	cutoffs   []time.Time

	DesiredErr error
	DeleteErr  error
}

func newMockStore() *mockStore {
	return &mockStore{
		peers: make(map[string][]db.PeerRecord),
		times: make(map[string]time.Time),
	}
}

// DesiredInterfaces hands out copies; the poller wipes what it receives.
func (m *mockStore) DesiredInterfaces(ctx context.Context) ([]*wg.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DesiredErr != nil {
		return nil, m.DesiredErr
	}
	out := make([]*wg.Interface, len(m.desired))
	for i, d := range m.desired {
		out[i] = testutil.CloneInterface(d)
	}
	return out, nil
}

func (m *mockStore) ListPeers(ctx context.Context, iface string) ([]db.PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.PeerRecord(nil), m.peers[iface]...), nil
}

func (m *mockStore) InsertSnapshots(ctx context.Context, snaps []db.PeerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snaps...)
	return nil
}

func (m *mockStore) SetTime(ctx context.Context, key string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.times[key] = t
	return nil
}

func (m *mockStore) GetTime(ctx context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.times[key], nil
}

func (m *mockStore) CompactSnapshots(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return 3, nil
}

func (m *mockStore) ListExpiredPeers(ctx context.Context, now time.Time) ([]db.PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.PeerRecord
	for _, p := range m.expired {
		if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) DeletePeer(ctx context.Context, iface string, pub wg.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.deleted = append(m.deleted, pub)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPub(t *testing.T) wg.PublicKey {
	t.Helper()
	k, err := wg.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	defer k.Wipe()
	return k.PublicKey()
}

func testReconciler(t *testing.T, b wg.Backend) *wg.Reconciler {
	t.Helper()
	r, err := wg.NewReconciler(b, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return r
}
