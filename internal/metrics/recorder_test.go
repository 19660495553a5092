package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/itsChris/wgsync/internal/wg"
)

func testPub(t *testing.T) wg.PublicKey {
	t.Helper()
	k, err := wg.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	defer k.Wipe()
	return k.PublicKey()
}

func TestObserveOperation(t *testing.T) {
	r := New()
	r.ObserveOperation("kernel", "upsert_peer", wg.Unknown, true, 2*time.Millisecond)
	r.ObserveOperation("kernel", "upsert_peer", wg.PermissionDenied, false, time.Millisecond)
	r.ObserveOperation("kernel", "upsert_peer", wg.PermissionDenied, false, time.Millisecond)

	if got := testutil.ToFloat64(r.operations.WithLabelValues("kernel", "upsert_peer", "ok", "ok")); got != 1 {
		t.Errorf("ok count = %v", got)
	}
	label := wg.PermissionDenied.Label()
	if got := testutil.ToFloat64(r.operations.WithLabelValues("kernel", "upsert_peer", label, "error")); got != 2 {
		t.Errorf("error count = %v", got)
	}
	if n := testutil.CollectAndCount(r.operationDuration); n != 1 {
		t.Errorf("duration series = %d", n)
	}
}

func TestObservePass(t *testing.T) {
	r := New()
	r.ObservePass("wg0", "ok", time.Second)
	r.ObservePass("wg0", "noop", time.Second)
	r.ObservePass("wg0", "noop", time.Second)

	if got := testutil.ToFloat64(r.passes.WithLabelValues("wg0", "noop")); got != 2 {
		t.Errorf("noop passes = %v", got)
	}
}

func TestObserveSnapshot(t *testing.T) {
	r := New()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }
	a, b := testPub(t), testPub(t)

	r.ObserveSnapshot("userspace", &wg.Interface{
		Name: "wg0",
		Peers: []wg.Peer{
			{PublicKey: a, ReceiveBytes: 100, TransmitBytes: 50, LastHandshake: now.Add(-time.Minute)},
			{PublicKey: b, LastHandshake: now.Add(-time.Hour)},
		},
	})

	if got := testutil.ToFloat64(r.peers.WithLabelValues("userspace", "wg0")); got != 2 {
		t.Errorf("peers = %v", got)
	}
	if got := testutil.ToFloat64(r.peersOnline.WithLabelValues("userspace", "wg0")); got != 1 {
		t.Errorf("online = %v", got)
	}
	if got := testutil.ToFloat64(r.peerReceive.WithLabelValues("wg0", a.String())); got != 100 {
		t.Errorf("rx = %v", got)
	}

	// b left the device.
	r.ObserveSnapshot("userspace", &wg.Interface{Name: "wg0", Peers: []wg.Peer{{PublicKey: a}}})
	if n := testutil.CollectAndCount(r.peerHandshake); n != 1 {
		t.Errorf("handshake series after removal = %d", n)
	}

	r.Forget("wg0")
	if n := testutil.CollectAndCount(r.peers); n != 0 {
		t.Errorf("peer gauge series after forget = %d", n)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.ObservePass("wg0", "ok", time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"wgsync_reconcile_passes_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition lacks %s", want)
		}
	}
}
