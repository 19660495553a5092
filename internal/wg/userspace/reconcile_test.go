package userspace

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/itsChris/wgsync/internal/wg"
)

// crashingBackend kills the daemon right before the nth UpsertPeer.
type crashingBackend struct {
	*Backend
	t       *testing.T
	crashAt int32
	upserts atomic.Int32
}

func (c *crashingBackend) UpsertPeer(ctx context.Context, iface string, peer wg.Peer) error {
	if c.upserts.Add(1) == c.crashAt {
		p := c.process(iface)
		if err := p.cmd.Process.Kill(); err != nil {
			c.t.Errorf("kill: %v", err)
		}
		<-p.done
	}
	return c.Backend.UpsertPeer(ctx, iface, peer)
}

func TestReconcile_CrashMidPassRestoresDevice(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, ""), tunLinks("wg0"))
	crashing := &crashingBackend{Backend: b, t: t, crashAt: 2}

	r, err := wg.NewReconciler(crashing, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	priv := mustSecret(t, privateHex)
	defer priv.Wipe()
	desired := &wg.Interface{
		Name:       "wg0",
		PrivateKey: priv,
		ListenPort: wg.Set[uint16](51820),
		Peers: []wg.Peer{
			{PublicKey: mustPub(t, peerAHex), AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.8.0.2/32")}},
			{PublicKey: mustPub(t, peerBHex), AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.8.0.3/32")}},
		},
	}

	res, err := r.Reconcile(ctx, "wg0", desired)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.OK() {
		t.Fatalf("result not ok: %+v", res.Failed())
	}
	var restarted bool
	for _, o := range res.Ops {
		restarted = restarted || (o.Retried && o.Restarted)
	}
	if !restarted {
		t.Fatal("no op went through a restart")
	}

	dev, err := b.GetInterface(ctx, "wg0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer dev.Wipe()
	if dev.PrivateKey == nil || !dev.PrivateKey.Equal(priv) {
		t.Error("private key lost across restart")
	}
	if got := dev.ListenPort.Value(); got != 51820 {
		t.Errorf("listen port = %d, want 51820", got)
	}
	if len(dev.Peers) != 2 {
		t.Errorf("peers = %d, want 2", len(dev.Peers))
	}

	// The restored device needs nothing more.
	ops, err := r.Plan(ctx, "wg0", desired)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("plan after pass = %v, want none", ops)
	}
}

func TestReconcile_CrashWithoutRestartFailsPass(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, ""), tunLinks("wg0"))
	crashing := &crashingBackend{Backend: b, t: t, crashAt: 2}

	r, err := wg.NewReconciler(crashing, testLogger(), wg.WithRestart(false))
	if err != nil {
		t.Fatal(err)
	}
	desired := &wg.Interface{
		Name:       "wg0",
		ListenPort: wg.Set[uint16](51820),
		Peers:      []wg.Peer{{PublicKey: mustPub(t, peerAHex)}, {PublicKey: mustPub(t, peerBHex)}},
	}
	res, err := r.Reconcile(ctx, "wg0", desired)
	if err == nil || res.OK() {
		t.Fatalf("pass ok = %v, err = %v, want failure", res.OK(), err)
	}
}
