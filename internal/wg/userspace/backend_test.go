package userspace

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/itsChris/wgsync/internal/testutil"
	"github.com/itsChris/wgsync/internal/wg"
)

const (
	helperEnv     = "WGSYNC_HELPER_DAEMON"
	helperDirEnv  = "WGSYNC_HELPER_SOCKET_DIR"
	helperModeEnv = "WGSYNC_HELPER_MODE"
)

// TestHelperDaemon is not a real test. The backend tests run the test
// binary itself as the userspace implementation, and this function then
// plays a minimal UAPI server.
func TestHelperDaemon(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("only runs as a child process")
	}
	name := os.Args[len(os.Args)-1]

	switch os.Getenv(helperModeEnv) {
	case "exit":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
		os.Exit(0)
	}

	l, err := net.Listen("unix", filepath.Join(os.Getenv(helperDirEnv), name+".sock"))
	if err != nil {
		os.Exit(4)
	}
	dev := &fakeDevice{}
	for {
		conn, err := l.Accept()
		if err != nil {
			os.Exit(5)
		}
		go dev.serve(conn)
	}
}

type fakePeer struct {
	publicKey    string
	presharedKey string
	endpoint     string
	keepalive    string
	allowedIPs   []string
}

type fakeDevice struct {
	mu         sync.Mutex
	privateKey string
	listenPort string
	fwmark     string
	peers      []*fakePeer
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var req []string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\n")
			if line == "" {
				break
			}
			req = append(req, line)
		}
		if len(req) == 0 {
			return
		}
		if _, err := io.WriteString(conn, d.handle(req)); err != nil {
			return
		}
	}
}

func (d *fakeDevice) handle(req []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req[0] {
	case "get=1":
		return d.get()
	case "set=1":
		d.set(req[1:])
		return "errno=0\n\n"
	}
	return "errno=-22\n\n"
}

func (d *fakeDevice) get() string {
	var b strings.Builder
	if d.privateKey != "" {
		b.WriteString("private_key=" + d.privateKey + "\n")
	}
	if d.listenPort != "" {
		b.WriteString("listen_port=" + d.listenPort + "\n")
	}
	if d.fwmark != "" && d.fwmark != "0" {
		b.WriteString("fwmark=" + d.fwmark + "\n")
	}
	for _, p := range d.peers {
		b.WriteString("public_key=" + p.publicKey + "\n")
		if p.presharedKey != "" {
			b.WriteString("preshared_key=" + p.presharedKey + "\n")
		}
		if p.endpoint != "" {
			b.WriteString("endpoint=" + p.endpoint + "\n")
		}
		if p.keepalive != "" {
			b.WriteString("persistent_keepalive_interval=" + p.keepalive + "\n")
		}
		for _, a := range p.allowedIPs {
			b.WriteString("allowed_ip=" + a + "\n")
		}
		b.WriteString("rx_bytes=0\ntx_bytes=0\nprotocol_version=1\n")
	}
	b.WriteString("errno=0\n\n")
	return b.String()
}

func (d *fakeDevice) set(lines []string) {
	var peer *fakePeer
	for _, line := range lines {
		key, value, _ := strings.Cut(line, "=")
		switch key {
		case "private_key":
			d.privateKey = value
		case "listen_port":
			d.listenPort = value
		case "fwmark":
			d.fwmark = value
		case "replace_peers":
			d.peers = nil
		case "public_key":
			peer = nil
			for _, p := range d.peers {
				if p.publicKey == value {
					peer = p
				}
			}
			if peer == nil {
				peer = &fakePeer{publicKey: value}
				d.peers = append(d.peers, peer)
			}
		case "remove":
			d.peers = slices.DeleteFunc(d.peers, func(p *fakePeer) bool { return p == peer })
		case "preshared_key":
			peer.presharedKey = value
		case "endpoint":
			peer.endpoint = value
		case "persistent_keepalive_interval":
			peer.keepalive = value
		case "replace_allowed_ips":
			peer.allowedIPs = nil
		case "allowed_ip":
			peer.allowedIPs = append(peer.allowedIPs, value)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketDir returns a short directory; unix socket paths are limited to
// about 100 bytes, which t.TempDir can exceed.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wgs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func helperConfig(t *testing.T, mode string) Config {
	dir := socketDir(t)
	return Config{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperDaemon$", "--", "{name}"},
		Env: []string{
			helperEnv + "=1",
			helperDirEnv + "=" + dir,
			helperModeEnv + "=" + mode,
		},
		SocketDir:      dir,
		ReadyTimeout:   10 * time.Second,
		ConnectRetries: 3,
		BackoffBase:    5 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

// tunLinks returns links that already carry the TUN device the
// implementation would create, while reporting the name as free. TUN
// links are not of kind wireguard.
func tunLinks(names ...string) *testutil.MockLinkManager {
	links := testutil.NewMockLinkManager()
	for _, n := range names {
		links.Links[n] = &testutil.MockLink{MTU: wg.DefaultMTU}
	}
	links.LinkExistsFn = func(string) (bool, error) { return false, nil }
	links.WireGuardLinksFn = func() ([]string, error) { return nil, nil }
	return links
}

func newTestBackend(t *testing.T, cfg Config, links wg.LinkManager) *Backend {
	t.Helper()
	b, err := New(cfg, links, testLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, nil, testLogger()); err == nil {
		t.Error("expected error without link manager")
	}
	if _, err := New(Config{}, testutil.NewMockLinkManager(), nil); err == nil {
		t.Error("expected error without logger")
	}
}

func TestConfig_Defaults(t *testing.T) {
	got := Config{BackoffBase: time.Second, BackoffMax: time.Millisecond}.withDefaults()
	if got.Binary != "wireguard-go" || got.SocketDir != "/var/run/wireguard" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if diff := cmp.Diff([]string{"-f", "{name}"}, got.Args); diff != "" {
		t.Errorf("args (-want +got):\n%s", diff)
	}
	if got.BackoffMax <= got.BackoffBase {
		t.Errorf("backoff max %s not above base %s", got.BackoffMax, got.BackoffBase)
	}
}

func TestBackend_Lifecycle(t *testing.T) {
	ctx := testCtx(t)
	links := tunLinks("wg0")
	b := newTestBackend(t, helperConfig(t, ""), links)

	priv := mustSecret(t, privateHex)
	addrs := prefixes("10.8.0.1/24")
	err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{
		PrivateKey: priv,
		ListenPort: wg.Set[uint16](51820),
		MTU:        wg.Set(1380),
		Addresses:  wg.Set(addrs),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := b.process("wg0").current(); got != stateServing {
		t.Errorf("process state = %s, want serving", got)
	}
	if !links.Links["wg0"].Up {
		t.Error("link was not brought up")
	}

	dev, err := b.GetInterface(ctx, "wg0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !dev.PrivateKey.Equal(priv) || dev.PublicKey != priv.PublicKey() {
		t.Error("key mismatch after create")
	}
	if dev.ListenPort.Value() != 51820 || dev.MTU.Value() != 1380 {
		t.Errorf("listen port %d mtu %d", dev.ListenPort.Value(), dev.MTU.Value())
	}
	if !wg.SameAddresses(dev.Addresses.Value(), addrs) {
		t.Errorf("addresses = %v", dev.Addresses.Value())
	}
	dev.Wipe()

	peer := wg.Peer{
		PublicKey:           mustPub(t, peerAHex),
		PresharedKey:        wg.Set(mustSecret(t, pskHex)),
		Endpoint:            wg.Set(mustEndpoint(t, "192.0.2.1:51820")),
		PersistentKeepalive: wg.Set(25 * time.Second),
		AllowedIPs:          prefixes("10.8.0.2/32", "fd00::2/128"),
	}
	if err := b.UpsertPeer(ctx, "wg0", peer); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	peer.AllowedIPs = prefixes("10.8.0.3/32")
	if err := b.UpsertPeer(ctx, "wg0", peer); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	dev, err = b.GetInterface(ctx, "wg0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, ok := dev.Peer(peer.PublicKey)
	if !ok {
		t.Fatal("peer missing after upsert")
	}
	if !wg.SamePrefixes(got.AllowedIPs, peer.AllowedIPs) {
		t.Errorf("allowed ips were not replaced: %v", got.AllowedIPs)
	}
	if got.Keepalive() != 25*time.Second || got.Endpoint.Value().String() != "192.0.2.1:51820" {
		t.Errorf("peer fields keepalive=%s endpoint=%s", got.Keepalive(), got.Endpoint.Value())
	}
	if !got.PresharedKey.Value().Equal(mustSecret(t, pskHex)) {
		t.Error("preshared key mismatch")
	}
	dev.Wipe()

	names, err := b.ListInterfaces(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"wg0"}, names); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}

	if err := b.RemovePeer(ctx, "wg0", peer.PublicKey); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	err = b.RemovePeer(ctx, "wg0", peer.PublicKey)
	if !errors.Is(err, wg.NotFound) {
		t.Fatalf("second remove = %v, want NotFound", err)
	}
	var we *wg.Error
	if !errors.As(err, &we) || we.Peer != peer.PublicKey {
		t.Errorf("error does not name the peer: %v", err)
	}

	p := b.process("wg0")
	if err := b.DeleteInterface(ctx, "wg0"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if p.alive() || p.current() != stateTerminated {
		t.Errorf("process not reaped, state %s", p.current())
	}
	if _, err := os.Stat(b.socketPath("wg0")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket left behind: %v", err)
	}
	names, err = b.ListInterfaces(ctx)
	if err != nil || len(names) != 0 {
		t.Errorf("list after delete = %v, %v", names, err)
	}
}

func TestBackend_CreateAlreadyExists(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, ""), tunLinks("wg0"))

	if err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{})
	if !errors.Is(err, wg.AlreadyExists) {
		t.Fatalf("second create = %v, want AlreadyExists", err)
	}
}

func TestBackend_CreateTakenLinkName(t *testing.T) {
	ctx := testCtx(t)
	links := testutil.NewMockLinkManager()
	links.Links["eth0"] = &testutil.MockLink{}
	b := newTestBackend(t, helperConfig(t, ""), links)

	err := b.CreateInterface(ctx, "eth0", wg.InterfaceParams{})
	if !errors.Is(err, wg.AlreadyExists) {
		t.Fatalf("create = %v, want AlreadyExists", err)
	}
	if b.process("eth0") != nil {
		t.Error("a process was spawned for a taken name")
	}
}

func TestBackend_ProcessExitsBeforeReady(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, "exit"), tunLinks("wg0"))

	err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{})
	if !errors.Is(err, wg.BackendDown) {
		t.Fatalf("create = %v, want BackendDown", err)
	}
	if b.process("wg0") != nil {
		t.Error("failed process still tracked")
	}
}

func TestBackend_ReadyTimeout(t *testing.T) {
	ctx := testCtx(t)
	cfg := helperConfig(t, "hang")
	cfg.ReadyTimeout = 200 * time.Millisecond
	b := newTestBackend(t, cfg, tunLinks("wg0"))

	start := time.Now()
	err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{})
	if !errors.Is(err, wg.Timeout) {
		t.Fatalf("create = %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("create took %s", elapsed)
	}
	if b.process("wg0") != nil {
		t.Error("timed out process still tracked")
	}
}

func TestBackend_CrashAndRestart(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, ""), tunLinks("wg0"))

	err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{ListenPort: wg.Set[uint16](51820)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	old := b.process("wg0")
	if err := old.cmd.Process.Kill(); err != nil {
		t.Fatal(err)
	}
	<-old.done
	if got := old.current(); got != stateDown {
		t.Fatalf("state after crash = %s, want down", got)
	}

	_, err = b.GetInterface(ctx, "wg0")
	if !errors.Is(err, wg.BackendDown) {
		t.Fatalf("get after crash = %v, want BackendDown", err)
	}
	err = b.UpsertPeer(ctx, "wg0", wg.Peer{PublicKey: mustPub(t, peerAHex)})
	if !errors.Is(err, wg.BackendDown) {
		t.Fatalf("upsert after crash = %v, want BackendDown", err)
	}

	if err := b.Restart(ctx, "wg0"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	fresh := b.process("wg0")
	if fresh == old || !fresh.alive() {
		t.Fatal("restart did not spawn a new process")
	}

	dev, err := b.GetInterface(ctx, "wg0")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	defer dev.Wipe()
	if dev.ListenPort.Value() != 0 {
		t.Errorf("restarted device kept listen port %d", dev.ListenPort.Value())
	}

	if err := b.Restart(ctx, "wg0"); err != nil {
		t.Fatalf("restart of healthy device: %v", err)
	}
	if b.process("wg0") != fresh {
		t.Error("restart replaced a healthy process")
	}
}

func TestBackend_Close(t *testing.T) {
	ctx := testCtx(t)
	b, err := New(helperConfig(t, ""), tunLinks("wg0"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	p := b.process("wg0")

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.alive() {
		t.Error("process survived close")
	}
}

func TestBackend_CloseDetached(t *testing.T) {
	ctx := testCtx(t)
	cfg := helperConfig(t, "")
	cfg.Detach = true
	b, err := New(cfg, tunLinks("wg0"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	p := b.process("wg0")
	t.Cleanup(func() { p.stop(time.Second) })

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !p.alive() {
		t.Fatal("detached process was stopped")
	}

	// A fresh backend adopts the running device as unsupervised.
	b2 := newTestBackend(t, cfg, tunLinks("wg0"))
	names, err := b2.ListInterfaces(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"wg0"}, names); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}
	dev, err := b2.GetInterface(ctx, "wg0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	dev.Wipe()
}

func TestBackend_StaleSocket(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, ""), testutil.NewMockLinkManager())

	path := b.socketPath("wg9")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	l.SetUnlinkOnClose(false)
	_ = l.Close()

	names, err := b.ListInterfaces(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("stale socket listed: %v", names)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale socket not removed: %v", err)
	}
}

func TestBackend_UnknownDevice(t *testing.T) {
	ctx := testCtx(t)
	b := newTestBackend(t, helperConfig(t, ""), testutil.NewMockLinkManager())

	if _, err := b.GetInterface(ctx, "wg5"); !errors.Is(err, wg.NotFound) {
		t.Errorf("get = %v, want NotFound", err)
	}
	if err := b.DeleteInterface(ctx, "wg5"); !errors.Is(err, wg.NotFound) {
		t.Errorf("delete = %v, want NotFound", err)
	}
	err := b.SetInterfaceParams(ctx, "wg5", wg.InterfaceParams{MTU: wg.Set(1400)})
	if !errors.Is(err, wg.NotFound) {
		t.Errorf("set params = %v, want NotFound", err)
	}
}

func TestBackend_CanceledContext(t *testing.T) {
	b := newTestBackend(t, helperConfig(t, ""), tunLinks("wg0"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("create = %v, want context.Canceled", err)
	}
	if b.process("wg0") != nil {
		t.Error("process spawned for a canceled call")
	}
}

func TestBackend_ListMissingDir(t *testing.T) {
	b := newTestBackend(t, helperConfig(t, ""), testutil.NewMockLinkManager())
	if err := os.RemoveAll(b.cfg.SocketDir); err != nil {
		t.Fatal(err)
	}
	names, err := b.ListInterfaces(context.Background())
	if err != nil || names != nil {
		t.Fatalf("list = %v, %v", names, err)
	}
}

func TestBackend_ListIncludesKernelLinks(t *testing.T) {
	ctx := testCtx(t)
	links := tunLinks("wg0")
	links.WireGuardLinksFn = func() ([]string, error) { return []string{"wg7", "wg0"}, nil }
	b := newTestBackend(t, helperConfig(t, ""), links)

	names, err := b.ListInterfaces(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"wg0", "wg7"}, names); diff != "" {
		t.Errorf("list without sockets (-want +got):\n%s", diff)
	}

	if err := b.CreateInterface(ctx, "wg0", wg.InterfaceParams{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	names, err = b.ListInterfaces(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"wg0", "wg7"}, names); diff != "" {
		t.Errorf("list with socket (-want +got):\n%s", diff)
	}
}

func TestBackend_ListLinkErrors(t *testing.T) {
	ctx := testCtx(t)
	links := testutil.NewMockLinkManager()
	links.WireGuardLinksFn = func() ([]string, error) {
		return nil, wg.NewError(wg.Unsupported, "list links", "", errors.New("no rtnetlink"))
	}
	b := newTestBackend(t, helperConfig(t, ""), links)
	if names, err := b.ListInterfaces(ctx); err != nil || len(names) != 0 {
		t.Errorf("list without rtnetlink = %v, %v; want empty", names, err)
	}

	links.WireGuardLinksFn = func() ([]string, error) {
		return nil, wg.NewError(wg.PermissionDenied, "list links", "", errors.New("netlink refused"))
	}
	if _, err := b.ListInterfaces(ctx); !errors.Is(err, wg.PermissionDenied) {
		t.Errorf("list = %v, want permission denied", err)
	}
}
