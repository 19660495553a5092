// Package userspace drives WireGuard implementations that run as separate
// processes, such as wireguard-go, over their UAPI control sockets. Each
// interface gets a supervised child process.
package userspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/itsChris/wgsync/internal/wg"
)

var (
	_ wg.Backend   = (*Backend)(nil)
	_ wg.Restarter = (*Backend)(nil)
)

// Config controls process supervision and the control socket.
type Config struct {
	// Binary is the implementation to run, and Args its arguments. Every
	// "{name}" in Args becomes the interface name. The process must stay in
	// the foreground.
	Binary string
	Args   []string
	Env    []string

	// SocketDir holds the "<name>.sock" control sockets.
	SocketDir string

	ReadyTimeout   time.Duration
	ConnectRetries int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	StopTimeout    time.Duration

	// Detach leaves processes running on Close.
	Detach bool
}

// DefaultConfig returns the settings for wireguard-go.
func DefaultConfig() Config {
	return Config{
		Binary:         "wireguard-go",
		Args:           []string{"-f", "{name}"},
		SocketDir:      wg.DefaultSocketDir,
		ReadyTimeout:   5 * time.Second,
		ConnectRetries: 10,
		BackoffBase:    20 * time.Millisecond,
		BackoffMax:     500 * time.Millisecond,
		StopTimeout:    3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.Args == nil {
		c.Args = d.Args
	}
	if c.SocketDir == "" {
		c.SocketDir = d.SocketDir
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ConnectRetries < 0 {
		c.ConnectRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= c.BackoffBase {
		c.BackoffMax = 2 * c.BackoffBase
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Backend implements wg.Backend and wg.Restarter over UAPI sockets.
type Backend struct {
	cfg    Config
	links  wg.LinkManager
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*process
}

// New creates a userspace backend. links manages MTU and addresses of the
// TUN devices the processes create.
func New(cfg Config, links wg.LinkManager, logger *slog.Logger) (*Backend, error) {
	if links == nil {
		return nil, fmt.Errorf("new userspace backend: link manager is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new userspace backend: logger is required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return nil, fmt.Errorf("new userspace backend: create socket dir: %w", err)
	}
	return &Backend{
		cfg:    cfg,
		links:  links,
		logger: logger.With("component", "userspace_backend"),
		procs:  make(map[string]*process),
	}, nil
}

func (b *Backend) Name() string { return "userspace" }

func (b *Backend) process(name string) *process {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[name]
}

// Close stops every supervised process unless the backend is detached.
func (b *Backend) Close() error {
	b.mu.Lock()
	procs := b.procs
	b.procs = make(map[string]*process)
	b.mu.Unlock()

	if b.cfg.Detach {
		b.logger.Info("userspace_backend_detached", "processes", len(procs))
		return nil
	}
	var wait sync.WaitGroup
	for name, p := range procs {
		wait.Add(1)
		go func() {
			defer wait.Done()
			p.stop(b.cfg.StopTimeout)
			_ = os.Remove(b.socketPath(name))
		}()
	}
	wait.Wait()
	return nil
}

// ListInterfaces scans the socket directory and adds the links of kind
// wireguard, so devices of the kernel module are listed too. Sockets
// nobody listens on are removed and skipped.
func (b *Backend) ListInterfaces(ctx context.Context) ([]string, error) {
	sockets, err := b.socketDevices(ctx)
	if err != nil {
		return nil, err
	}
	links, err := b.links.WireGuardLinks()
	if err != nil && !linkUnavailable(err) {
		return nil, err
	}
	return wg.MergeNames(sockets, links), nil
}

func (b *Backend) socketDevices(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.cfg.SocketDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, wg.Wrap("list_interfaces", "", err)
	}

	var names []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".sock")
		if !ok || e.Type()&fs.ModeSocket == 0 {
			continue
		}
		conn, err := b.connect(ctx, "list_interfaces", name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, wg.Wrap("list_interfaces", "", ctx.Err())
			}
			continue
		}
		_ = conn.Close()
		names = append(names, name)
	}
	return names, nil
}

func (b *Backend) GetInterface(ctx context.Context, name string) (*wg.Interface, error) {
	const op = "get_interface"

	dev, err := b.get(ctx, op, name)
	if err != nil {
		return nil, err
	}

	// Link attributes are best effort: a device without a visible TUN link
	// simply reports them as unknown.
	if mtu, err := b.links.MTU(name); err == nil {
		dev.MTU = wg.Set(mtu)
	} else if !linkUnavailable(err) {
		dev.Wipe()
		return nil, err
	}
	if addrs, err := b.links.Addresses(name); err == nil {
		dev.Addresses = wg.Set(addrs)
	} else if !linkUnavailable(err) {
		dev.Wipe()
		return nil, err
	}
	return dev, nil
}

func linkUnavailable(err error) bool {
	return errors.Is(err, wg.NotFound) || errors.Is(err, wg.Unsupported)
}

func (b *Backend) CreateInterface(ctx context.Context, name string, params wg.InterfaceParams) error {
	const op = "create_interface"

	if err := ctx.Err(); err != nil {
		return wg.Wrap(op, name, err)
	}
	if err := b.ensureAbsent(ctx, op, name); err != nil {
		return err
	}

	p, err := spawn(name, b.cfg, b.logger)
	if err != nil {
		return wg.Wrap(op, name, err)
	}
	b.mu.Lock()
	b.procs[name] = p
	b.mu.Unlock()

	if err := b.start(ctx, op, name, p, params); err != nil {
		b.discard(name, p)
		return err
	}
	b.logger.Info("userspace_interface_created", "interface", name, "pid", p.cmd.Process.Pid)
	return nil
}

// ensureAbsent fails with AlreadyExists when a live device or a supervised
// process already owns name.
func (b *Backend) ensureAbsent(ctx context.Context, op, name string) error {
	if p := b.process(name); p != nil {
		if p.alive() {
			return wg.NewError(wg.AlreadyExists, op, name, nil)
		}
		b.discard(name, p)
	}
	if conn, err := b.connect(ctx, op, name); err == nil {
		_ = conn.Close()
		return wg.NewError(wg.AlreadyExists, op, name, nil)
	}
	exists, err := b.links.LinkExists(name)
	if err != nil && !linkUnavailable(err) {
		return err
	}
	if exists {
		return wg.NewError(wg.AlreadyExists, op, name, fmt.Errorf("a link with this name exists"))
	}
	return nil
}

// start waits for p to accept connections and applies params.
func (b *Backend) start(ctx context.Context, op, name string, p *process, params wg.InterfaceParams) error {
	if err := b.waitReady(ctx, op, name, p); err != nil {
		return err
	}

	if err := b.configure(ctx, op, name, params); err != nil {
		return err
	}
	if err := b.links.SetLinkUp(name); err != nil && !linkUnavailable(err) {
		return err
	}
	p.advance(stateServing)
	return nil
}

// discard stops p, removes its socket and forgets it.
func (b *Backend) discard(name string, p *process) {
	p.stop(b.cfg.StopTimeout)
	_ = os.Remove(b.socketPath(name))
	b.mu.Lock()
	if b.procs[name] == p {
		delete(b.procs, name)
	}
	b.mu.Unlock()
}

func (b *Backend) SetInterfaceParams(ctx context.Context, name string, params wg.InterfaceParams) error {
	const op = "set_interface_params"

	if !params.HasDeviceFields() {
		conn, err := b.connect(ctx, op, name)
		if err != nil {
			return err
		}
		_ = conn.Close()
	}
	return b.configure(ctx, op, name, params)
}

// configure sends the device fields over UAPI, then MTU and addresses
// over rtnetlink.
func (b *Backend) configure(ctx context.Context, op, name string, params wg.InterfaceParams) error {
	if params.HasDeviceFields() {
		if err := b.set(ctx, op, name, setRequest{params: params}); err != nil {
			return err
		}
	}
	if mtu, ok := params.TargetMTU(); ok {
		if err := b.links.SetMTU(name, mtu); err != nil {
			return err
		}
	}
	if params.Addresses.Specified() {
		if err := b.links.ReplaceAddresses(name, params.Addresses.Value()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteInterface terminates and reaps a supervised process. A device run
// by someone else is removed by deleting its link, which makes the
// implementation exit.
func (b *Backend) DeleteInterface(ctx context.Context, name string) error {
	const op = "delete_interface"

	if p := b.process(name); p != nil {
		b.discard(name, p)
		b.logger.Info("userspace_interface_deleted", "interface", name)
		return nil
	}

	conn, err := b.connect(ctx, op, name)
	if err != nil {
		return err
	}
	_ = conn.Close()

	if err := b.links.DeleteLink(name); err != nil {
		if errors.Is(err, wg.Unsupported) {
			return wg.NewError(wg.Unsupported, op, name, fmt.Errorf("interface is not supervised by this process"))
		}
		return err
	}
	_ = os.Remove(b.socketPath(name))
	b.logger.Info("userspace_interface_deleted", "interface", name, "supervised", false)
	return nil
}

func (b *Backend) UpsertPeer(ctx context.Context, iface string, peer wg.Peer) error {
	req := setRequest{peers: []peerChange{{peer: peer, replaceAllowedIPs: true}}}
	if err := b.set(ctx, "upsert_peer", iface, req); err != nil {
		return forPeer(err, peer.PublicKey)
	}
	return nil
}

func (b *Backend) RemovePeer(ctx context.Context, iface string, key wg.PublicKey) error {
	const op = "remove_peer"

	dev, err := b.get(ctx, op, iface)
	if err != nil {
		return forPeer(err, key)
	}
	_, found := dev.Peer(key)
	dev.Wipe()
	if !found {
		return wg.NewError(wg.NotFound, op, iface, fmt.Errorf("no such peer")).ForPeer(key)
	}

	req := setRequest{peers: []peerChange{{peer: wg.Peer{PublicKey: key}, remove: true}}}
	if err := b.set(ctx, op, iface, req); err != nil {
		return forPeer(err, key)
	}
	return nil
}

// Restart brings back a device whose process is down. The new process
// starts unconfigured; a reconcile pass that triggered the restart plans
// again from the empty device. A healthy supervised process is left alone.
func (b *Backend) Restart(ctx context.Context, name string) error {
	const op = "restart"

	if p := b.process(name); p != nil {
		if p.alive() {
			return nil
		}
		b.discard(name, p)
	}
	_ = os.Remove(b.socketPath(name))

	p, err := spawn(name, b.cfg, b.logger)
	if err != nil {
		return wg.Wrap(op, name, err)
	}
	b.mu.Lock()
	b.procs[name] = p
	b.mu.Unlock()

	if err := b.start(ctx, op, name, p, wg.InterfaceParams{}); err != nil {
		b.discard(name, p)
		return err
	}
	b.logger.Warn("userspace_interface_restarted", "interface", name, "pid", p.cmd.Process.Pid)
	return nil
}

func (b *Backend) get(ctx context.Context, op, name string) (*wg.Interface, error) {
	reply := wg.NewSecretBuffer(4096)
	defer reply.Wipe()

	if err := b.roundTrip(ctx, op, name, []byte("get=1\n\n"), reply); err != nil {
		return nil, err
	}
	dev, err := parseGet(reply.Bytes())
	if err != nil {
		return nil, b.replyError(op, name, err)
	}
	dev.Name = name
	return dev, nil
}

func (b *Backend) set(ctx context.Context, op, name string, req setRequest) error {
	request := wg.NewSecretBuffer(512)
	defer request.Wipe()
	encodeSet(request, req)

	reply := wg.NewSecretBuffer(64)
	defer reply.Wipe()

	if err := b.roundTrip(ctx, op, name, request.Bytes(), reply); err != nil {
		return err
	}
	if err := parseSetReply(reply.Bytes()); err != nil {
		return b.replyError(op, name, err)
	}
	return nil
}

func (b *Backend) replyError(op, name string, err error) error {
	if errors.Is(err, errProtocol) {
		return wg.NewError(wg.ProtocolError, op, name, err)
	}
	return wg.Wrap(op, name, err)
}

func forPeer(err error, key wg.PublicKey) error {
	var e *wg.Error
	if errors.As(err, &e) && e.Peer.IsZero() {
		return e.ForPeer(key)
	}
	return err
}

// SocketDir returns the control socket directory.
func (b *Backend) SocketDir() string { return filepath.Clean(b.cfg.SocketDir) }
