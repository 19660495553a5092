//go:build linux

// Package kernel drives in-kernel WireGuard devices over the "wireguard"
// generic netlink family. Link lifecycle, MTU and addresses go through a
// wg.LinkManager.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/itsChris/wgsync/internal/wg"
)

var _ wg.Backend = (*Backend)(nil)

// Backend implements wg.Backend for the kernel module.
type Backend struct {
	mu     sync.Mutex
	conn   *genetlink.Conn
	family genetlink.Family
	links  wg.LinkManager
	logger *slog.Logger

	// socketDir is scanned for devices of userspace implementations.
	socketDir string
}

// New dials generic netlink and resolves the WireGuard family. ok is false
// when the kernel module is not loaded; no error is returned in that case.
// An empty socketDir means wg.DefaultSocketDir.
func New(links wg.LinkManager, socketDir string, logger *slog.Logger) (*Backend, bool, error) {
	if links == nil {
		return nil, false, fmt.Errorf("new kernel backend: link manager is required")
	}
	if logger == nil {
		return nil, false, fmt.Errorf("new kernel backend: logger is required")
	}
	conn, err := genetlink.Dial(nil)
	if err != nil {
		return nil, false, wg.Wrap("dial genetlink", "", err)
	}
	return initBackend(conn, links, socketDir, logger)
}

func initBackend(conn *genetlink.Conn, links wg.LinkManager, socketDir string, logger *slog.Logger) (*Backend, bool, error) {
	family, err := conn.GetFamily(unix.WG_GENL_NAME)
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, wg.Wrap("get genetlink family", "", err)
	}
	if socketDir == "" {
		socketDir = wg.DefaultSocketDir
	}
	return &Backend{
		conn:      conn,
		family:    family,
		links:     links,
		logger:    logger.With("component", "kernel_backend"),
		socketDir: socketDir,
	}, true, nil
}

func (b *Backend) Name() string { return "kernel" }

// Close closes the netlink socket. Devices are left in place.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Close()
}

// ListInterfaces lists the links of kind wireguard and adds the devices
// of userspace implementations found in the socket directory.
func (b *Backend) ListInterfaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := b.links.WireGuardLinks()
	if err != nil {
		return nil, err
	}
	sockets, err := wg.SocketDevices(ctx, b.socketDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		b.logger.Warn("kernel_socket_scan_failed",
			"path", b.socketDir,
			"error", err,
			"operation", "list_interfaces",
		)
	}
	return wg.MergeNames(names, sockets), nil
}

func (b *Backend) GetInterface(ctx context.Context, name string) (*wg.Interface, error) {
	const op = "get_interface"

	dev, err := b.device(ctx, op, name)
	if err != nil {
		return nil, err
	}
	dev.Name = name

	mtu, err := b.links.MTU(name)
	if err != nil {
		dev.Wipe()
		return nil, err
	}
	addrs, err := b.links.Addresses(name)
	if err != nil {
		dev.Wipe()
		return nil, err
	}
	dev.MTU = wg.Set(mtu)
	dev.Addresses = wg.Set(addrs)
	return dev, nil
}

func (b *Backend) CreateInterface(ctx context.Context, name string, params wg.InterfaceParams) error {
	const op = "create_interface"

	if err := ctx.Err(); err != nil {
		return err
	}
	exists, err := b.links.LinkExists(name)
	if err != nil {
		return err
	}
	if exists {
		return wg.NewError(wg.AlreadyExists, op, name, nil)
	}
	if err := b.links.CreateWireGuardLink(name); err != nil {
		return err
	}

	if err := b.configure(ctx, op, name, params); err != nil {
		b.rollback(name, err)
		return err
	}
	if err := b.links.SetLinkUp(name); err != nil {
		b.rollback(name, err)
		return err
	}

	b.logger.Info("kernel_interface_created", "interface", name)
	return nil
}

func (b *Backend) SetInterfaceParams(ctx context.Context, name string, params wg.InterfaceParams) error {
	const op = "set_interface_params"

	if !params.HasDeviceFields() {
		// Nothing goes over genetlink, so existence has to be checked here.
		exists, err := b.links.LinkExists(name)
		if err != nil {
			return err
		}
		if !exists {
			return wg.NewError(wg.NotFound, op, name, nil)
		}
	}
	return b.configure(ctx, op, name, params)
}

func (b *Backend) DeleteInterface(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.links.DeleteLink(name); err != nil {
		return err
	}
	b.logger.Info("kernel_interface_deleted", "interface", name)
	return nil
}

func (b *Backend) UpsertPeer(ctx context.Context, iface string, peer wg.Peer) error {
	cfg := deviceConfig{peers: []peerConfig{{peer: peer, replaceAllowedIPs: true}}}
	if err := b.set(ctx, iface, cfg); err != nil {
		return peerError("upsert_peer", iface, peer.PublicKey, err)
	}
	return nil
}

func (b *Backend) RemovePeer(ctx context.Context, iface string, key wg.PublicKey) error {
	const op = "remove_peer"

	// WGPEER_F_REMOVE_ME silently ignores unknown peers.
	dev, err := b.device(ctx, op, iface)
	if err != nil {
		return err
	}
	_, found := dev.Peer(key)
	dev.Wipe()
	if !found {
		return wg.NewError(wg.NotFound, op, iface, fmt.Errorf("no such peer")).ForPeer(key)
	}

	cfg := deviceConfig{peers: []peerConfig{{peer: wg.Peer{PublicKey: key}, remove: true}}}
	if err := b.set(ctx, iface, cfg); err != nil {
		return peerError(op, iface, key, err)
	}
	return nil
}

// configure applies params: device fields over genetlink, then MTU and
// addresses over rtnetlink.
func (b *Backend) configure(ctx context.Context, op, name string, params wg.InterfaceParams) error {
	if params.HasDeviceFields() {
		if err := b.set(ctx, name, deviceConfig{params: params}); err != nil {
			return wg.Wrap(op, name, err)
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

func (b *Backend) rollback(name string, cause error) {
	if err := b.links.DeleteLink(name); err != nil {
		b.logger.Error("kernel_create_rollback_failed",
			"interface", name,
			"error", err,
			"cause", cause,
			"hint", wg.Hint(err),
		)
		return
	}
	b.logger.Warn("kernel_create_rolled_back", "interface", name, "cause", cause)
}

// device fetches the genetlink view of a device.
func (b *Backend) device(ctx context.Context, op, name string) (*wg.Interface, error) {
	ae := netlink.NewAttributeEncoder()
	ae.String(unix.WGDEVICE_A_IFNAME, name)
	data, err := ae.Encode()
	if err != nil {
		return nil, wg.NewError(wg.InvalidArgument, op, name, err)
	}

	msgs, err := b.execute(ctx, unix.WG_CMD_GET_DEVICE, netlink.Request|netlink.Dump, data)
	if err != nil {
		return nil, wg.Wrap(op, name, err)
	}
	dev, err := parseDevice(msgs)
	for _, m := range msgs {
		clear(m.Data)
	}
	if err != nil {
		return nil, wg.NewError(wg.ProtocolError, op, name, err)
	}
	return dev, nil
}

// set sends cfg, split into batches when large. Every encoded request is
// cleared after it is sent.
func (b *Backend) set(ctx context.Context, name string, cfg deviceConfig) error {
	for _, batch := range cfg.batches() {
		data, err := batch.encode(name)
		if err != nil {
			clear(data)
			return wg.NewError(wg.InvalidArgument, "encode device", name, err)
		}
		_, err = b.execute(ctx, unix.WG_CMD_SET_DEVICE, netlink.Request|netlink.Acknowledge, data)
		clear(data)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) execute(ctx context.Context, cmd uint8, flags netlink.HeaderFlags, data []byte) ([]genetlink.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Test sockets do not support deadlines; failure to set one only means
	// the call is bounded by the kernel instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetDeadline(deadline)
		defer func() { _ = b.conn.SetDeadline(time.Time{}) }()
	}

	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: unix.WG_GENL_VERSION,
		},
		Data: data,
	}
	return b.conn.Execute(msg, b.family.ID, flags)
}

func peerError(op, iface string, key wg.PublicKey, err error) error {
	var e *wg.Error
	if !errors.As(err, &e) {
		e = wg.NewError(wg.Classify(err), op, iface, err)
	}
	if e.Peer.IsZero() {
		return e.ForPeer(key)
	}
	return e
}
