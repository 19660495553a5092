//go:build !linux

// Package kernel drives in-kernel WireGuard devices. Only Linux has one.
package kernel

import (
	"context"
	"log/slog"

	"github.com/itsChris/wgsync/internal/wg"
)

var _ wg.Backend = (*Backend)(nil)

// Backend is a placeholder on platforms without in-kernel WireGuard.
type Backend struct{}

// New always reports the kernel backend as unavailable.
func New(wg.LinkManager, string, *slog.Logger) (*Backend, bool, error) {
	return nil, false, nil
}

func unsupported(op, name string) error {
	return wg.NewError(wg.Unsupported, op, name, nil)
}

func (*Backend) Name() string { return "kernel" }
func (*Backend) Close() error { return nil }

func (*Backend) ListInterfaces(context.Context) ([]string, error) {
	return nil, unsupported("list_interfaces", "")
}

func (*Backend) GetInterface(_ context.Context, name string) (*wg.Interface, error) {
	return nil, unsupported("get_interface", name)
}

func (*Backend) CreateInterface(_ context.Context, name string, _ wg.InterfaceParams) error {
	return unsupported("create_interface", name)
}

func (*Backend) SetInterfaceParams(_ context.Context, name string, _ wg.InterfaceParams) error {
	return unsupported("set_interface_params", name)
}

func (*Backend) DeleteInterface(_ context.Context, name string) error {
	return unsupported("delete_interface", name)
}

func (*Backend) UpsertPeer(_ context.Context, iface string, _ wg.Peer) error {
	return unsupported("upsert_peer", iface)
}

func (*Backend) RemovePeer(_ context.Context, iface string, _ wg.PublicKey) error {
	return unsupported("remove_peer", iface)
}
