package wg

import (
	"context"
	"net/netip"
	"time"
)

// Backend is the uniform operation set implemented by every tunnel
// mechanism. Implementations map transport failures onto *Error kinds and
// honor the context deadline of each call.
type Backend interface {
	// Name identifies the backend in logs and metrics ("kernel", "userspace").
	Name() string

	// ListInterfaces returns every WireGuard device present, including
	// ones this process did not create.
	ListInterfaces(ctx context.Context) ([]string, error)

	// GetInterface returns a full snapshot or a NotFound error. The caller
	// owns the snapshot and must Wipe it.
	GetInterface(ctx context.Context, name string) (*Interface, error)

	// CreateInterface creates the device and applies params. It fails with
	// AlreadyExists if the name is taken.
	CreateInterface(ctx context.Context, name string, params InterfaceParams) error

	// SetInterfaceParams applies only the specified fields and leaves
	// peers untouched.
	SetInterfaceParams(ctx context.Context, name string, params InterfaceParams) error

	// DeleteInterface removes the device and all of its peers. A missing
	// device is reported as NotFound.
	DeleteInterface(ctx context.Context, name string) error

	// UpsertPeer creates or updates a peer. The peer's allowed IPs always
	// replace the existing set.
	UpsertPeer(ctx context.Context, iface string, peer Peer) error

	// RemovePeer removes a peer, or fails with NotFound.
	RemovePeer(ctx context.Context, iface string, key PublicKey) error

	// Close releases the backend's sockets and processes.
	Close() error
}

// Restarter is implemented by backends whose devices can die
// independently of the engine. Restart recreates a device that reported
// BackendDown; it must not touch a healthy device.
type Restarter interface {
	Restart(ctx context.Context, name string) error
}

// LinkManager abstracts the rtnetlink side of a device: existence,
// lifecycle, MTU and addresses. The real implementation wraps
// vishvananda/netlink.
type LinkManager interface {
	// CreateWireGuardLink creates a link of kind "wireguard".
	CreateWireGuardLink(name string) error

	// DeleteLink removes a link. A missing link yields NotFound.
	DeleteLink(name string) error

	// SetLinkUp brings a link up.
	SetLinkUp(name string) error

	// LinkExists reports whether any link has the given name.
	LinkExists(name string) (bool, error)

	// WireGuardLinks lists links of kind "wireguard".
	WireGuardLinks() ([]string, error)

	MTU(name string) (int, error)
	SetMTU(name string, mtu int) error

	// Addresses returns the prefixes bound to a link.
	Addresses(name string) ([]netip.Prefix, error)

	// ReplaceAddresses makes the bound prefixes equal to addrs.
	ReplaceAddresses(name string, addrs []netip.Prefix) error
}

// Recorder receives operational measurements. The zero implementation is
// NopRecorder.
type Recorder interface {
	ObserveOperation(backend, op string, kind Kind, ok bool, d time.Duration)
	ObservePass(iface string, outcome string, d time.Duration)
	ObserveSnapshot(backend string, iface *Interface)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveOperation(string, string, Kind, bool, time.Duration) {}
func (NopRecorder) ObservePass(string, string, time.Duration)                  {}
func (NopRecorder) ObserveSnapshot(string, *Interface)                         {}
