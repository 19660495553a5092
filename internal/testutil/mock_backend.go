package testutil

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/itsChris/wgsync/internal/wg"
)

// MockCall records a method invocation with its arguments.
type MockCall struct {
	Method string
	Args   []any
}

// MockBackend implements wg.Backend for testing. It keeps devices in
// memory with the same semantics as a real backend and records every
// call. Hooks run before the in-memory state is touched; a hook error is
// returned without changing state.
type MockBackend struct {
	mu    sync.Mutex
	Calls []MockCall

	// Devices holds the live state. Secrets are owned by the mock.
	Devices map[string]*wg.Interface

	// Foreign names devices that ListInterfaces reports but that are not
	// managed through the mock.
	Foreign []string

	ListInterfacesFn     func(ctx context.Context) ([]string, error)
	GetInterfaceFn       func(ctx context.Context, name string) (*wg.Interface, error)
	CreateInterfaceFn    func(ctx context.Context, name string, params wg.InterfaceParams) error
	SetInterfaceParamsFn func(ctx context.Context, name string, params wg.InterfaceParams) error
	DeleteInterfaceFn    func(ctx context.Context, name string) error
	UpsertPeerFn         func(ctx context.Context, iface string, peer wg.Peer) error
	RemovePeerFn         func(ctx context.Context, iface string, key wg.PublicKey) error
	CloseFn              func() error
}

// NewMockBackend creates an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{Devices: make(map[string]*wg.Interface)}
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) record(method string, args ...any) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
	m.mu.Unlock()
}

func (m *MockBackend) ListInterfaces(ctx context.Context) ([]string, error) {
	m.record("ListInterfaces")
	if m.ListInterfacesFn != nil {
		return m.ListInterfacesFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	names := slices.Clone(m.Foreign)
	for name := range m.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockBackend) GetInterface(ctx context.Context, name string) (*wg.Interface, error) {
	m.record("GetInterface", name)
	if m.GetInterfaceFn != nil {
		return m.GetInterfaceFn(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.Devices[name]
	if !ok {
		return nil, wg.NewError(wg.NotFound, "get_interface", name, nil)
	}
	return CloneInterface(dev), nil
}

func (m *MockBackend) CreateInterface(ctx context.Context, name string, params wg.InterfaceParams) error {
	m.record("CreateInterface", name, params)
	if m.CreateInterfaceFn != nil {
		if err := m.CreateInterfaceFn(ctx, name, params); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Devices[name]; ok {
		return wg.NewError(wg.AlreadyExists, "create_interface", name, nil)
	}
	dev := &wg.Interface{
		Name:         name,
		ListenPort:   wg.Set[uint16](0),
		FirewallMark: wg.Set[uint32](0),
		MTU:          wg.Set(wg.DefaultMTU),
		Addresses:    wg.Set[[]netip.Prefix](nil),
	}
	applyParams(dev, params)
	if m.Devices == nil {
		m.Devices = make(map[string]*wg.Interface)
	}
	m.Devices[name] = dev
	return nil
}

func (m *MockBackend) SetInterfaceParams(ctx context.Context, name string, params wg.InterfaceParams) error {
	m.record("SetInterfaceParams", name, params)
	if m.SetInterfaceParamsFn != nil {
		if err := m.SetInterfaceParamsFn(ctx, name, params); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.Devices[name]
	if !ok {
		return wg.NewError(wg.NotFound, "set_interface_params", name, nil)
	}
	applyParams(dev, params)
	return nil
}

func (m *MockBackend) DeleteInterface(ctx context.Context, name string) error {
	m.record("DeleteInterface", name)
	if m.DeleteInterfaceFn != nil {
		if err := m.DeleteInterfaceFn(ctx, name); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.Devices[name]
	if !ok {
		return wg.NewError(wg.NotFound, "delete_interface", name, nil)
	}
	dev.Wipe()
	delete(m.Devices, name)
	return nil
}

func (m *MockBackend) UpsertPeer(ctx context.Context, iface string, peer wg.Peer) error {
	m.record("UpsertPeer", iface, peer.PublicKey)
	if m.UpsertPeerFn != nil {
		if err := m.UpsertPeerFn(ctx, iface, peer); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.Devices[iface]
	if !ok {
		return wg.NewError(wg.NotFound, "upsert_peer", iface, nil)
	}
	cur, ok := dev.Peer(peer.PublicKey)
	if !ok {
		dev.Peers = append(dev.Peers, wg.Peer{PublicKey: peer.PublicKey})
		cur = &dev.Peers[len(dev.Peers)-1]
	}
	if peer.PresharedKey.Specified() {
		cur.Wipe()
		if psk := peer.PresharedKey.Value(); !psk.IsZero() {
			cur.PresharedKey = wg.Set(psk.Clone())
		} else {
			cur.PresharedKey = wg.Field[*wg.SecretKey]{}
		}
	}
	if ep, ok := peer.Endpoint.Get(); ok {
		cur.Endpoint = wg.Set(ep)
	}
	if peer.PersistentKeepalive.Specified() {
		cur.PersistentKeepalive = wg.Set(peer.Keepalive())
	}
	cur.AllowedIPs = slices.Clone(peer.AllowedIPs)
	return nil
}

func (m *MockBackend) RemovePeer(ctx context.Context, iface string, key wg.PublicKey) error {
	m.record("RemovePeer", iface, key)
	if m.RemovePeerFn != nil {
		if err := m.RemovePeerFn(ctx, iface, key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.Devices[iface]
	if !ok {
		return wg.NewError(wg.NotFound, "remove_peer", iface, nil)
	}
	for i := range dev.Peers {
		if dev.Peers[i].PublicKey == key {
			dev.Peers[i].Wipe()
			dev.Peers = slices.Delete(dev.Peers, i, i+1)
			return nil
		}
	}
	return wg.NewError(wg.NotFound, "remove_peer", iface, fmt.Errorf("peer not found")).ForPeer(key)
}

func (m *MockBackend) Close() error {
	m.record("Close")
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

// CallMethods returns the method names of all recorded calls.
func (m *MockBackend) CallMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	methods := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		methods[i] = c.Method
	}
	return methods
}

// MutatingCalls returns the recorded calls that change device state.
func (m *MockBackend) MutatingCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockCall
	for _, c := range m.Calls {
		switch c.Method {
		case "CreateInterface", "SetInterfaceParams", "DeleteInterface", "UpsertPeer", "RemovePeer":
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (m *MockBackend) ResetCalls() {
	m.mu.Lock()
	m.Calls = nil
	m.mu.Unlock()
}

// RestartableBackend is a MockBackend that also implements wg.Restarter.
type RestartableBackend struct {
	*MockBackend
	RestartFn func(ctx context.Context, name string) error
}

func (r *RestartableBackend) Restart(ctx context.Context, name string) error {
	r.record("Restart", name)
	if r.RestartFn != nil {
		return r.RestartFn(ctx, name)
	}
	return nil
}

func applyParams(dev *wg.Interface, p wg.InterfaceParams) {
	if p.PrivateKey != nil {
		dev.PrivateKey.Wipe()
		dev.PrivateKey = p.PrivateKey.Clone()
		dev.PublicKey = dev.PrivateKey.PublicKey()
	}
	if p.ListenPort.Specified() {
		dev.ListenPort = wg.Set(p.ListenPort.Value())
	}
	if p.FirewallMark.Specified() {
		dev.FirewallMark = wg.Set(p.FirewallMark.Value())
	}
	if mtu, ok := p.TargetMTU(); ok {
		dev.MTU = wg.Set(mtu)
	}
	if p.Addresses.Specified() {
		dev.Addresses = wg.Set(slices.Clone(p.Addresses.Value()))
	}
}

// CloneInterface deep-copies iface, cloning every secret.
func CloneInterface(iface *wg.Interface) *wg.Interface {
	c := *iface
	c.PrivateKey = iface.PrivateKey.Clone()
	if addrs, ok := iface.Addresses.Get(); ok {
		c.Addresses = wg.Set(slices.Clone(addrs))
	}
	c.Peers = make([]wg.Peer, len(iface.Peers))
	for i, p := range iface.Peers {
		c.Peers[i] = p
		if psk, ok := p.PresharedKey.Get(); ok {
			c.Peers[i].PresharedKey = wg.Set(psk.Clone())
		}
		c.Peers[i].AllowedIPs = slices.Clone(p.AllowedIPs)
	}
	return &c
}
