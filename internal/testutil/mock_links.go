package testutil

import (
	"net/netip"
	"slices"
	"sort"
	"sync"

	"github.com/itsChris/wgsync/internal/wg"
)

// MockLink is the in-memory state of one link.
type MockLink struct {
	Up        bool
	MTU       int
	Addresses []netip.Prefix
}

// MockLinkManager implements wg.LinkManager for testing. Links live in
// memory; Fn hooks override individual methods.
type MockLinkManager struct {
	mu    sync.Mutex
	Calls []MockCall

	Links map[string]*MockLink

	CreateWireGuardLinkFn func(name string) error
	DeleteLinkFn          func(name string) error
	SetLinkUpFn           func(name string) error
	LinkExistsFn          func(name string) (bool, error)
	WireGuardLinksFn      func() ([]string, error)
	SetMTUFn              func(name string, mtu int) error
	ReplaceAddressesFn    func(name string, addrs []netip.Prefix) error
}

// NewMockLinkManager creates a MockLinkManager without links.
func NewMockLinkManager() *MockLinkManager {
	return &MockLinkManager{Links: make(map[string]*MockLink)}
}

func (m *MockLinkManager) record(method string, args ...any) {
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

func (m *MockLinkManager) get(op, name string) (*MockLink, error) {
	l, ok := m.Links[name]
	if !ok {
		return nil, wg.NewError(wg.NotFound, op, name, nil)
	}
	return l, nil
}

func (m *MockLinkManager) CreateWireGuardLink(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateWireGuardLink", name)
	if m.CreateWireGuardLinkFn != nil {
		if err := m.CreateWireGuardLinkFn(name); err != nil {
			return err
		}
	}
	if _, ok := m.Links[name]; ok {
		return wg.NewError(wg.AlreadyExists, "link add", name, nil)
	}
	if m.Links == nil {
		m.Links = make(map[string]*MockLink)
	}
	m.Links[name] = &MockLink{MTU: wg.DefaultMTU}
	return nil
}

func (m *MockLinkManager) DeleteLink(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteLink", name)
	if m.DeleteLinkFn != nil {
		if err := m.DeleteLinkFn(name); err != nil {
			return err
		}
	}
	if _, err := m.get("link del", name); err != nil {
		return err
	}
	delete(m.Links, name)
	return nil
}

func (m *MockLinkManager) SetLinkUp(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetLinkUp", name)
	if m.SetLinkUpFn != nil {
		if err := m.SetLinkUpFn(name); err != nil {
			return err
		}
	}
	l, err := m.get("link up", name)
	if err != nil {
		return err
	}
	l.Up = true
	return nil
}

func (m *MockLinkManager) LinkExists(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LinkExists", name)
	if m.LinkExistsFn != nil {
		return m.LinkExistsFn(name)
	}
	_, ok := m.Links[name]
	return ok, nil
}

func (m *MockLinkManager) WireGuardLinks() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WireGuardLinks")
	if m.WireGuardLinksFn != nil {
		return m.WireGuardLinksFn()
	}
	names := make([]string, 0, len(m.Links))
	for name := range m.Links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockLinkManager) MTU(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MTU", name)
	l, err := m.get("get link", name)
	if err != nil {
		return 0, err
	}
	return l.MTU, nil
}

func (m *MockLinkManager) SetMTU(name string, mtu int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetMTU", name, mtu)
	if m.SetMTUFn != nil {
		if err := m.SetMTUFn(name, mtu); err != nil {
			return err
		}
	}
	l, err := m.get("set mtu", name)
	if err != nil {
		return err
	}
	l.MTU = mtu
	return nil
}

func (m *MockLinkManager) Addresses(name string) ([]netip.Prefix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Addresses", name)
	l, err := m.get("list addresses", name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(l.Addresses), nil
}

func (m *MockLinkManager) ReplaceAddresses(name string, addrs []netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReplaceAddresses", name, addrs)
	if m.ReplaceAddressesFn != nil {
		if err := m.ReplaceAddressesFn(name, addrs); err != nil {
			return err
		}
	}
	l, err := m.get("add address", name)
	if err != nil {
		return err
	}
	l.Addresses = slices.Clone(addrs)
	return nil
}

// CallMethods returns the method names of all recorded calls.
func (m *MockLinkManager) CallMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	methods := make([]string, len(m.Calls))
	for i, c := range m.Calls {
		methods[i] = c.Method
	}
	return methods
}
