package wg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMTU is applied when an MTU field is explicitly cleared.
	DefaultMTU = 1420

	// MaxInterfaceNameLen is IFNAMSIZ minus the terminating NUL.
	MaxInterfaceNameLen = 15

	// MaxKeepalive is the largest keepalive interval the protocol can carry.
	MaxKeepalive = 65535 * time.Second

	// OnlineWindow is how recent a handshake must be for a peer to count
	// as online. An active session rekeys every two minutes.
	OnlineWindow = 3 * time.Minute
)

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldSet
	fieldCleared
)

// Field is a presence marker for optional configuration. The zero value
// means "not specified": the field is left alone on update and never
// triggers a change. Set and Clear are explicit instructions.
type Field[T any] struct {
	state fieldState
	v     T
}

// Set returns a Field holding v.
func Set[T any](v T) Field[T] { return Field[T]{state: fieldSet, v: v} }

// Clear returns a Field that explicitly resets the value.
func Clear[T any]() Field[T] { return Field[T]{state: fieldCleared} }

// Get returns the value and whether the field holds one.
func (f Field[T]) Get() (T, bool) { return f.v, f.state == fieldSet }

// Value returns the held value, or the zero value of T.
func (f Field[T]) Value() T { return f.v }

// IsSet reports whether the field holds a value.
func (f Field[T]) IsSet() bool { return f.state == fieldSet }

// IsCleared reports whether the field is an explicit reset.
func (f Field[T]) IsCleared() bool { return f.state == fieldCleared }

// Specified reports whether the field is either set or cleared.
func (f Field[T]) Specified() bool { return f.state != fieldUnset }

// IsZero lets encoding/json omit unspecified fields with omitzero.
func (f Field[T]) IsZero() bool { return f.state == fieldUnset }

func (f Field[T]) String() string {
	switch f.state {
	case fieldSet:
		return fmt.Sprint(f.v)
	case fieldCleared:
		return "(cleared)"
	default:
		return "(unset)"
	}
}

// MarshalJSON encodes a cleared field as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != fieldSet {
		return []byte("null"), nil
	}
	return json.Marshal(f.v)
}

// UnmarshalJSON maps an explicit null to Clear. A missing key never
// reaches here and stays unspecified.
func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Clear[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Set(v)
	return nil
}

// Endpoint is a peer's remote UDP address. FlowInfo is the IPv6 flow
// label word of sockaddr_in6; the scope id travels as the address zone.
type Endpoint struct {
	Addr     netip.AddrPort
	FlowInfo uint32
}

// ParseEndpoint parses "ip:port" or "[ipv6%zone]:port". Host names are
// resolved once, at parse time.
func ParseEndpoint(s string) (Endpoint, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return Endpoint{Addr: ap}, nil
	}
	ua, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return Endpoint{}, NewError(InvalidArgument, "parse endpoint", "", err)
	}
	ap := ua.AddrPort()
	if ap.Addr().Is4In6() {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return Endpoint{Addr: ap}, nil
}

func (e Endpoint) String() string { return e.Addr.String() }

func (e Endpoint) IsValid() bool { return e.Addr.IsValid() && e.Addr.Port() != 0 }

// ScopeID returns the numeric IPv6 scope id encoded in the address zone.
// Named zones are resolved through the interface table.
func (e Endpoint) ScopeID() (uint32, error) {
	zone := e.Addr.Addr().Zone()
	if zone == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n), nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, fmt.Errorf("resolve scope %q: %w", zone, err)
	}
	return uint32(ifi.Index), nil
}

func (e Endpoint) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *Endpoint) UnmarshalText(b []byte) error {
	ep, err := ParseEndpoint(string(b))
	if err != nil {
		return err
	}
	*e = ep
	return nil
}

// InterfaceParams are the interface-level fields accepted by
// CreateInterface and SetInterfaceParams. A nil PrivateKey leaves the key
// untouched.
type InterfaceParams struct {
	PrivateKey   *SecretKey
	ListenPort   Field[uint16]
	FirewallMark Field[uint32]
	MTU          Field[int]
	Addresses    Field[[]netip.Prefix]
}

// Empty reports whether applying p would change nothing.
func (p InterfaceParams) Empty() bool {
	_, mtu := p.TargetMTU()
	return p.PrivateKey == nil && !p.ListenPort.Specified() &&
		!p.FirewallMark.Specified() && !mtu && !p.Addresses.Specified()
}

// TargetMTU resolves the MTU field. An explicit 0 is treated as
// unspecified; a cleared MTU resolves to DefaultMTU.
func (p InterfaceParams) TargetMTU() (int, bool) {
	return targetMTU(p.MTU)
}

// HasDeviceFields reports whether p touches fields carried by the
// WireGuard configuration protocol itself, as opposed to link attributes.
func (p InterfaceParams) HasDeviceFields() bool {
	return p.PrivateKey != nil || p.ListenPort.Specified() || p.FirewallMark.Specified()
}

// Wipe zeroes the private key if present.
func (p *InterfaceParams) Wipe() {
	p.PrivateKey.Wipe()
}

func targetMTU(f Field[int]) (int, bool) {
	if f.IsCleared() {
		return DefaultMTU, true
	}
	if v, ok := f.Get(); ok && v > 0 {
		return v, true
	}
	return 0, false
}

// Interface is a tunnel device and its peers. In a desired state, fields
// left unspecified are not managed. In a snapshot returned by a backend,
// every field the backend knows about is Set and PublicKey is populated.
type Interface struct {
	Name         string
	PrivateKey   *SecretKey
	PublicKey    PublicKey
	ListenPort   Field[uint16]
	FirewallMark Field[uint32]
	MTU          Field[int]
	Addresses    Field[[]netip.Prefix]
	Peers        []Peer
}

// Params extracts the interface-level fields. The private key is shared,
// not copied.
func (i *Interface) Params() InterfaceParams {
	return InterfaceParams{
		PrivateKey:   i.PrivateKey,
		ListenPort:   i.ListenPort,
		FirewallMark: i.FirewallMark,
		MTU:          i.MTU,
		Addresses:    i.Addresses,
	}
}

// Peer looks up a peer by public key.
func (i *Interface) Peer(pub PublicKey) (*Peer, bool) {
	for n := range i.Peers {
		if i.Peers[n].PublicKey == pub {
			return &i.Peers[n], true
		}
	}
	return nil, false
}

// Wipe zeroes every secret owned by the interface and its peers.
func (i *Interface) Wipe() {
	if i == nil {
		return
	}
	i.PrivateKey.Wipe()
	for n := range i.Peers {
		i.Peers[n].Wipe()
	}
}

// Validate checks the invariants of a desired interface.
func (i *Interface) Validate() error {
	if err := ValidateName(i.Name); err != nil {
		return err
	}
	if v, ok := i.MTU.Get(); ok && (v < 0 || v > 65535) {
		return NewError(InvalidArgument, "validate", i.Name, fmt.Errorf("mtu %d out of range", v))
	}
	if addrs, ok := i.Addresses.Get(); ok {
		for _, a := range addrs {
			if !a.IsValid() {
				return NewError(InvalidArgument, "validate", i.Name, fmt.Errorf("invalid address %s", a))
			}
		}
	}
	seen := make(map[PublicKey]struct{}, len(i.Peers))
	for n := range i.Peers {
		p := &i.Peers[n]
		if p.PublicKey.IsZero() {
			return NewError(InvalidKey, "validate", i.Name, fmt.Errorf("peer %d has no public key", n))
		}
		if _, dup := seen[p.PublicKey]; dup {
			return NewError(InvalidArgument, "validate", i.Name, fmt.Errorf("duplicate peer")).ForPeer(p.PublicKey)
		}
		seen[p.PublicKey] = struct{}{}
		if err := p.Validate(); err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Interface = i.Name
			}
			return err
		}
	}
	return nil
}

// ValidateName checks a device name against the kernel's rules.
func ValidateName(name string) error {
	switch {
	case name == "":
		return NewError(InvalidArgument, "validate", name, fmt.Errorf("empty interface name"))
	case len(name) > MaxInterfaceNameLen:
		return NewError(InvalidArgument, "validate", name, fmt.Errorf("interface name longer than %d bytes", MaxInterfaceNameLen))
	case name == "." || name == "..":
		return NewError(InvalidArgument, "validate", name, fmt.Errorf("reserved interface name"))
	case strings.ContainsAny(name, "/: \t\n"):
		return NewError(InvalidArgument, "validate", name, fmt.Errorf("interface name contains invalid characters"))
	}
	return nil
}

// Peer is a remote party of an Interface, identified by its public key.
// The statistics fields are only populated in snapshots and are ignored
// when diffing.
type Peer struct {
	PublicKey           PublicKey
	PresharedKey        Field[*SecretKey]
	Endpoint            Field[Endpoint]
	PersistentKeepalive Field[time.Duration]
	AllowedIPs          []netip.Prefix

	LastHandshake   time.Time
	ReceiveBytes    int64
	TransmitBytes   int64
	ProtocolVersion int
}

// Validate checks the peer's own invariants.
func (p *Peer) Validate() error {
	if v, ok := p.PersistentKeepalive.Get(); ok && (v < 0 || v > MaxKeepalive || v%time.Second != 0) {
		return NewError(InvalidArgument, "validate", "", fmt.Errorf("keepalive %s must be whole seconds up to %s", v, MaxKeepalive)).ForPeer(p.PublicKey)
	}
	if ep, ok := p.Endpoint.Get(); ok && !ep.IsValid() {
		return NewError(InvalidArgument, "validate", "", fmt.Errorf("invalid endpoint %s", ep)).ForPeer(p.PublicKey)
	}
	for _, a := range p.AllowedIPs {
		if !a.IsValid() {
			return NewError(InvalidArgument, "validate", "", fmt.Errorf("invalid allowed ip %s", a)).ForPeer(p.PublicKey)
		}
	}
	return nil
}

// Keepalive resolves the keepalive field to the value the device would
// hold; cleared means disabled.
func (p *Peer) Keepalive() time.Duration {
	return p.PersistentKeepalive.Value()
}

// Online reports whether the peer completed a handshake within
// OnlineWindow before now.
func (p *Peer) Online(now time.Time) bool {
	return !p.LastHandshake.IsZero() && now.Sub(p.LastHandshake) < OnlineWindow
}

// Wipe zeroes the preshared key if present.
func (p *Peer) Wipe() {
	if psk, ok := p.PresharedKey.Get(); ok {
		psk.Wipe()
	}
}

// SamePrefixes reports whether a and b hold the same set of masked
// prefixes, ignoring order and duplicates.
func SamePrefixes(a, b []netip.Prefix) bool {
	as, bs := canonicalPrefixes(a), canonicalPrefixes(b)
	return slices.Equal(as, bs)
}

// SameAddresses is SamePrefixes without masking, for interface addresses
// where host bits are significant.
func SameAddresses(a, b []netip.Prefix) bool {
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.SortFunc(as, comparePrefix)
	slices.SortFunc(bs, comparePrefix)
	return slices.Equal(slices.Compact(as), slices.Compact(bs))
}

func canonicalPrefixes(in []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(in))
	for _, p := range in {
		out = append(out, p.Masked())
	}
	slices.SortFunc(out, comparePrefix)
	return slices.Compact(out)
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
