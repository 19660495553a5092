// Package manifest reads desired-state documents. A document lists
// interfaces and their peers in YAML or JSON; a field that is absent is
// left unmanaged, a field named in the entry's "clear" list is reset to
// its default.
//
//	interfaces:
//	  - name: wg0
//	    private_key_file: /etc/wgsync/wg0.key
//	    listen_port: 51820
//	    addresses: [10.0.0.1/24]
//	    clear: [fwmark]
//	    peers:
//	      - public_key: xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=
//	        endpoint: 192.0.2.7:51820
//	        persistent_keepalive: 25
//	        allowed_ips: [10.0.0.2/32]
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/itsChris/wgsync/internal/wg"
)

// Document is a set of desired interfaces.
type Document struct {
	Interfaces []InterfaceSpec `koanf:"interfaces" json:"interfaces"`
}

// InterfaceSpec is one desired interface.
type InterfaceSpec struct {
	Name           string     `koanf:"name" json:"name"`
	PrivateKey     string     `koanf:"private_key" json:"private_key,omitempty"`
	PrivateKeyFile string     `koanf:"private_key_file" json:"private_key_file,omitempty"`
	ListenPort     *uint16    `koanf:"listen_port" json:"listen_port,omitempty"`
	FirewallMark   *uint32    `koanf:"fwmark" json:"fwmark,omitempty"`
	MTU            *int       `koanf:"mtu" json:"mtu,omitempty"`
	Addresses      *[]string  `koanf:"addresses" json:"addresses,omitempty"`
	Clear          []string   `koanf:"clear" json:"clear,omitempty"`
	Disabled       *bool      `koanf:"disabled" json:"disabled,omitempty"`
	Peers          []PeerSpec `koanf:"peers" json:"peers,omitempty"`
}

// PeerSpec is one desired peer. PersistentKeepalive is in seconds.
type PeerSpec struct {
	PublicKey           string   `koanf:"public_key" json:"public_key"`
	PresharedKey        string   `koanf:"preshared_key" json:"preshared_key,omitempty"`
	PresharedKeyFile    string   `koanf:"preshared_key_file" json:"preshared_key_file,omitempty"`
	Endpoint            string   `koanf:"endpoint" json:"endpoint,omitempty"`
	PersistentKeepalive *uint16  `koanf:"persistent_keepalive" json:"persistent_keepalive,omitempty"`
	AllowedIPs          []string `koanf:"allowed_ips" json:"allowed_ips,omitempty"`
	Clear               []string `koanf:"clear" json:"clear,omitempty"`
	Description         string   `koanf:"description" json:"description,omitempty"`
	ExpiresAt           string   `koanf:"expires_at" json:"expires_at,omitempty"`
}

// PeerMeta is the bookkeeping a document carries for a peer beyond its
// device configuration.
type PeerMeta struct {
	Description string
	ExpiresAt   *time.Time
}

// Load reads a document from a YAML or JSON file.
func Load(path string) (*Document, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}
	doc, err := unmarshal(k)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}
	return doc, nil
}

// Parse reads a document from YAML or JSON bytes. A bare interface
// object, without the "interfaces" list, is accepted as a document of
// one.
func Parse(data []byte) (*Document, error) {
	k := koanf.New(".")
	if err := k.Load(rawBytes(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	doc, err := unmarshal(k)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return doc, nil
}

// ParseInterface reads a single interface object. The name may be
// omitted when the caller supplies it.
func ParseInterface(data []byte) (*InterfaceSpec, error) {
	var spec InterfaceSpec
	if err := parseInto(data, &spec); err != nil {
		return nil, fmt.Errorf("parse interface: %w", err)
	}
	return &spec, nil
}

// ParsePeer reads a single peer object.
func ParsePeer(data []byte) (*PeerSpec, error) {
	var spec PeerSpec
	if err := parseInto(data, &spec); err != nil {
		return nil, fmt.Errorf("parse peer: %w", err)
	}
	return &spec, nil
}

func parseInto(data []byte, out any) error {
	k := koanf.New(".")
	if err := k.Load(rawBytes(data), yaml.Parser()); err != nil {
		return err
	}
	return k.Unmarshal("", out)
}

func unmarshal(k *koanf.Koanf) (*Document, error) {
	var doc Document
	if !k.Exists("interfaces") && k.Exists("name") {
		var spec InterfaceSpec
		if err := k.Unmarshal("", &spec); err != nil {
			return nil, err
		}
		doc.Interfaces = []InterfaceSpec{spec}
		return &doc, nil
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// rawBytes adapts a byte slice to koanf.Provider.
type rawBytes []byte

func (b rawBytes) ReadBytes() ([]byte, error) { return b, nil }

func (b rawBytes) Read() (map[string]any, error) {
	return nil, errors.New("raw bytes provider does not support Read")
}

// Desired converts every interface of the document. Names must be unique.
// The caller owns the secrets of the result.
func (d *Document) Desired() ([]*wg.Interface, [][]PeerMeta, error) {
	var (
		out   []*wg.Interface
		metas [][]PeerMeta
	)
	seen := make(map[string]bool, len(d.Interfaces))
	for n := range d.Interfaces {
		spec := &d.Interfaces[n]
		if seen[spec.Name] {
			wipeAll(out)
			return nil, nil, wg.NewError(wg.InvalidArgument, "manifest", spec.Name, fmt.Errorf("interface listed twice"))
		}
		seen[spec.Name] = true
		iface, meta, err := spec.Build()
		if err != nil {
			wipeAll(out)
			return nil, nil, err
		}
		out = append(out, iface)
		metas = append(metas, meta)
	}
	return out, metas, nil
}

func wipeAll(ifaces []*wg.Interface) {
	for _, i := range ifaces {
		i.Wipe()
	}
}

var (
	interfaceClearable = []string{"listen_port", "fwmark", "mtu", "addresses"}
	peerClearable      = []string{"preshared_key", "endpoint", "persistent_keepalive"}
)

// Build converts s into a validated desired interface. meta[i]
// belongs to the interface's Peers[i].
func (s *InterfaceSpec) Build() (_ *wg.Interface, meta []PeerMeta, err error) {
	fail := func(format string, args ...any) error {
		return wg.NewError(wg.InvalidArgument, "manifest", s.Name, fmt.Errorf(format, args...))
	}
	cleared, err := clearSet(s.Clear, interfaceClearable)
	if err != nil {
		return nil, nil, fail("%w", err)
	}

	iface := &wg.Interface{Name: s.Name}
	defer func() {
		if err != nil {
			iface.Wipe()
		}
	}()

	if iface.PrivateKey, err = readSecret(s.PrivateKey, s.PrivateKeyFile, wg.ParsePrivateKey); err != nil {
		return nil, nil, wg.NewError(wg.InvalidKey, "manifest", s.Name, fmt.Errorf("private key: %w", err))
	}
	if iface.PrivateKey != nil {
		iface.PublicKey = iface.PrivateKey.PublicKey()
	}

	if iface.ListenPort, err = tristate(s.ListenPort, cleared["listen_port"], "listen_port"); err != nil {
		return nil, nil, fail("%w", err)
	}
	if iface.FirewallMark, err = tristate(s.FirewallMark, cleared["fwmark"], "fwmark"); err != nil {
		return nil, nil, fail("%w", err)
	}
	if iface.MTU, err = tristate(s.MTU, cleared["mtu"], "mtu"); err != nil {
		return nil, nil, fail("%w", err)
	}
	switch {
	case cleared["addresses"] && s.Addresses != nil:
		return nil, nil, fail("addresses is both set and cleared")
	case cleared["addresses"]:
		iface.Addresses = wg.Clear[[]netip.Prefix]()
	case s.Addresses != nil:
		addrs, err := parsePrefixes(*s.Addresses, false)
		if err != nil {
			return nil, nil, fail("addresses: %w", err)
		}
		iface.Addresses = wg.Set(addrs)
	}

	for n := range s.Peers {
		p, m, err := s.Peers[n].Build()
		if err != nil {
			var e *wg.Error
			if errors.As(err, &e) {
				e.Interface = s.Name
			}
			return nil, nil, err
		}
		iface.Peers = append(iface.Peers, p)
		meta = append(meta, m)
	}

	if err := iface.Validate(); err != nil {
		return nil, nil, err
	}
	return iface, meta, nil
}

// Build converts s into a desired peer.
func (s *PeerSpec) Build() (p wg.Peer, meta PeerMeta, err error) {
	if p.PublicKey, err = wg.ParsePublicKey(s.PublicKey); err != nil {
		return p, meta, err
	}
	fail := func(format string, args ...any) error {
		return wg.NewError(wg.InvalidArgument, "manifest", "", fmt.Errorf(format, args...)).ForPeer(p.PublicKey)
	}
	cleared, err := clearSet(s.Clear, peerClearable)
	if err != nil {
		return p, meta, fail("%w", err)
	}

	psk, err := readSecret(s.PresharedKey, s.PresharedKeyFile, wg.ParsePresharedKey)
	switch {
	case err != nil:
		return p, meta, wg.NewError(wg.InvalidKey, "manifest", "", fmt.Errorf("preshared key: %w", err)).ForPeer(p.PublicKey)
	case psk != nil && cleared["preshared_key"]:
		psk.Wipe()
		return p, meta, fail("preshared_key is both set and cleared")
	case psk != nil:
		p.PresharedKey = wg.Set(psk)
	case cleared["preshared_key"]:
		p.PresharedKey = wg.Clear[*wg.SecretKey]()
	}
	defer func() {
		if err != nil {
			p.Wipe()
		}
	}()

	switch {
	case s.Endpoint != "" && cleared["endpoint"]:
		return p, meta, fail("endpoint is both set and cleared")
	case s.Endpoint != "":
		ep, err := wg.ParseEndpoint(s.Endpoint)
		if err != nil {
			return p, meta, fail("endpoint: %w", err)
		}
		p.Endpoint = wg.Set(ep)
	case cleared["endpoint"]:
		p.Endpoint = wg.Clear[wg.Endpoint]()
	}

	ka, err := tristate(s.PersistentKeepalive, cleared["persistent_keepalive"], "persistent_keepalive")
	if err != nil {
		return p, meta, fail("%w", err)
	}
	if v, ok := ka.Get(); ok {
		p.PersistentKeepalive = wg.Set(time.Duration(v) * time.Second)
	} else if ka.IsCleared() {
		p.PersistentKeepalive = wg.Clear[time.Duration]()
	}

	if p.AllowedIPs, err = parsePrefixes(s.AllowedIPs, true); err != nil {
		return p, meta, fail("allowed_ips: %w", err)
	}

	meta.Description = s.Description
	if s.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, s.ExpiresAt)
		if err != nil {
			return p, meta, fail("expires_at: %w", err)
		}
		meta.ExpiresAt = &t
	}
	return p, meta, nil
}

func clearSet(names, allowed []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		if !slices.Contains(allowed, n) {
			return nil, fmt.Errorf("cannot clear %q; clearable fields are %v", n, allowed)
		}
		out[n] = true
	}
	return out, nil
}

func tristate[T any](v *T, cleared bool, name string) (wg.Field[T], error) {
	switch {
	case v != nil && cleared:
		return wg.Field[T]{}, fmt.Errorf("%s is both set and cleared", name)
	case v != nil:
		return wg.Set(*v), nil
	case cleared:
		return wg.Clear[T](), nil
	}
	return wg.Field[T]{}, nil
}

// parsePrefixes parses CIDR strings. Allowed IPs are masked; interface
// addresses keep their host bits.
func parsePrefixes(in []string, mask bool) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(in))
	for _, s := range in {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		if mask {
			p = p.Masked()
		}
		out = append(out, p)
	}
	return out, nil
}

// readSecret parses an inline key or the contents of a key file. Giving
// both is an error; giving neither returns nil.
func readSecret(inline, path string, parse func(string) (*wg.SecretKey, error)) (*wg.SecretKey, error) {
	switch {
	case inline != "" && path != "":
		return nil, errors.New("both an inline key and a key file are given")
	case inline != "":
		return parse(inline)
	case path == "":
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer clear(raw)
	return parse(string(bytes.TrimSpace(raw)))
}
