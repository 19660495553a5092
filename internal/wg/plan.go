package wg

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
)

// OpKind names one backend operation.
type OpKind uint8

const (
	OpCreateInterface OpKind = iota + 1
	OpSetInterfaceParams
	OpDeleteInterface
	OpUpsertPeer
	OpRemovePeer
)

func (k OpKind) String() string {
	switch k {
	case OpCreateInterface:
		return "create_interface"
	case OpSetInterfaceParams:
		return "set_interface_params"
	case OpDeleteInterface:
		return "delete_interface"
	case OpUpsertPeer:
		return "upsert_peer"
	case OpRemovePeer:
		return "remove_peer"
	default:
		return fmt.Sprintf("op(%d)", k)
	}
}

// Op is a single planned backend call. Params and Peer reference the
// desired state the plan was computed from and share its secrets.
type Op struct {
	Kind      OpKind
	Interface string
	Params    InterfaceParams
	Peer      *Peer
	PublicKey PublicKey
	Reason    string
}

func (o Op) String() string {
	var b strings.Builder
	b.WriteString(o.Kind.String())
	b.WriteString(" ")
	b.WriteString(o.Interface)
	if !o.PublicKey.IsZero() {
		b.WriteString(" ")
		b.WriteString(o.PublicKey.String())
	}
	if o.Reason != "" {
		b.WriteString(" (")
		b.WriteString(o.Reason)
		b.WriteString(")")
	}
	return b.String()
}

// Diff computes the operations that turn actual into desired. A nil
// desired deletes the interface; a nil actual creates it. Operations are
// ordered: interface-level first, then peer upserts in desired order, then
// peer removals ordered by public key.
func Diff(desired, actual *Interface) []Op {
	switch {
	case desired == nil && actual == nil:
		return nil
	case desired == nil:
		return []Op{{Kind: OpDeleteInterface, Interface: actual.Name, Reason: "not desired"}}
	case actual == nil:
		return createOps(desired, "absent")
	}

	if keyRotated(desired, actual) {
		ops := []Op{{Kind: OpDeleteInterface, Interface: desired.Name, Reason: "private key rotation"}}
		return append(ops, createOps(desired, "private key rotation")...)
	}

	var ops []Op
	if params, reasons := diffParams(desired, actual); !params.Empty() {
		ops = append(ops, Op{
			Kind:      OpSetInterfaceParams,
			Interface: desired.Name,
			Params:    params,
			Reason:    strings.Join(reasons, ", "),
		})
	}

	for i := range desired.Peers {
		dp := &desired.Peers[i]
		ap, ok := actual.Peer(dp.PublicKey)
		reason := "new"
		if ok {
			reason = diffPeer(dp, ap)
			if reason == "" {
				continue
			}
		}
		ops = append(ops, Op{
			Kind:      OpUpsertPeer,
			Interface: desired.Name,
			Peer:      dp,
			PublicKey: dp.PublicKey,
			Reason:    reason,
		})
	}

	var stale []PublicKey
	for i := range actual.Peers {
		pub := actual.Peers[i].PublicKey
		if _, ok := desired.Peer(pub); !ok {
			stale = append(stale, pub)
		}
	}
	slices.SortFunc(stale, func(a, b PublicKey) int { return bytes.Compare(a[:], b[:]) })
	for _, pub := range stale {
		ops = append(ops, Op{Kind: OpRemovePeer, Interface: desired.Name, PublicKey: pub, Reason: "stale"})
	}
	return ops
}

func createOps(desired *Interface, reason string) []Op {
	ops := make([]Op, 0, 1+len(desired.Peers))
	ops = append(ops, Op{
		Kind:      OpCreateInterface,
		Interface: desired.Name,
		Params:    desired.Params(),
		Reason:    reason,
	})
	for i := range desired.Peers {
		p := &desired.Peers[i]
		ops = append(ops, Op{Kind: OpUpsertPeer, Interface: desired.Name, Peer: p, PublicKey: p.PublicKey, Reason: "new"})
	}
	return ops
}

// keyRotated reports whether the desired private key replaces a different
// key already on the device. A device without any key is not a rotation;
// the key is simply set.
func keyRotated(desired, actual *Interface) bool {
	if desired.PrivateKey == nil {
		return false
	}
	if actual.PrivateKey != nil && !actual.PrivateKey.IsZero() {
		return !desired.PrivateKey.Equal(actual.PrivateKey)
	}
	if !actual.PublicKey.IsZero() {
		return desired.PrivateKey.PublicKey() != actual.PublicKey
	}
	return false
}

func diffParams(desired, actual *Interface) (InterfaceParams, []string) {
	var (
		p       InterfaceParams
		reasons []string
	)

	if desired.PrivateKey != nil && actual.PrivateKey.IsZero() && actual.PublicKey.IsZero() {
		p.PrivateKey = desired.PrivateKey
		reasons = append(reasons, "private key")
	}

	// Port 0 asks for a random port, which any bound port satisfies.
	if v, ok := desired.ListenPort.Get(); ok && v != 0 && v != actual.ListenPort.Value() {
		p.ListenPort = Set(v)
		reasons = append(reasons, "listen port")
	}

	if desired.FirewallMark.Specified() && desired.FirewallMark.Value() != actual.FirewallMark.Value() {
		p.FirewallMark = Set(desired.FirewallMark.Value())
		reasons = append(reasons, "fwmark")
	}

	if v, ok := desired.Params().TargetMTU(); ok && v != actual.MTU.Value() {
		p.MTU = Set(v)
		reasons = append(reasons, "mtu")
	}

	if desired.Addresses.Specified() && !SameAddresses(desired.Addresses.Value(), actual.Addresses.Value()) {
		p.Addresses = Set(desired.Addresses.Value())
		reasons = append(reasons, "addresses")
	}

	return p, reasons
}

// diffPeer lists the fields that differ, or returns "" when the peer
// already matches. Unspecified fields never differ.
func diffPeer(desired, actual *Peer) string {
	var reasons []string
	if desired.PresharedKey.Specified() {
		want, have := desired.PresharedKey.Value(), actual.PresharedKey.Value()
		if want.IsZero() != have.IsZero() || (!want.IsZero() && !want.Equal(have)) {
			reasons = append(reasons, "preshared key")
		}
	}
	// An endpoint cannot be removed from a live peer, so only a set
	// endpoint is compared.
	if ep, ok := desired.Endpoint.Get(); ok && !sameEndpoint(ep, actual.Endpoint.Value()) {
		reasons = append(reasons, "endpoint")
	}
	if desired.PersistentKeepalive.Specified() && desired.Keepalive() != actual.Keepalive() {
		reasons = append(reasons, "keepalive")
	}
	if !SamePrefixes(desired.AllowedIPs, actual.AllowedIPs) {
		reasons = append(reasons, "allowed ips")
	}
	return strings.Join(reasons, ", ")
}

func sameEndpoint(a, b Endpoint) bool {
	if a.Addr.Port() != b.Addr.Port() || a.Addr.Addr().WithZone("") != b.Addr.Addr().WithZone("") {
		return false
	}
	sa, errA := a.ScopeID()
	sb, errB := b.ScopeID()
	return errA == nil && errB == nil && sa == sb
}
