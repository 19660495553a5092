package server

import (
	"net/netip"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/wg"
)

// interfaceView is the JSON shape of an interface. Secrets are never
// rendered; the private key is represented by the public key it derives.
type interfaceView struct {
	Name         string     `json:"name"`
	PublicKey    string     `json:"public_key,omitempty"`
	ListenPort   *uint16    `json:"listen_port,omitempty"`
	FirewallMark *uint32    `json:"fwmark,omitempty"`
	MTU          *int       `json:"mtu,omitempty"`
	Addresses    []string   `json:"addresses,omitempty"`
	Present      bool       `json:"present"`
	Managed      bool       `json:"managed"`
	Enabled      *bool      `json:"enabled,omitempty"`
	Peers        []peerView `json:"peers"`
}

type peerView struct {
	PublicKey           string     `json:"public_key"`
	HasPresharedKey     bool       `json:"has_preshared_key"`
	Endpoint            string     `json:"endpoint,omitempty"`
	PersistentKeepalive int        `json:"persistent_keepalive,omitempty"`
	AllowedIPs          []string   `json:"allowed_ips"`
	LastHandshake       *time.Time `json:"last_handshake,omitempty"`
	ReceiveBytes        int64      `json:"rx_bytes"`
	TransmitBytes       int64      `json:"tx_bytes"`
	Online              bool       `json:"online"`
	Description         string     `json:"description,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
}

func fieldPtr[T any](f wg.Field[T]) *T {
	if v, ok := f.Get(); ok {
		return &v
	}
	return nil
}

func prefixStrings(in []netip.Prefix) []string {
	out := make([]string, len(in))
	for i, p := range in {
		out[i] = p.String()
	}
	return out
}

// newInterfaceView renders iface, which is either a live snapshot
// (present) or a stored desired state. rec and peers add the stored
// bookkeeping when the interface is managed.
func newInterfaceView(iface *wg.Interface, present bool, rec *db.InterfaceRecord, peers []db.PeerRecord, now time.Time) interfaceView {
	v := interfaceView{
		Name:         iface.Name,
		ListenPort:   fieldPtr(iface.ListenPort),
		FirewallMark: fieldPtr(iface.FirewallMark),
		MTU:          fieldPtr(iface.MTU),
		Present:      present,
		Managed:      rec != nil,
		Peers:        make([]peerView, 0, len(iface.Peers)),
	}
	if !iface.PublicKey.IsZero() {
		v.PublicKey = iface.PublicKey.String()
	}
	if addrs, ok := iface.Addresses.Get(); ok {
		v.Addresses = prefixStrings(addrs)
	}
	if rec != nil {
		v.Enabled = &rec.Enabled
	}
	meta := make(map[wg.PublicKey]*db.PeerRecord, len(peers))
	for i := range peers {
		meta[peers[i].PublicKey] = &peers[i]
	}
	for i := range iface.Peers {
		v.Peers = append(v.Peers, newPeerView(&iface.Peers[i], meta[iface.Peers[i].PublicKey], now))
	}
	return v
}

func newPeerView(p *wg.Peer, rec *db.PeerRecord, now time.Time) peerView {
	v := peerView{
		PublicKey:           p.PublicKey.String(),
		HasPresharedKey:     !p.PresharedKey.Value().IsZero(),
		PersistentKeepalive: int(p.Keepalive() / time.Second),
		AllowedIPs:          prefixStrings(p.AllowedIPs),
		ReceiveBytes:        p.ReceiveBytes,
		TransmitBytes:       p.TransmitBytes,
		Online:              p.Online(now),
	}
	if ep, ok := p.Endpoint.Get(); ok {
		v.Endpoint = ep.String()
	}
	if !p.LastHandshake.IsZero() {
		t := p.LastHandshake
		v.LastHandshake = &t
	}
	if rec != nil {
		v.Description = rec.Description
		v.ExpiresAt = rec.ExpiresAt
	}
	return v
}

// resultView is the JSON shape of a reconcile pass.
type resultView struct {
	Interface string   `json:"interface"`
	Backend   string   `json:"backend,omitempty"`
	Converged bool     `json:"converged"`
	Applied   int      `json:"applied"`
	Ops       []opView `json:"ops"`
	Error     string   `json:"error,omitempty"`
	Hint      string   `json:"hint,omitempty"`
}

type opView struct {
	Kind       string `json:"kind"`
	Peer       string `json:"peer,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Retried    bool   `json:"retried,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func newOpView(op wg.Op) opView {
	v := opView{Kind: op.Kind.String(), Reason: op.Reason}
	if !op.PublicKey.IsZero() {
		v.Peer = op.PublicKey.String()
	}
	return v
}

func newResultView(res *wg.Result, err error) resultView {
	v := resultView{
		Interface: res.Interface,
		Backend:   res.Backend,
		Converged: err == nil && res.OK(),
		Applied:   res.Applied(),
		Ops:       make([]opView, 0, len(res.Ops)),
	}
	for _, o := range res.Ops {
		ov := newOpView(o.Op)
		ov.Skipped = o.Skipped
		ov.Retried = o.Retried
		ov.DurationMS = o.Duration.Milliseconds()
		if o.Err != nil {
			ov.Error = o.Err.Error()
		}
		v.Ops = append(v.Ops, ov)
	}
	if err != nil {
		v.Error = err.Error()
		v.Hint = wg.Hint(err)
	}
	return v
}

type snapshotView struct {
	Timestamp     time.Time  `json:"timestamp"`
	ReceiveBytes  int64      `json:"rx_bytes"`
	TransmitBytes int64      `json:"tx_bytes"`
	LastHandshake *time.Time `json:"last_handshake,omitempty"`
	Online        bool       `json:"online"`
}
