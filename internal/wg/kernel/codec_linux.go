//go:build linux

package kernel

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"time"
	"unsafe"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"

	"github.com/itsChris/wgsync/internal/wg"
)

// deviceConfig is one WG_CMD_SET_DEVICE request. Only the device fields of
// params are encoded; MTU and addresses travel over rtnetlink.
type deviceConfig struct {
	params       wg.InterfaceParams
	replacePeers bool
	peers        []peerConfig
}

// peerConfig is one entry of the WGDEVICE_A_PEERS array.
type peerConfig struct {
	peer              wg.Peer
	remove            bool
	replaceAllowedIPs bool
}

// encode builds the attribute payload for the device called name. The
// returned buffer may hold key material; callers clear it once sent.
func (cfg deviceConfig) encode(name string) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.String(unix.WGDEVICE_A_IFNAME, name)

	if cfg.params.PrivateKey != nil {
		ae.Bytes(unix.WGDEVICE_A_PRIVATE_KEY, cfg.params.PrivateKey.Bytes())
	}
	if cfg.params.ListenPort.Specified() {
		ae.Uint16(unix.WGDEVICE_A_LISTEN_PORT, cfg.params.ListenPort.Value())
	}
	if cfg.params.FirewallMark.Specified() {
		ae.Uint32(unix.WGDEVICE_A_FWMARK, cfg.params.FirewallMark.Value())
	}
	if cfg.replacePeers {
		ae.Uint32(unix.WGDEVICE_A_FLAGS, unix.WGDEVICE_F_REPLACE_PEERS)
	}

	if len(cfg.peers) > 0 {
		ae.Nested(unix.WGDEVICE_A_PEERS, func(nae *netlink.AttributeEncoder) error {
			// Netlink arrays use the attribute type as the index.
			for i, p := range cfg.peers {
				nae.Nested(uint16(i), p.encode)
			}
			return nil
		})
	}

	return ae.Encode()
}

func (p peerConfig) encode(ae *netlink.AttributeEncoder) error {
	ae.Bytes(unix.WGPEER_A_PUBLIC_KEY, p.peer.PublicKey[:])

	var flags uint32
	if p.remove {
		flags |= unix.WGPEER_F_REMOVE_ME
	}
	if p.replaceAllowedIPs {
		flags |= unix.WGPEER_F_REPLACE_ALLOWEDIPS
	}
	if flags != 0 {
		ae.Uint32(unix.WGPEER_A_FLAGS, flags)
	}
	if p.remove {
		return nil
	}

	if p.peer.PresharedKey.Specified() {
		// An all-zero key removes the preshared key.
		var zero [wg.KeyLen]byte
		psk := zero[:]
		if k := p.peer.PresharedKey.Value(); !k.IsZero() {
			psk = k.Bytes()
		}
		ae.Bytes(unix.WGPEER_A_PRESHARED_KEY, psk)
	}
	if ep, ok := p.peer.Endpoint.Get(); ok {
		ae.Do(unix.WGPEER_A_ENDPOINT, encodeSockaddr(ep))
	}
	if p.peer.PersistentKeepalive.Specified() {
		ae.Uint16(unix.WGPEER_A_PERSISTENT_KEEPALIVE_INTERVAL, uint16(p.peer.Keepalive()/time.Second))
	}
	if len(p.peer.AllowedIPs) > 0 {
		ae.Nested(unix.WGPEER_A_ALLOWEDIPS, encodeAllowedIPs(p.peer.AllowedIPs))
	}
	return nil
}

// encodeSockaddr returns raw sockaddr_in or sockaddr_in6 bytes for ep,
// carrying the IPv6 flow label and scope id.
func encodeSockaddr(ep wg.Endpoint) func() ([]byte, error) {
	return func() ([]byte, error) {
		addr := ep.Addr.Addr()
		if !addr.IsValid() {
			return nil, fmt.Errorf("invalid endpoint address %s", ep)
		}

		if addr.Is4() {
			sa := unix.RawSockaddrInet4{
				Family: unix.AF_INET,
				Port:   sockaddrPort(ep.Addr.Port()),
				Addr:   addr.As4(),
			}
			return (*(*[unix.SizeofSockaddrInet4]byte)(unsafe.Pointer(&sa)))[:], nil
		}

		scope, err := ep.ScopeID()
		if err != nil {
			return nil, err
		}
		sa := unix.RawSockaddrInet6{
			Family:   unix.AF_INET6,
			Port:     sockaddrPort(ep.Addr.Port()),
			Flowinfo: ep.FlowInfo,
			Addr:     addr.As16(),
			Scope_id: scope,
		}
		return (*(*[unix.SizeofSockaddrInet6]byte)(unsafe.Pointer(&sa)))[:], nil
	}
}

func encodeAllowedIPs(prefixes []netip.Prefix) func(ae *netlink.AttributeEncoder) error {
	return func(ae *netlink.AttributeEncoder) error {
		for i, p := range prefixes {
			if !p.IsValid() {
				return fmt.Errorf("invalid allowed ip %s", p)
			}
			addr := p.Addr().Unmap()
			family := uint16(unix.AF_INET6)
			if addr.Is4() {
				family = unix.AF_INET
			}
			bits := p.Bits()
			if p.Addr().Is4In6() && addr.Is4() {
				bits -= 96
			}

			ae.Nested(uint16(i), func(nae *netlink.AttributeEncoder) error {
				nae.Uint16(unix.WGALLOWEDIP_A_FAMILY, family)
				nae.Bytes(unix.WGALLOWEDIP_A_IPADDR, addr.AsSlice())
				nae.Uint8(unix.WGALLOWEDIP_A_CIDR_MASK, uint8(max(bits, 0)))
				return nil
			})
		}
		return nil
	}
}

// sockaddrPort converts between host and network byte order.
func sockaddrPort(port uint16) uint16 {
	return binary.BigEndian.Uint16(nlenc.Uint16Bytes(port))
}

// parseDevice decodes a dump reply. Large devices are split across several
// messages; peers repeated in later messages carry further allowed IPs.
// Every field of the result is Set.
func parseDevice(msgs []genetlink.Message) (*wg.Interface, error) {
	var (
		dev   *wg.Interface
		known = make(map[wg.PublicKey]int)
	)
	for _, m := range msgs {
		d, err := parseDeviceMessage(m)
		if err != nil {
			dev.Wipe()
			return nil, err
		}
		if dev == nil {
			dev = d
			for i := range dev.Peers {
				known[dev.Peers[i].PublicKey] = i
			}
			continue
		}
		for _, p := range d.Peers {
			if i, ok := known[p.PublicKey]; ok {
				dev.Peers[i].AllowedIPs = append(dev.Peers[i].AllowedIPs, p.AllowedIPs...)
				p.Wipe()
				continue
			}
			dev.Peers = append(dev.Peers, p)
			known[p.PublicKey] = len(dev.Peers) - 1
		}
		d.PrivateKey.Wipe()
	}
	if dev == nil {
		return nil, fmt.Errorf("empty device dump")
	}
	return dev, nil
}

func parseDeviceMessage(m genetlink.Message) (*wg.Interface, error) {
	ad, err := netlink.NewAttributeDecoder(m.Data)
	if err != nil {
		return nil, err
	}

	d := &wg.Interface{
		ListenPort:   wg.Set[uint16](0),
		FirewallMark: wg.Set[uint32](0),
	}
	for ad.Next() {
		switch ad.Type() {
		case unix.WGDEVICE_A_IFINDEX:
			// Not exposed; devices are addressed by name.
		case unix.WGDEVICE_A_IFNAME:
			d.Name = ad.String()
		case unix.WGDEVICE_A_PRIVATE_KEY:
			ad.Do(func(b []byte) error {
				k, err := wg.SecretKeyFromBytes(b)
				if err != nil {
					return err
				}
				if k.IsZero() {
					return nil
				}
				d.PrivateKey = k
				return nil
			})
		case unix.WGDEVICE_A_PUBLIC_KEY:
			ad.Do(func(b []byte) error {
				pub, err := wg.PublicKeyFromBytes(b)
				d.PublicKey = pub
				return err
			})
		case unix.WGDEVICE_A_LISTEN_PORT:
			d.ListenPort = wg.Set(ad.Uint16())
		case unix.WGDEVICE_A_FWMARK:
			d.FirewallMark = wg.Set(ad.Uint32())
		case unix.WGDEVICE_A_PEERS:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				d.Peers = make([]wg.Peer, 0, nad.Len())
				for nad.Next() {
					nad.Nested(func(pad *netlink.AttributeDecoder) error {
						p := newSnapshotPeer()
						decodePeer(pad, &p)
						d.Peers = append(d.Peers, p)
						return nil
					})
				}
				return nil
			})
		}
	}
	if err := ad.Err(); err != nil {
		d.Wipe()
		return nil, err
	}
	return d, nil
}

func newSnapshotPeer() wg.Peer {
	return wg.Peer{
		PresharedKey:        wg.Set[*wg.SecretKey](nil),
		PersistentKeepalive: wg.Set(time.Duration(0)),
	}
}

func decodePeer(ad *netlink.AttributeDecoder, p *wg.Peer) {
	for ad.Next() {
		switch ad.Type() {
		case unix.WGPEER_A_PUBLIC_KEY:
			ad.Do(func(b []byte) error {
				pub, err := wg.PublicKeyFromBytes(b)
				p.PublicKey = pub
				return err
			})
		case unix.WGPEER_A_PRESHARED_KEY:
			ad.Do(func(b []byte) error {
				k, err := wg.SecretKeyFromBytes(b)
				if err != nil {
					return err
				}
				if !k.IsZero() {
					p.PresharedKey = wg.Set(k)
				}
				return nil
			})
		case unix.WGPEER_A_ENDPOINT:
			ad.Do(func(b []byte) error {
				ep, err := parseSockaddr(b)
				if err != nil {
					return err
				}
				if ep.Addr.IsValid() {
					p.Endpoint = wg.Set(ep)
				}
				return nil
			})
		case unix.WGPEER_A_PERSISTENT_KEEPALIVE_INTERVAL:
			p.PersistentKeepalive = wg.Set(time.Duration(ad.Uint16()) * time.Second)
		case unix.WGPEER_A_LAST_HANDSHAKE_TIME:
			ad.Do(parseTimespec(&p.LastHandshake))
		case unix.WGPEER_A_RX_BYTES:
			p.ReceiveBytes = int64(ad.Uint64())
		case unix.WGPEER_A_TX_BYTES:
			p.TransmitBytes = int64(ad.Uint64())
		case unix.WGPEER_A_ALLOWEDIPS:
			ad.Nested(parseAllowedIPs(&p.AllowedIPs))
		case unix.WGPEER_A_PROTOCOL_VERSION:
			p.ProtocolVersion = int(ad.Uint32())
		}
	}
}

func parseAllowedIPs(prefixes *[]netip.Prefix) func(ad *netlink.AttributeDecoder) error {
	return func(ad *netlink.AttributeDecoder) error {
		*prefixes = make([]netip.Prefix, 0, ad.Len())
		for ad.Next() {
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				var (
					addr   netip.Addr
					mask   int
					family int
				)
				for nad.Next() {
					switch nad.Type() {
					case unix.WGALLOWEDIP_A_IPADDR:
						nad.Do(func(b []byte) error {
							a, ok := netip.AddrFromSlice(b)
							if !ok {
								return fmt.Errorf("unexpected IP address size: %d", len(b))
							}
							addr = a
							return nil
						})
					case unix.WGALLOWEDIP_A_CIDR_MASK:
						mask = int(nad.Uint8())
					case unix.WGALLOWEDIP_A_FAMILY:
						family = int(nad.Uint16())
					}
				}
				if err := nad.Err(); err != nil {
					return err
				}

				if family == unix.AF_INET {
					addr = addr.Unmap()
				}
				p, err := addr.Prefix(mask)
				if err != nil {
					return fmt.Errorf("allowed ip %s/%d: %w", addr, mask, err)
				}
				*prefixes = append(*prefixes, p)
				return nil
			})
		}
		return nil
	}
}

// parseSockaddr decodes raw sockaddr_in or sockaddr_in6 bytes. An
// AF_UNSPEC sockaddr yields the zero Endpoint.
func parseSockaddr(b []byte) (wg.Endpoint, error) {
	switch len(b) {
	case unix.SizeofSockaddrInet4:
		sa := *(*unix.RawSockaddrInet4)(unsafe.Pointer(&b[0]))
		if sa.Family != unix.AF_INET {
			return wg.Endpoint{}, nil
		}
		return wg.Endpoint{
			Addr: netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), sockaddrPort(sa.Port)),
		}, nil
	case unix.SizeofSockaddrInet6:
		sa := *(*unix.RawSockaddrInet6)(unsafe.Pointer(&b[0]))
		if sa.Family != unix.AF_INET6 {
			return wg.Endpoint{}, nil
		}
		addr := netip.AddrFrom16(sa.Addr)
		if sa.Scope_id != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(sa.Scope_id), 10))
		}
		return wg.Endpoint{
			Addr:     netip.AddrPortFrom(addr, sockaddrPort(sa.Port)),
			FlowInfo: sa.Flowinfo,
		}, nil
	default:
		return wg.Endpoint{}, fmt.Errorf("unexpected sockaddr size: %d", len(b))
	}
}

// timespec32 and timespec64 cover both layouts the kernel may send.
type timespec32 struct {
	Sec  int32
	Nsec int32
}

type timespec64 struct {
	Sec  int64
	Nsec int64
}

const (
	sizeofTimespec32 = int(unsafe.Sizeof(timespec32{}))
	sizeofTimespec64 = int(unsafe.Sizeof(timespec64{}))
)

func parseTimespec(t *time.Time) func(b []byte) error {
	return func(b []byte) error {
		var sec, nsec int64
		switch len(b) {
		case sizeofTimespec32:
			ts := *(*timespec32)(unsafe.Pointer(&b[0]))
			sec, nsec = int64(ts.Sec), int64(ts.Nsec)
		case sizeofTimespec64:
			ts := *(*timespec64)(unsafe.Pointer(&b[0]))
			sec, nsec = ts.Sec, ts.Nsec
		default:
			return fmt.Errorf("unexpected timespec size: %d bytes", len(b))
		}

		// A zero timestamp means no handshake yet; keep the zero time.Time.
		if sec > 0 || nsec > 0 {
			*t = time.Unix(sec, nsec)
		}
		return nil
	}
}
