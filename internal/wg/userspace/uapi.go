package userspace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/itsChris/wgsync/internal/wg"
)

// maxFrame bounds a single UAPI reply. A device with tens of thousands of
// allowed IPs stays well below it.
const maxFrame = 16 << 20

var frameEnd = []byte("\n\n")

// setRequest is one "set=1" operation.
type setRequest struct {
	params       wg.InterfaceParams
	replacePeers bool
	peers        []peerChange
}

type peerChange struct {
	peer              wg.Peer
	remove            bool
	replaceAllowedIPs bool
}

// encodeSet writes req as a complete frame, including the terminating
// empty line, into buf.
func encodeSet(buf *wg.SecretBuffer, req setRequest) {
	buf.WriteString("set=1\n")
	if k := req.params.PrivateKey; k != nil {
		buf.WriteString("private_key=")
		buf.AppendSecretHex(k)
		buf.WriteString("\n")
	}
	if v, ok := fieldValue(req.params.FirewallMark); ok {
		fmt.Fprintf(buf, "fwmark=%d\n", v)
	}
	if v, ok := fieldValue(req.params.ListenPort); ok {
		fmt.Fprintf(buf, "listen_port=%d\n", v)
	}
	if req.replacePeers {
		buf.WriteString("replace_peers=true\n")
	}

	for _, pc := range req.peers {
		p := pc.peer
		fmt.Fprintf(buf, "public_key=%s\n", p.PublicKey.Hex())
		if pc.remove {
			buf.WriteString("remove=true\n")
			continue
		}
		if p.PresharedKey.Specified() {
			buf.WriteString("preshared_key=")
			if k := p.PresharedKey.Value(); !k.IsZero() {
				buf.AppendSecretHex(k)
			} else {
				buf.WriteString(zeroKeyHex)
			}
			buf.WriteString("\n")
		}
		if ep, ok := p.Endpoint.Get(); ok {
			fmt.Fprintf(buf, "endpoint=%s\n", ep)
		}
		if p.PersistentKeepalive.Specified() {
			fmt.Fprintf(buf, "persistent_keepalive_interval=%d\n", p.Keepalive()/time.Second)
		}
		if pc.replaceAllowedIPs {
			buf.WriteString("replace_allowed_ips=true\n")
		}
		for _, a := range p.AllowedIPs {
			fmt.Fprintf(buf, "allowed_ip=%s\n", a.Masked())
		}
	}
	buf.WriteString("\n")
}

// fieldValue resolves a scalar field for the wire: Set sends its value,
// Clear sends zero, unset sends nothing.
func fieldValue[T uint16 | uint32](f wg.Field[T]) (T, bool) {
	return f.Value(), f.Specified()
}

var zeroKeyHex = strings.Repeat("0", 2*wg.KeyLen)

// readFrame reads from r into buf until the empty-line terminator. Short
// reads are accumulated; anything after the terminator is discarded.
func readFrame(r io.Reader, buf *wg.SecretBuffer) error {
	var chunk [4096]byte
	defer clear(chunk[:])

	// scanned is where the terminator search resumes; one byte of overlap
	// catches a terminator split across reads.
	scanned := 0
	done := func() bool {
		found := bytes.Contains(buf.Bytes()[scanned:], frameEnd)
		scanned = max(buf.Len()-1, 0)
		return found
	}

	for {
		if done() {
			return nil
		}
		if buf.Len() > maxFrame {
			return fmt.Errorf("reply exceeds %d bytes: %w", maxFrame, syscall.EMSGSIZE)
		}
		n, err := r.Read(chunk[:])
		buf.Write(chunk[:n])
		if err != nil {
			if errors.Is(err, io.EOF) {
				if done() {
					return nil
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// lines iterates over the "key=value" lines of a frame, stopping at the
// empty terminator line.
func lines(frame []byte, fn func(key, value []byte) error) error {
	for len(frame) > 0 {
		line, rest, _ := bytes.Cut(frame, []byte("\n"))
		frame = rest
		if len(line) == 0 {
			return nil
		}
		key, value, ok := bytes.Cut(line, []byte("="))
		if !ok {
			return fmt.Errorf("malformed line %q", key)
		}
		if err := fn(key, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// errnoError converts the errno line of a reply. wireguard-go reports
// negated errno values.
func errnoError(value []byte) error {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return fmt.Errorf("parse errno: %w", err)
	}
	if n == 0 {
		return nil
	}
	if n < 0 {
		n = -n
	}
	return syscall.Errno(n)
}

// parseSetReply checks the reply to a set operation.
func parseSetReply(frame []byte) error {
	var (
		seen   bool
		result error
	)
	err := lines(frame, func(key, value []byte) error {
		if string(key) != "errno" {
			return nil
		}
		seen = true
		result = errnoError(value)
		return nil
	})
	if err != nil {
		return errors.Join(errProtocol, err)
	}
	if !seen {
		return fmt.Errorf("%w: reply without errno", errProtocol)
	}
	return result
}

var errProtocol = errors.New("uapi protocol error")

// parseGet decodes a get reply. Scalars absent from the reply are zero on
// the device, so every field of the result is Set.
func parseGet(frame []byte) (*wg.Interface, error) {
	dev := &wg.Interface{
		ListenPort:   wg.Set[uint16](0),
		FirewallMark: wg.Set[uint32](0),
	}
	var (
		peer      *wg.Peer
		hsSec     int64
		hsNsec    int64
		errnoSeen bool
		result    error
	)
	flushHandshake := func() {
		if peer != nil && (hsSec != 0 || hsNsec != 0) {
			peer.LastHandshake = time.Unix(hsSec, hsNsec)
		}
		hsSec, hsNsec = 0, 0
	}

	err := lines(frame, func(key, value []byte) error {
		k := string(key)
		if peer == nil {
			switch k {
			case "private_key":
				priv, err := wg.SecretKeyFromHex(value)
				if err != nil {
					return err
				}
				if priv.IsZero() {
					return nil
				}
				dev.PrivateKey = priv
				dev.PublicKey = priv.PublicKey()
				return nil
			case "listen_port":
				v, err := strconv.ParseUint(string(value), 10, 16)
				dev.ListenPort = wg.Set(uint16(v))
				return err
			case "fwmark":
				v, err := strconv.ParseUint(string(value), 10, 32)
				dev.FirewallMark = wg.Set(uint32(v))
				return err
			}
		}

		switch k {
		case "public_key":
			flushHandshake()
			pub, err := wg.ParsePublicKey(string(value))
			if err != nil {
				return err
			}
			dev.Peers = append(dev.Peers, wg.Peer{
				PublicKey:           pub,
				PresharedKey:        wg.Set[*wg.SecretKey](nil),
				PersistentKeepalive: wg.Set(time.Duration(0)),
			})
			peer = &dev.Peers[len(dev.Peers)-1]
		case "errno":
			errnoSeen = true
			result = errnoError(value)
		default:
			if peer == nil {
				return nil
			}
			return parsePeerLine(peer, k, value, &hsSec, &hsNsec)
		}
		return nil
	})
	flushHandshake()
	if err != nil {
		dev.Wipe()
		return nil, errors.Join(errProtocol, err)
	}
	if !errnoSeen {
		dev.Wipe()
		return nil, fmt.Errorf("%w: reply without errno", errProtocol)
	}
	if result != nil {
		dev.Wipe()
		return nil, result
	}
	return dev, nil
}

func parsePeerLine(p *wg.Peer, key string, value []byte, hsSec, hsNsec *int64) error {
	var err error
	switch key {
	case "preshared_key":
		var psk *wg.SecretKey
		if psk, err = wg.SecretKeyFromHex(value); err == nil {
			if psk.IsZero() {
				psk = nil
			}
			p.PresharedKey.Value().Wipe()
			p.PresharedKey = wg.Set(psk)
		}
	case "endpoint":
		var ep wg.Endpoint
		if ep, err = wg.ParseEndpoint(string(value)); err == nil {
			p.Endpoint = wg.Set(ep)
		}
	case "persistent_keepalive_interval":
		var v uint64
		if v, err = strconv.ParseUint(string(value), 10, 16); err == nil {
			p.PersistentKeepalive = wg.Set(time.Duration(v) * time.Second)
		}
	case "allowed_ip":
		var a netip.Prefix
		if a, err = netip.ParsePrefix(string(value)); err == nil {
			p.AllowedIPs = append(p.AllowedIPs, a)
		}
	case "rx_bytes":
		p.ReceiveBytes, err = strconv.ParseInt(string(value), 10, 64)
	case "tx_bytes":
		p.TransmitBytes, err = strconv.ParseInt(string(value), 10, 64)
	case "last_handshake_time_sec":
		*hsSec, err = strconv.ParseInt(string(value), 10, 64)
	case "last_handshake_time_nsec":
		*hsNsec, err = strconv.ParseInt(string(value), 10, 64)
	case "protocol_version":
		p.ProtocolVersion, err = strconv.Atoi(string(value))
	}
	return err
}
