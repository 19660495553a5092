package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsChris/wgsync/internal/wg"
)

var showFields = []string{
	"public-key", "private-key", "listen-port", "fwmark", "peers",
	"preshared-keys", "endpoints", "allowed-ips", "latest-handshakes",
	"persistent-keepalive", "transfer", "dump",
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List WireGuard interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			rec, closeBackend, err := a.reconciler(false)
			if err != nil {
				return err
			}
			defer closeBackend()

			names, err := rec.Backend().ListInterfaces(cmd.Context())
			if err != nil {
				return err
			}
			slices.Sort(names)
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [interface|all|interfaces] [field]",
		Short: "Show the live configuration and statistics of interfaces",
		Long: "Show prints interfaces in the style of wg(8). Private and preshared keys " +
			"are hidden in the default view unless WG_HIDE_KEYS=never. A field prints " +
			"one value per line; \"dump\" prints a tab-separated dump.\n\n" +
			"Fields: " + strings.Join(showFields, ", "),
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, field := "all", ""
			if len(args) > 0 {
				target = args[0]
			}
			if len(args) > 1 {
				field = args[1]
				if !slices.Contains(showFields, field) {
					return fmt.Errorf("unknown field %q", field)
				}
			}
			if target == "interfaces" && field != "" {
				return fmt.Errorf("\"interfaces\" takes no field")
			}

			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			rec, closeBackend, err := a.reconciler(false)
			if err != nil {
				return err
			}
			defer closeBackend()

			s := &shower{
				out:      cmd.OutOrStdout(),
				now:      time.Now(),
				hideKeys: os.Getenv("WG_HIDE_KEYS") != "never",
			}
			return s.run(cmd.Context(), rec, target, field)
		},
	}
}

// snapshotter is the part of *wg.Reconciler show reads from.
type snapshotter interface {
	Backend() wg.Backend
	Snapshot(ctx context.Context, name string) (*wg.Interface, error)
}

type shower struct {
	out      io.Writer
	now      time.Time
	hideKeys bool
}

func (s *shower) run(ctx context.Context, rec snapshotter, target, field string) error {
	var names []string
	if target == "all" || target == "interfaces" {
		var err error
		if names, err = rec.Backend().ListInterfaces(ctx); err != nil {
			return err
		}
		slices.Sort(names)
	} else {
		names = []string{target}
	}

	if target == "interfaces" {
		fmt.Fprintln(s.out, strings.Join(names, " "))
		return nil
	}

	for i, name := range names {
		dev, err := rec.Snapshot(ctx, name)
		if err != nil {
			// A device can vanish between listing and reading it.
			if target == "all" && wg.IsNotFound(err) {
				continue
			}
			return err
		}
		prefix := ""
		if target == "all" {
			prefix = name + "\t"
		}
		switch field {
		case "":
			if i > 0 {
				fmt.Fprintln(s.out)
			}
			s.pretty(dev)
		case "dump":
			s.dump(dev, prefix)
		default:
			s.field(dev, field, prefix)
		}
		dev.Wipe()
	}
	return nil
}

// pretty writes dev in the wg(8) default format. Peers with the most
// recent handshake come first.
func (s *shower) pretty(dev *wg.Interface) {
	w := s.out
	fmt.Fprintf(w, "interface: %s\n", dev.Name)
	if !dev.PublicKey.IsZero() {
		fmt.Fprintf(w, "  public key: %s\n", dev.PublicKey)
	}
	if dev.PrivateKey != nil {
		fmt.Fprintf(w, "  private key: %s\n", s.secret(dev.PrivateKey))
	}
	if port := dev.ListenPort.Value(); port != 0 {
		fmt.Fprintf(w, "  listening port: %d\n", port)
	}
	if mark := dev.FirewallMark.Value(); mark != 0 {
		fmt.Fprintf(w, "  fwmark: 0x%x\n", mark)
	}
	if mtu := dev.MTU.Value(); mtu != 0 {
		fmt.Fprintf(w, "  mtu: %d\n", mtu)
	}
	if addrs := dev.Addresses.Value(); len(addrs) > 0 {
		fmt.Fprintf(w, "  addresses: %s\n", prefixList(addrs, ", "))
	}

	peers := slices.Clone(dev.Peers)
	slices.SortStableFunc(peers, func(a, b wg.Peer) int {
		if c := b.LastHandshake.Compare(a.LastHandshake); c != 0 {
			return c
		}
		return strings.Compare(a.PublicKey.String(), b.PublicKey.String())
	})
	for i := range peers {
		p := &peers[i]
		fmt.Fprintf(w, "\npeer: %s\n", p.PublicKey)
		if psk := p.PresharedKey.Value(); !psk.IsZero() {
			fmt.Fprintf(w, "  preshared key: %s\n", s.secret(psk))
		}
		if ep, ok := p.Endpoint.Get(); ok && ep.IsValid() {
			fmt.Fprintf(w, "  endpoint: %s\n", ep)
		}
		allowed := "(none)"
		if len(p.AllowedIPs) > 0 {
			allowed = prefixList(p.AllowedIPs, ", ")
		}
		fmt.Fprintf(w, "  allowed ips: %s\n", allowed)
		if !p.LastHandshake.IsZero() {
			fmt.Fprintf(w, "  latest handshake: %s\n", ago(s.now.Sub(p.LastHandshake)))
		}
		if p.ReceiveBytes != 0 || p.TransmitBytes != 0 {
			fmt.Fprintf(w, "  transfer: %s received, %s sent\n", byteCount(p.ReceiveBytes), byteCount(p.TransmitBytes))
		}
		if ka := p.Keepalive(); ka > 0 {
			fmt.Fprintf(w, "  persistent keepalive: every %s\n", words(int64(ka/time.Second)))
		}
	}
}

// dump writes the machine-readable format: one line for the interface,
// one per peer, tab separated. Keys are printed in full.
func (s *shower) dump(dev *wg.Interface, prefix string) {
	w := s.out
	fmt.Fprintf(w, "%s%s\t%s\t%d\t%s\n", prefix,
		secretOrNone(dev.PrivateKey), publicOrNone(dev.PublicKey),
		dev.ListenPort.Value(), fwmark(dev.FirewallMark.Value()))
	for i := range dev.Peers {
		p := &dev.Peers[i]
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n", prefix,
			p.PublicKey, secretOrNone(p.PresharedKey.Value()), endpoint(p),
			allowedIPs(p, ","), handshakeUnix(p), p.ReceiveBytes, p.TransmitBytes,
			keepalive(p))
	}
}

// field writes a single field. Peer fields print one line per peer.
func (s *shower) field(dev *wg.Interface, field, prefix string) {
	w := s.out
	switch field {
	case "public-key":
		fmt.Fprintf(w, "%s%s\n", prefix, publicOrNone(dev.PublicKey))
		return
	case "private-key":
		fmt.Fprintf(w, "%s%s\n", prefix, secretOrNone(dev.PrivateKey))
		return
	case "listen-port":
		fmt.Fprintf(w, "%s%d\n", prefix, dev.ListenPort.Value())
		return
	case "fwmark":
		fmt.Fprintf(w, "%s%s\n", prefix, fwmark(dev.FirewallMark.Value()))
		return
	}

	for i := range dev.Peers {
		p := &dev.Peers[i]
		var value string
		switch field {
		case "peers":
			fmt.Fprintf(w, "%s%s\n", prefix, p.PublicKey)
			continue
		case "preshared-keys":
			value = secretOrNone(p.PresharedKey.Value())
		case "endpoints":
			value = endpoint(p)
		case "allowed-ips":
			value = allowedIPs(p, " ")
		case "latest-handshakes":
			value = strconv.FormatInt(handshakeUnix(p), 10)
		case "persistent-keepalive":
			value = keepalive(p)
		case "transfer":
			value = fmt.Sprintf("%d\t%d", p.ReceiveBytes, p.TransmitBytes)
		}
		fmt.Fprintf(w, "%s%s\t%s\n", prefix, p.PublicKey, value)
	}
}

func (s *shower) secret(k *wg.SecretKey) string {
	if s.hideKeys {
		return "(hidden)"
	}
	return string(k.AppendBase64(nil))
}

func secretOrNone(k *wg.SecretKey) string {
	if k.IsZero() {
		return "(none)"
	}
	return string(k.AppendBase64(nil))
}

func publicOrNone(k wg.PublicKey) string {
	if k.IsZero() {
		return "(none)"
	}
	return k.String()
}

func fwmark(v uint32) string {
	if v == 0 {
		return "off"
	}
	return fmt.Sprintf("0x%x", v)
}

func endpoint(p *wg.Peer) string {
	if ep, ok := p.Endpoint.Get(); ok && ep.IsValid() {
		return ep.String()
	}
	return "(none)"
}

func allowedIPs(p *wg.Peer, sep string) string {
	if len(p.AllowedIPs) == 0 {
		return "(none)"
	}
	return prefixList(p.AllowedIPs, sep)
}

func handshakeUnix(p *wg.Peer) int64 {
	if p.LastHandshake.IsZero() {
		return 0
	}
	return p.LastHandshake.Unix()
}

func keepalive(p *wg.Peer) string {
	if ka := p.Keepalive(); ka > 0 {
		return strconv.FormatInt(int64(ka/time.Second), 10)
	}
	return "off"
}

func prefixList[T fmt.Stringer](in []T, sep string) string {
	parts := make([]string, len(in))
	for i, p := range in {
		parts[i] = p.String()
	}
	return strings.Join(parts, sep)
}

func ago(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "Now"
	}
	return words(secs) + " ago"
}

// words spells a number of seconds the way wg(8) does, e.g.
// "1 hour, 2 seconds".
func words(secs int64) string {
	units := []struct {
		name string
		size int64
	}{
		{"year", 365 * 24 * 3600},
		{"day", 24 * 3600},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}
	var parts []string
	for _, u := range units {
		n := secs / u.size
		secs %= u.size
		if n == 0 {
			continue
		}
		plural := "s"
		if n == 1 {
			plural = ""
		}
		parts = append(parts, fmt.Sprintf("%d %s%s", n, u.name, plural))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, ", ")
}

func byteCount(b int64) string {
	const unit = 1024
	switch {
	case b < unit:
		return fmt.Sprintf("%d B", b)
	case b < unit*unit:
		return fmt.Sprintf("%.2f KiB", float64(b)/unit)
	case b < unit*unit*unit:
		return fmt.Sprintf("%.2f MiB", float64(b)/(unit*unit))
	case b < unit*unit*unit*unit:
		return fmt.Sprintf("%.2f GiB", float64(b)/(unit*unit*unit))
	default:
		return fmt.Sprintf("%.2f TiB", float64(b)/(unit*unit*unit*unit))
	}
}
