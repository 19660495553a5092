package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/itsChris/wgsync/internal/manifest"
	"github.com/itsChris/wgsync/internal/wg"
)

// addInterfaceFlags registers the interface-level settings shared by
// create and set.
func addInterfaceFlags(fs *pflag.FlagSet) {
	fs.String("private-key-file", "", "file holding the private key")
	fs.Uint16("listen-port", 0, "UDP listen port (0 picks one)")
	fs.Uint32("fwmark", 0, "firewall mark for outgoing packets")
	fs.Int("mtu", 0, "link MTU")
	fs.StringSlice("address", nil, "interface address in CIDR form (repeatable)")
	fs.StringSlice("clear", nil, "reset fields to their defaults: listen_port, fwmark, mtu, addresses")
}

// interfaceSpec builds a spec from the flags the user actually passed.
// Flags left alone stay unmanaged.
func interfaceSpec(fs *pflag.FlagSet, name string) manifest.InterfaceSpec {
	spec := manifest.InterfaceSpec{Name: name}
	spec.PrivateKeyFile, _ = fs.GetString("private-key-file")
	if fs.Changed("listen-port") {
		v, _ := fs.GetUint16("listen-port")
		spec.ListenPort = &v
	}
	if fs.Changed("fwmark") {
		v, _ := fs.GetUint32("fwmark")
		spec.FirewallMark = &v
	}
	if fs.Changed("mtu") {
		v, _ := fs.GetInt("mtu")
		spec.MTU = &v
	}
	if fs.Changed("address") {
		v, _ := fs.GetStringSlice("address")
		spec.Addresses = &v
	}
	spec.Clear, _ = fs.GetStringSlice("clear")
	return spec
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <interface>",
		Short: "Create an interface",
		Long: "Create brings up a new interface. Without --private-key-file a key is " +
			"generated and the public key is printed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := interfaceSpec(cmd.Flags(), args[0])
			iface, _, err := spec.Build()
			if err != nil {
				return err
			}
			defer iface.Wipe()

			generated := iface.PrivateKey == nil
			if generated {
				if iface.PrivateKey, err = wg.GeneratePrivateKey(); err != nil {
					return err
				}
				iface.PublicKey = iface.PrivateKey.PublicKey()
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

			err = rec.Execute(cmd.Context(), wg.Op{
				Kind:      wg.OpCreateInterface,
				Interface: iface.Name,
				Params:    iface.Params(),
			})
			if err != nil {
				return err
			}
			if generated {
				fmt.Fprintln(cmd.OutOrStdout(), iface.PublicKey)
			}
			return nil
		},
	}
	addInterfaceFlags(cmd.Flags())
	return cmd
}

func newSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <interface>",
		Short: "Change interface settings",
		Long:  "Set changes only the settings given on the command line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := interfaceSpec(cmd.Flags(), args[0])
			iface, _, err := spec.Build()
			if err != nil {
				return err
			}
			defer iface.Wipe()

			params := iface.Params()
			if params.Empty() {
				return fmt.Errorf("nothing to set")
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

			return rec.Execute(cmd.Context(), wg.Op{
				Kind:      wg.OpSetInterfaceParams,
				Interface: iface.Name,
				Params:    params,
			})
		},
	}
	addInterfaceFlags(cmd.Flags())
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <interface>",
		Short: "Delete an interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wg.ValidateName(args[0]); err != nil {
				return err
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

			return rec.Execute(cmd.Context(), wg.Op{
				Kind:      wg.OpDeleteInterface,
				Interface: args[0],
			})
		},
	}
}

// peerSpec builds a peer spec from the flags the user passed.
func peerSpec(fs *pflag.FlagSet, pub string) manifest.PeerSpec {
	spec := manifest.PeerSpec{PublicKey: pub}
	spec.PresharedKeyFile, _ = fs.GetString("preshared-key-file")
	spec.Endpoint, _ = fs.GetString("endpoint")
	if fs.Changed("persistent-keepalive") {
		v, _ := fs.GetUint16("persistent-keepalive")
		spec.PersistentKeepalive = &v
	}
	spec.AllowedIPs, _ = fs.GetStringSlice("allowed-ips")
	spec.Clear, _ = fs.GetStringSlice("clear")
	return spec
}

func newPeerSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <interface> <public-key>",
		Short: "Add a peer or change its settings",
		Long: "Set creates the peer or updates it. Its allowed IPs are always replaced " +
			"by --allowed-ips; other settings not given are left as they are.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := peerSpec(cmd.Flags(), args[1])
			peer, _, err := spec.Build()
			if err != nil {
				return err
			}
			defer peer.Wipe()

			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			rec, closeBackend, err := a.reconciler(false)
			if err != nil {
				return err
			}
			defer closeBackend()

			return rec.Execute(cmd.Context(), wg.Op{
				Kind:      wg.OpUpsertPeer,
				Interface: args[0],
				Peer:      &peer,
				PublicKey: peer.PublicKey,
			})
		},
	}
	fs := cmd.Flags()
	fs.String("preshared-key-file", "", "file holding the preshared key")
	fs.String("endpoint", "", "remote endpoint, host:port")
	fs.Uint16("persistent-keepalive", 0, "keepalive interval in seconds (0 disables)")
	fs.StringSlice("allowed-ips", nil, "allowed IPs in CIDR form (repeatable)")
	fs.StringSlice("clear", nil, "reset fields to their defaults: preshared_key, endpoint, persistent_keepalive")
	return cmd
}

func newPeerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <interface> <public-key>",
		Short: "Remove a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := wg.ParsePublicKey(args[1])
			if err != nil {
				return err
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

			return rec.Execute(cmd.Context(), wg.Op{
				Kind:      wg.OpRemovePeer,
				Interface: args[0],
				PublicKey: pub,
			})
		},
	}
}
