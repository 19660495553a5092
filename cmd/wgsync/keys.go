package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsChris/wgsync/internal/wg"
)

// writeSecret prints k in base64 and wipes the intermediate buffer.
func writeSecret(cmd *cobra.Command, k *wg.SecretKey) error {
	buf := k.AppendBase64(make([]byte, 0, 45))
	buf = append(buf, '\n')
	defer clear(buf)
	_, err := cmd.OutOrStdout().Write(buf)
	return err
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := wg.GeneratePrivateKey()
			if err != nil {
				return err
			}
			defer k.Wipe()
			return writeSecret(cmd, k)
		},
	}
}

func newGenPSKCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genpsk",
		Short: "Generate a preshared key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := wg.GeneratePresharedKey()
			if err != nil {
				return err
			}
			defer k.Wipe()
			return writeSecret(cmd, k)
		},
	}
}

func newPubKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Derive a public key from a private key read on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, "-")
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}
			defer clear(raw)

			k, err := wg.ParsePrivateKey(string(bytes.TrimSpace(raw)))
			if err != nil {
				return err
			}
			defer k.Wipe()
			fmt.Fprintln(cmd.OutOrStdout(), k.PublicKey())
			return nil
		},
	}
}
