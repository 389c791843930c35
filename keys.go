package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drio/zssp/device"
	"github.com/drio/zssp/zssp"
)

func newGenkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Print a new base64 P-384 private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := zssp.GenerateP384KeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(kp.PrivateKeyBytes()))
			return nil
		},
	}
}

func newPubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "pubkey",
		Short:   "Read a private key on stdin and print its identity blob",
		Example: "  zssp genkey | tee private.key | zssp pubkey",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			scalar, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
			if err != nil {
				return fmt.Errorf("invalid private key: %w", err)
			}
			kp, err := zssp.P384KeyPairFromBytes(scalar)
			if err != nil {
				return fmt.Errorf("invalid private key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(device.IdentityBlob(kp)))
			return nil
		},
	}
}
