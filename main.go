package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zssp",
	Short: "ZSSP point-to-point tunnel",
	Long: `zssp tunnels IP packets between a TUN interface and one peer over UDP,
protected by the ZeroTier Secure Session Protocol: a Noise_IK handshake over
NIST P-384 mixed with X25519, AES-GCM transport and periodic rekeying.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newUpCmd(), newGenkeyCmd(), newPubkeyCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
