// Package main is the entry point for the keyproof CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "keyproof",
	Short: "DID challenge-response verification service",
	Long: `keyproof is a proof-of-possession verifier for did:jwk holders.
The serve command runs the verification server; the holder command runs
the proving side of the exchange against a verifier.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
