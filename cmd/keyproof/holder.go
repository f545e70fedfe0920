package main

import (
	"encoding/json"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keyproof/keyproof-core/pkg/holder"
)

var (
	holderBase string
	holderID   string
)

var holderCmd = &cobra.Command{
	Use:   "holder",
	Short: "Prove key possession against a verifier",
	Long: `Generates a fresh P-256 key pair, derives its did:jwk, requests a
challenge from the verifier, signs an assertion binding the nonce, and
submits it. Environment overrides: HOLDER_ID, VERIFIER_BASE,
CHALLENGE_URL, VERIFY_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHolder(cmd)
	},
}

func init() {
	holderCmd.Flags().StringVar(&holderBase, "base", "http://localhost:8080", "verifier base URL")
	holderCmd.Flags().StringVar(&holderID, "holder-id", "", "sub claim value (defaults to the holder's DID)")
	rootCmd.AddCommand(holderCmd)
}

func runHolder(cmd *cobra.Command) error {
	_ = godotenv.Load()

	signer, err := holder.NewSigner()
	if err != nil {
		return err
	}

	base := holderBase
	if v := os.Getenv("VERIFIER_BASE"); v != "" {
		base = v
	}
	id := holderID
	if v := os.Getenv("HOLDER_ID"); v != "" {
		id = v
	}
	if id == "" {
		id = signer.DID()
	}

	client := holder.NewClient(base, signer, id)
	if v := os.Getenv("CHALLENGE_URL"); v != "" {
		client.ChallengeURL = v
	}
	if v := os.Getenv("VERIFY_URL"); v != "" {
		client.VerifyURL = v
	}

	result, err := client.Prove(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
