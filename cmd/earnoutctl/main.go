package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "earnoutctl",
		Short: "Earn-out ledger operator tooling",
		Long: `Operator tooling for the earn-out settlement ledger.

Generates Ed25519 keys, signs audit sign-offs, produces KPI attestations
with the reference attester, issues caller tokens and uploads encrypted
evidence to S3.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewKeygenCommand())
	rootCmd.AddCommand(NewSignAuditCommand())
	rootCmd.AddCommand(NewAttestCommand())
	rootCmd.AddCommand(NewTokenCommand())
	rootCmd.AddCommand(NewEvidenceCommand())

	return rootCmd
}

// loadPrivateKey accepts a hex seed (32 bytes) or a hex private key (64 bytes),
// inline or from a file.
func loadPrivateKey(value string) (ed25519.PrivateKey, error) {
	if value == "" {
		return nil, fmt.Errorf("--key is required")
	}
	if data, err := os.ReadFile(value); err == nil {
		value = string(data)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("key must be hex encoded: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
