package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-earnout/pkg/earnout"
	"github.com/tendant/simple-earnout/pkg/earnout/api"
	"github.com/tendant/simple-earnout/pkg/earnout/attester"
	"github.com/tendant/simple-earnout/pkg/earnout/config"
	evidences3 "github.com/tendant/simple-earnout/pkg/earnout/evidence/s3"
)

// KeyPair is the keygen output
type KeyPair struct {
	PublicKey string `json:"public_key"`
	Seed      string `json:"seed"`
}

// SignedAudit carries the fields of an audit request body
type SignedAudit struct {
	DocumentID string `json:"document_id"`
	Signature  []byte `json:"signature"`
	PublicKey  []byte `json:"public_key"`
}

// AttestOutput is the attest command output. Attestation is the 144-byte
// blob to submit with the KPI.
type AttestOutput struct {
	DealID          string                  `json:"deal_id"`
	KPIKind         string                  `json:"kpi_kind"`
	KPI             string                  `json:"kpi"`
	KPIValue        uint64                  `json:"kpi_value"`
	ComputationHash string                  `json:"computation_hash"`
	Contributions   []attester.Contribution `json:"contributions"`
	Attestation     []byte                  `json:"attestation"`
}

// NewKeygenCommand creates the keygen command
func NewKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair",
		Long:  `Generate an Ed25519 key pair for auditors or attesters. Keep the seed secret; share the public key.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), KeyPair{
				PublicKey: hex.EncodeToString(pub),
				Seed:      hex.EncodeToString(priv.Seed()),
			})
		},
	}
}

// NewSignAuditCommand creates the sign-audit command
func NewSignAuditCommand() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "sign-audit <document-id>",
		Short: "Sign an audit sign-off for a registered document",
		Long:  `Sign the audit message for a document's content identifier with the auditor's key.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := loadPrivateKey(key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), SignedAudit{
				DocumentID: args[0],
				Signature:  ed25519.Sign(priv, earnout.AuditMessage(args[0])),
				PublicKey:  priv.Public().(ed25519.PublicKey),
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", os.Getenv("AUDITOR_KEY"), "auditor key: hex seed or file (env AUDITOR_KEY)")
	return cmd
}

// NewAttestCommand creates the attest command
func NewAttestCommand() *cobra.Command {
	var key string
	var kind string

	cmd := &cobra.Command{
		Use:   "attest <deal-id> <documents.json>",
		Short: "Compute and attest a KPI with the reference attester",
		Long: `Compute the KPI over a JSON array of decrypted evidence documents and
sign the result. The attestation binds the deal, KPI kind, value and input hash.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dealID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid deal ID: %w", err)
			}
			documents, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read documents: %w", err)
			}
			priv, err := loadPrivateKey(key)
			if err != nil {
				return err
			}
			a, err := attester.New(priv)
			if err != nil {
				return err
			}

			result, att, err := a.Attest(dealID, kind, documents)
			if err != nil {
				return fmt.Errorf("attestation failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), AttestOutput{
				DealID:          dealID.String(),
				KPIKind:         kind,
				KPI:             result.KPI.String(),
				KPIValue:        result.Value,
				ComputationHash: hex.EncodeToString(result.ComputationHash[:]),
				Contributions:   result.Contributions,
				Attestation:     att.Marshal(),
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", os.Getenv("ATTESTER_KEY"), "attester key: hex seed or file (env ATTESTER_KEY)")
	cmd.Flags().StringVar(&kind, "kind", "revenue", "KPI kind")
	return cmd
}

// NewTokenCommand creates the token command
func NewTokenCommand() *cobra.Command {
	var secret string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Issue a caller token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			token, err := api.IssueToken(api.NewTokenAuth(secret), earnout.Principal(args[0]), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret (env JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// NewEvidenceCommand creates the evidence command group
func NewEvidenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Manage encrypted evidence in S3",
	}
	cmd.AddCommand(newEvidenceUploadCommand())
	return cmd
}

func newEvidenceUploadCommand() *cobra.Command {
	var contentID string
	var contentType string
	var sse string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload an encrypted evidence file",
		Long: `Upload an already-encrypted evidence file to the bucket named by
EVIDENCE_URL (s3://bucket/prefix). The content ID defaults to the file name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.WithEnv())
			if err != nil {
				return err
			}
			bucket, prefix, err := config.EvidenceBucket(cfg.EvidenceURL)
			if err != nil {
				return err
			}
			if bucket == "" {
				return fmt.Errorf("EVIDENCE_URL must be an s3:// URL, got %q", cfg.EvidenceURL)
			}

			s3cfg := cfg.S3Store(bucket, prefix)
			if sse != "" {
				s3cfg.EnableSSE = true
				s3cfg.SSEAlgorithm = sse
			}
			store, err := evidences3.New(cmd.Context(), s3cfg)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open evidence: %w", err)
			}
			defer f.Close()

			if contentID == "" {
				contentID = filepath.Base(args[0])
			}
			if err := store.Upload(cmd.Context(), contentID, f, contentType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s as %s\n", args[0], contentID)
			return nil
		},
	}

	cmd.Flags().StringVar(&contentID, "content-id", "", "content identifier to register on the deal")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "object content type")
	cmd.Flags().StringVar(&sse, "sse", "", "server-side encryption: AES256 or aws:kms")
	return cmd
}
