package config

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-earnout/pkg/earnout"
	"github.com/tendant/simple-earnout/pkg/earnout/disburse/ledger"
	"github.com/tendant/simple-earnout/pkg/earnout/disburse/payoutflow"
	evidencememory "github.com/tendant/simple-earnout/pkg/earnout/evidence/memory"
	evidences3 "github.com/tendant/simple-earnout/pkg/earnout/evidence/s3"
	"github.com/tendant/simple-earnout/pkg/earnout/repo/memory"
	repopg "github.com/tendant/simple-earnout/pkg/earnout/repo/postgres"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
)

const (
	AttestationNonEmpty = "nonempty"
	AttestationTEE      = "tee"

	DisburserNone     = "none"
	DisburserMemory   = "memory"
	DisburserTemporal = "temporal"

	EvidenceNone   = "none"
	EvidenceMemory = "memory"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
// WithEnv replaces every field, so pass it before any explicit overrides.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		Environment:     "development",
		EvidenceURL:     EvidenceNone,
		AttestationMode: AttestationNonEmpty,
		Disburser:       DisburserMemory,
		S3: S3Config{
			Region:          "us-east-1",
			PresignDuration: 900,
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: payoutflow.TaskQueue,
		},
		EnableEventLogging: true,
	}
}

// ServerConfig represents server configuration for the earn-out service
type ServerConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"` // development, production, testing

	// Database configuration. Empty or "memory" keeps deals in process.
	DatabaseURL string `env:"DATABASE_URL"`
	DBSchema    string `env:"DB_SCHEMA"`

	// Evidence store: "none", "memory" or "s3://bucket/prefix"
	EvidenceURL string   `env:"EVIDENCE_URL" env-default:"none"`
	S3          S3Config

	// KPI attestation: "nonempty" or "tee"
	AttestationMode    string   `env:"ATTESTATION_MODE" env-default:"nonempty"`
	AttesterPublicKeys []string `env:"ATTESTER_PUBLIC_KEYS" env-separator:","` // hex Ed25519 keys

	// Settlement transfers: "none", "memory" or "temporal"
	Disburser string         `env:"DISBURSER" env-default:"memory"`
	Temporal  TemporalConfig

	JWTSecret string `env:"JWT_SECRET"`

	EnableEventLogging bool `env:"ENABLE_EVENT_LOGGING" env-default:"true"`
}

// S3Config holds credentials and tuning for the S3 evidence store
type S3Config struct {
	Region          string `env:"AWS_REGION" env-default:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"AWS_S3_ENDPOINT"`
	UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
	PresignDuration int    `env:"EVIDENCE_PRESIGN_SECONDS" env-default:"900"`
}

// TemporalConfig locates the Temporal frontend used for disbursement
type TemporalConfig struct {
	HostPort  string `env:"TEMPORAL_HOST_PORT" env-default:"localhost:7233"`
	Namespace string `env:"TEMPORAL_NAMESPACE" env-default:"default"`
	TaskQueue string `env:"TEMPORAL_TASK_QUEUE" env-default:"EARNOUT_DISBURSE_TASK_QUEUE"`
}

// IsProduction reports whether the production safety checks apply
func (c *ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// UsesPostgres reports whether DatabaseURL selects the Postgres repository
func (c *ServerConfig) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseURL != "" && c.DatabaseURL != "memory" && !c.UsesPostgres() {
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", c.DatabaseURL)
	}

	if _, _, err := EvidenceBucket(c.EvidenceURL); err != nil {
		return err
	}

	switch c.AttestationMode {
	case AttestationNonEmpty:
		if c.IsProduction() {
			return errors.New("attestation_mode 'nonempty' is not allowed in production")
		}
	case AttestationTEE:
		keys, err := c.TrustedAttesters()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return errors.New("attester_public_keys is required when attestation_mode is 'tee'")
		}
	default:
		return fmt.Errorf("attestation_mode must be '%s' or '%s'", AttestationNonEmpty, AttestationTEE)
	}

	switch c.Disburser {
	case DisburserNone, DisburserMemory:
	case DisburserTemporal:
		if c.Temporal.HostPort == "" {
			return errors.New("temporal host_port is required when disburser is 'temporal'")
		}
	default:
		return fmt.Errorf("disburser must be '%s', '%s' or '%s'", DisburserNone, DisburserMemory, DisburserTemporal)
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return errors.New("jwt_secret is required in production")
	}

	return nil
}

// TrustedAttesters decodes AttesterPublicKeys
func (c *ServerConfig) TrustedAttesters() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.AttesterPublicKeys))
	for _, raw := range c.AttesterPublicKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid attester public key %q: %w", raw, err)
		}
		if len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid attester public key %q: want %d bytes, got %d", raw, ed25519.PublicKeySize, len(b))
		}
		keys = append(keys, ed25519.PublicKey(b))
	}
	return keys, nil
}

// EvidenceBucket parses an s3:// evidence URL into bucket and key prefix.
// Both are empty for the none and memory stores.
func EvidenceBucket(evidenceURL string) (string, string, error) {
	switch evidenceURL {
	case "", EvidenceNone, EvidenceMemory, "memory://":
		return "", "", nil
	}
	u, err := url.Parse(evidenceURL)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("unsupported EVIDENCE_URL format: %s (use 'none', 'memory' or 's3://bucket/prefix')", evidenceURL)
	}
	if u.Host == "" {
		return "", "", errors.New("S3 bucket name cannot be empty in EVIDENCE_URL")
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

// Runtime holds the service built from a ServerConfig and the resources
// behind it.
type Runtime struct {
	Service  earnout.Service
	Evidence earnout.EvidenceStore
	// Ledger is set when Disburser is "memory".
	Ledger *ledger.Ledger

	closers []func()
}

// Close releases database pools and Temporal clients
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// BuildService creates a Service instance from the server configuration
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	options := []earnout.Option{earnout.WithLogger(logger)}

	repo, err := c.buildRepository(ctx, rt)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	options = append(options, earnout.WithRepository(repo))

	evidence, err := c.buildEvidenceStore(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build evidence store: %w", err)
	}
	if evidence != nil {
		rt.Evidence = evidence
		options = append(options, earnout.WithEvidenceStore(evidence))
	}

	verifier, err := c.buildAttestationVerifier()
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build attestation verifier: %w", err)
	}
	options = append(options, earnout.WithAttestationVerifier(verifier))

	disburser, err := c.buildDisburser(rt, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build disburser: %w", err)
	}
	if disburser != nil {
		options = append(options, earnout.WithDisburser(disburser))
	}

	if c.EnableEventLogging {
		options = append(options, earnout.WithEventSink(earnout.NewLoggingEventSink(logger)))
	}

	svc, err := earnout.New(options...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, rt *Runtime) (earnout.Repository, error) {
	if !c.UsesPostgres() {
		return memory.New(), nil
	}

	pool, err := NewPool(ctx, c.DatabaseURL, c.DBSchema)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pool.Close)

	if err := repopg.EnsureSchema(ctx, pool); err != nil {
		return nil, err
	}
	return repopg.NewWithPool(pool), nil
}

// NewPool opens a pgx pool, optionally pinning search_path to schema.
func NewPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// buildEvidenceStore returns nil when evidence checks are disabled
func (c *ServerConfig) buildEvidenceStore(ctx context.Context) (earnout.EvidenceStore, error) {
	switch c.EvidenceURL {
	case "", EvidenceNone:
		return nil, nil
	case EvidenceMemory, "memory://":
		return evidencememory.New(), nil
	}

	bucket, prefix, err := EvidenceBucket(c.EvidenceURL)
	if err != nil {
		return nil, err
	}
	return evidences3.New(ctx, c.S3Store(bucket, prefix))
}

// S3Store maps the S3 settings onto the evidence store configuration
func (c *ServerConfig) S3Store(bucket, prefix string) evidences3.Config {
	return evidences3.Config{
		Region:          c.S3.Region,
		Bucket:          bucket,
		Prefix:          prefix,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		Endpoint:        c.S3.Endpoint,
		UsePathStyle:    c.S3.UsePathStyle,
		PresignDuration: c.S3.PresignDuration,
	}
}

func (c *ServerConfig) buildAttestationVerifier() (earnout.AttestationVerifier, error) {
	if c.AttestationMode != AttestationTEE {
		return earnout.NonEmptyAttestationVerifier{}, nil
	}
	keys, err := c.TrustedAttesters()
	if err != nil {
		return nil, err
	}
	return earnout.NewTEEAttestationVerifier(keys...)
}

func (c *ServerConfig) buildDisburser(rt *Runtime, logger *slog.Logger) (earnout.Disburser, error) {
	switch c.Disburser {
	case DisburserMemory:
		rt.Ledger = ledger.New(logger)
		return rt.Ledger, nil
	case DisburserTemporal:
		tc, err := c.DialTemporal(logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, tc.Close)
		return payoutflow.NewDispatcher(tc,
			payoutflow.WithTaskQueue(c.Temporal.TaskQueue),
			payoutflow.WithLogger(logger),
		), nil
	default:
		return nil, nil
	}
}

// DialTemporal connects to the configured Temporal frontend
func (c *ServerConfig) DialTemporal(logger *slog.Logger) (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  c.Temporal.HostPort,
		Namespace: c.Temporal.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return tc, nil
}
