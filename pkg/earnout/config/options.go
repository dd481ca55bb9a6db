package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase selects Postgres; an empty url selects the in-memory repository
func WithDatabase(url string) Option {
	return func(c *ServerConfig) error {
		c.DatabaseURL = url
		if url != "" && !c.UsesPostgres() {
			return fmt.Errorf("database URL must start with postgres:// or postgresql://, got: %s", url)
		}
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithMemoryEvidence enables the in-process evidence store
func WithMemoryEvidence() Option {
	return func(c *ServerConfig) error {
		c.EvidenceURL = EvidenceMemory
		return nil
	}
}

// WithS3Evidence stores evidence under bucket/prefix
func WithS3Evidence(bucket, prefix string, s3 S3Config) Option {
	return func(c *ServerConfig) error {
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		c.EvidenceURL = "s3://" + bucket + "/" + strings.TrimPrefix(prefix, "/")
		if s3.Region == "" {
			s3.Region = c.S3.Region
		}
		if s3.PresignDuration == 0 {
			s3.PresignDuration = c.S3.PresignDuration
		}
		c.S3 = s3
		return nil
	}
}

// WithTrustedAttesters switches to TEE attestation trusting the given keys
func WithTrustedAttesters(keys ...ed25519.PublicKey) Option {
	return func(c *ServerConfig) error {
		if len(keys) == 0 {
			return fmt.Errorf("at least one attester key is required")
		}
		c.AttestationMode = AttestationTEE
		c.AttesterPublicKeys = c.AttesterPublicKeys[:0]
		for _, key := range keys {
			if len(key) != ed25519.PublicKeySize {
				return fmt.Errorf("invalid attester key size: %d", len(key))
			}
			c.AttesterPublicKeys = append(c.AttesterPublicKeys, hex.EncodeToString(key))
		}
		return nil
	}
}

// WithDisburser selects none, memory or temporal disbursement
func WithDisburser(kind string) Option {
	return func(c *ServerConfig) error {
		switch kind {
		case DisburserNone, DisburserMemory, DisburserTemporal:
			c.Disburser = kind
			return nil
		default:
			return fmt.Errorf("unknown disburser: %s", kind)
		}
	}
}

// WithTemporal configures the Temporal frontend and selects it as disburser
func WithTemporal(hostPort, namespace, taskQueue string) Option {
	return func(c *ServerConfig) error {
		if hostPort == "" {
			return fmt.Errorf("temporal host:port cannot be empty")
		}
		c.Disburser = DisburserTemporal
		c.Temporal.HostPort = hostPort
		if namespace != "" {
			c.Temporal.Namespace = namespace
		}
		if taskQueue != "" {
			c.Temporal.TaskQueue = taskQueue
		}
		return nil
	}
}

// WithJWTSecret sets the HS256 secret used to authenticate callers
func WithJWTSecret(secret string) Option {
	return func(c *ServerConfig) error {
		c.JWTSecret = secret
		return nil
	}
}

// WithEventLogging enables or disables the logging event sink
func WithEventLogging(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableEventLogging = enabled
		return nil
	}
}
