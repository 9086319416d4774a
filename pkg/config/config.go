// Package config loads ORIGIN configuration from environment variables and
// enforces the startup safety rules: production never runs with development
// signing, encryption, or secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment names recognized in ENVIRONMENT.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Providers for signing and encryption.
const (
	ProviderLocal  = "local"
	ProviderAWSKMS = "aws_kms"
)

// Blob store providers.
const (
	BlobS3  = "s3"
	BlobFS  = "fs"
	BlobGCS = "gcs"
)

// DevServerSecret is the API-key HMAC secret used when none is configured.
// Only valid in development and test.
const DevServerSecret = "dev-secret-key"

// Config holds all server and worker configuration.
type Config struct {
	Environment string
	ListenAddr  string
	LogLevel    string

	DatabaseURL string
	CacheURL    string

	BlobProvider  string
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	BlobRegion    string
	BlobFSDir     string

	SigningKeyProvider string
	SigningKeyID       string
	SigningKeyPath     string

	WebhookEncryptionProvider string
	WebhookKMSKeyID           string
	LocalEncryptionSalt       string

	ServerSecret         string
	LegacyAPIKeyFallback bool

	RateLimitRPM        int
	RateLimitBurst      int
	RateLimitTTLSeconds int

	EvidenceSignedURLTTL      int
	EvidenceStuckAfterSeconds int

	WebhookMaxRetries     int
	WebhookTimeoutSeconds int

	IPAllowlistFailOpen bool

	PolicyProfileDir string
	ModelDir         string
}

// Load reads configuration from the environment, applying development
// defaults. It does not validate; call Validate before serving traffic.
func Load() *Config {
	env := getEnv("ENVIRONMENT", EnvDevelopment)

	c := &Config{
		Environment: env,
		ListenAddr:  getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://origin@localhost:5432/origin?sslmode=disable"),
		CacheURL:    getEnv("CACHE_URL", "redis://localhost:6379/0"),

		BlobProvider:  getEnv("BLOB_PROVIDER", defaultBlobProvider(env)),
		BlobEndpoint:  os.Getenv("BLOB_ENDPOINT"),
		BlobAccessKey: os.Getenv("BLOB_ACCESS_KEY"),
		BlobSecretKey: os.Getenv("BLOB_SECRET_KEY"),
		BlobBucket:    getEnv("BLOB_BUCKET", "origin-evidence"),
		BlobRegion:    getEnv("BLOB_REGION", "us-east-1"),
		BlobFSDir:     getEnv("BLOB_FS_DIR", "./data/blobs"),

		SigningKeyProvider: getEnv("SIGNING_KEY_PROVIDER", ProviderLocal),
		SigningKeyID:       getEnv("SIGNING_KEY_ID", "origin-dev-key"),
		SigningKeyPath:     getEnv("SIGNING_KEY_PATH", "./keys/origin_signing.pem"),

		WebhookEncryptionProvider: getEnv("WEBHOOK_ENCRYPTION_PROVIDER", ProviderLocal),
		WebhookKMSKeyID:           os.Getenv("WEBHOOK_ENCRYPTION_KEY_ID"),
		LocalEncryptionSalt:       os.Getenv("LOCAL_ENCRYPTION_SALT"),

		ServerSecret:         getEnv("SERVER_SECRET", DevServerSecret),
		LegacyAPIKeyFallback: getEnvBool("LEGACY_APIKEY_FALLBACK", false),

		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", 120),
		RateLimitTTLSeconds: getEnvInt("RATE_LIMIT_TTL_SECONDS", 600),

		EvidenceSignedURLTTL:      getEnvInt("EVIDENCE_SIGNED_URL_TTL", 3600),
		EvidenceStuckAfterSeconds: getEnvInt("EVIDENCE_STUCK_AFTER_SECONDS", 300),

		WebhookMaxRetries:     getEnvInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookTimeoutSeconds: getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10),

		PolicyProfileDir: os.Getenv("POLICY_PROFILE_DIR"),
		ModelDir:         os.Getenv("MODEL_DIR"),
	}

	c.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", c.RateLimitRPM)

	// IP allowlist parse failures fail open only in development unless
	// overridden explicitly.
	if v := os.Getenv("IP_ALLOWLIST_FAIL_OPEN"); v != "" {
		c.IPAllowlistFailOpen = v == "true" || v == "1"
	} else {
		c.IPAllowlistFailOpen = c.IsDevelopment()
	}

	return c
}

// IsDevelopment reports whether the environment permits development-only
// providers (local signer, filesystem blobs, default secrets).
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvTest
}

// Validate enforces the startup fail-fast rules. A non-nil error means the
// process must not begin serving traffic.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTest, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown ENVIRONMENT %q", c.Environment)
	}

	switch c.SigningKeyProvider {
	case ProviderLocal, ProviderAWSKMS:
	default:
		return fmt.Errorf("config: unknown SIGNING_KEY_PROVIDER %q", c.SigningKeyProvider)
	}
	switch c.WebhookEncryptionProvider {
	case ProviderLocal, ProviderAWSKMS:
	default:
		return fmt.Errorf("config: unknown WEBHOOK_ENCRYPTION_PROVIDER %q", c.WebhookEncryptionProvider)
	}

	if c.WebhookEncryptionProvider == ProviderLocal && c.LocalEncryptionSalt == "" {
		return fmt.Errorf("config: LOCAL_ENCRYPTION_SALT is required when WEBHOOK_ENCRYPTION_PROVIDER=local")
	}
	if c.SigningKeyProvider == ProviderAWSKMS && c.SigningKeyID == "" {
		return fmt.Errorf("config: SIGNING_KEY_ID is required when SIGNING_KEY_PROVIDER=aws_kms")
	}
	if c.WebhookEncryptionProvider == ProviderAWSKMS && c.WebhookKMSKeyID == "" {
		return fmt.Errorf("config: WEBHOOK_ENCRYPTION_KEY_ID is required when WEBHOOK_ENCRYPTION_PROVIDER=aws_kms")
	}

	if c.IsDevelopment() {
		return nil
	}

	// Staging and production hard requirements.
	if c.SigningKeyProvider == ProviderLocal {
		return fmt.Errorf("config: SIGNING_KEY_PROVIDER=local is not permitted in %s", c.Environment)
	}
	if c.WebhookEncryptionProvider == ProviderLocal {
		return fmt.Errorf("config: WEBHOOK_ENCRYPTION_PROVIDER=local is not permitted in %s", c.Environment)
	}
	if c.ServerSecret == DevServerSecret {
		return fmt.Errorf("config: SERVER_SECRET must be set in %s", c.Environment)
	}
	switch c.BlobProvider {
	case BlobS3:
		if c.BlobEndpoint == "" || c.BlobAccessKey == "" || c.BlobSecretKey == "" || c.BlobBucket == "" {
			return fmt.Errorf("config: BLOB_ENDPOINT, BLOB_ACCESS_KEY, BLOB_SECRET_KEY and BLOB_BUCKET are required in %s", c.Environment)
		}
	case BlobGCS:
		if c.BlobBucket == "" {
			return fmt.Errorf("config: BLOB_BUCKET is required in %s", c.Environment)
		}
	case BlobFS:
		return fmt.Errorf("config: BLOB_PROVIDER=fs is not permitted in %s", c.Environment)
	default:
		return fmt.Errorf("config: unknown BLOB_PROVIDER %q", c.BlobProvider)
	}

	return nil
}

func defaultBlobProvider(env string) string {
	if env == EnvDevelopment || env == EnvTest {
		return BlobFS
	}
	return BlobS3
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}
