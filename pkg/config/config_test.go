package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func devConfig() *Config {
	c := Load()
	c.Environment = EnvDevelopment
	return c
}

func TestLoad_Defaults(t *testing.T) {
	c := Load()

	require.Equal(t, EnvDevelopment, c.Environment)
	require.Equal(t, ":8000", c.ListenAddr)
	require.Equal(t, "INFO", c.LogLevel)
	require.Equal(t, 600, c.RateLimitTTLSeconds)
	require.Equal(t, c.RateLimitRPM, c.RateLimitBurst)
	require.Equal(t, 3600, c.EvidenceSignedURLTTL)
	require.Equal(t, 5, c.WebhookMaxRetries)
	require.Equal(t, BlobFS, c.BlobProvider)
	require.True(t, c.IPAllowlistFailOpen)
	require.False(t, c.LegacyAPIKeyFallback)
}

func TestValidate_DevelopmentAllowsLocalProviders(t *testing.T) {
	c := devConfig()
	c.SigningKeyProvider = ProviderLocal
	c.WebhookEncryptionProvider = ProviderLocal
	c.LocalEncryptionSalt = "salt"

	require.NoError(t, c.Validate())
}

func TestValidate_ProductionRejectsLocalSigner(t *testing.T) {
	c := devConfig()
	c.Environment = EnvProduction
	c.SigningKeyProvider = ProviderLocal
	c.WebhookEncryptionProvider = ProviderAWSKMS
	c.WebhookKMSKeyID = "key-wh"
	c.LocalEncryptionSalt = ""
	c.ServerSecret = "real-secret"

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "SIGNING_KEY_PROVIDER=local")
}

func TestValidate_ProductionRejectsDevServerSecret(t *testing.T) {
	c := devConfig()
	c.Environment = EnvProduction
	c.SigningKeyProvider = ProviderAWSKMS
	c.SigningKeyID = "arn:aws:kms:us-east-1:1:key/abc"
	c.WebhookEncryptionProvider = ProviderAWSKMS
	c.WebhookKMSKeyID = "key-wh"

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "SERVER_SECRET")
}

func TestValidate_KMSEncryptionRequiresKeyID(t *testing.T) {
	c := devConfig()
	c.WebhookEncryptionProvider = ProviderAWSKMS
	c.WebhookKMSKeyID = ""

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "WEBHOOK_ENCRYPTION_KEY_ID")
}

func TestValidate_LocalEncryptionRequiresSalt(t *testing.T) {
	c := devConfig()
	c.WebhookEncryptionProvider = ProviderLocal
	c.LocalEncryptionSalt = ""

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "LOCAL_ENCRYPTION_SALT")
}

func TestValidate_ProductionRequiresBlobCredentials(t *testing.T) {
	c := devConfig()
	c.Environment = EnvStaging
	c.SigningKeyProvider = ProviderAWSKMS
	c.SigningKeyID = "key-1"
	c.WebhookEncryptionProvider = ProviderAWSKMS
	c.WebhookKMSKeyID = "key-wh"
	c.ServerSecret = "real-secret"
	c.BlobProvider = BlobS3
	c.BlobEndpoint = ""

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "BLOB_ENDPOINT")

	c.BlobProvider = BlobFS
	err = c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "BLOB_PROVIDER=fs")
}

func TestValidate_UnknownEnvironment(t *testing.T) {
	c := devConfig()
	c.Environment = "qa"
	require.Error(t, c.Validate())
}
