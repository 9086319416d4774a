package crypto

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/originhq/origin/pkg/config"
)

// NewSigner builds the certificate signer named by cfg.SigningKeyProvider.
func NewSigner(ctx context.Context, cfg *config.Config) (Signer, error) {
	switch cfg.SigningKeyProvider {
	case config.ProviderLocal:
		return NewLocalSigner(cfg.SigningKeyID, cfg.SigningKeyPath)
	case config.ProviderAWSKMS:
		client, err := kmsClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewKMSSigner(ctx, client, cfg.SigningKeyID)
	default:
		return nil, fmt.Errorf("crypto: unknown signing provider %q", cfg.SigningKeyProvider)
	}
}

// NewEncryption builds the webhook-secret encryption provider named by
// cfg.WebhookEncryptionProvider.
func NewEncryption(ctx context.Context, cfg *config.Config) (EncryptionProvider, error) {
	switch cfg.WebhookEncryptionProvider {
	case config.ProviderLocal:
		return NewLocalEncryption(cfg.ServerSecret, cfg.LocalEncryptionSalt)
	case config.ProviderAWSKMS:
		client, err := kmsClient(ctx)
		if err != nil {
			return nil, err
		}
		return NewKMSEncryption(ctx, client, cfg.WebhookKMSKeyID)
	default:
		return nil, fmt.Errorf("crypto: unknown encryption provider %q", cfg.WebhookEncryptionProvider)
	}
}

func kmsClient(ctx context.Context) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}
