package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/crypto/pbkdf2"
)

// EncryptionProvider encrypts small secrets at rest (webhook signing keys).
// Ciphertext is an opaque string safe to store in a text column.
type EncryptionProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

const localCiphertextPrefix = "o1:"

// LocalEncryption derives an AES-256-GCM key from a secret and a
// per-installation salt via PBKDF2-SHA256. The salt comes from configuration
// and is never a fixed constant; config validation rejects an empty salt.
type LocalEncryption struct {
	aead cipher.AEAD
}

// NewLocalEncryption builds the development encryption provider.
func NewLocalEncryption(secret, salt string) (*LocalEncryption, error) {
	if salt == "" {
		return nil, fmt.Errorf("crypto: local encryption requires a salt")
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init: %w", err)
	}
	return &LocalEncryption{aead: aead}, nil
}

func (l *LocalEncryption) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := l.aead.Seal(nonce, nonce, plaintext, nil)
	return localCiphertextPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (l *LocalEncryption) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, localCiphertextPrefix) {
		return nil, fmt.Errorf("crypto: unrecognized ciphertext format")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, localCiphertextPrefix))
	if err != nil {
		return nil, fmt.Errorf("crypto: ciphertext decode: %w", err)
	}
	ns := l.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	plaintext, err := l.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// KMSEncryptionAPI is the subset of the AWS KMS client used for secrets.
type KMSEncryptionAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

const kmsCiphertextPrefix = "kms:"

// KMSEncryption delegates to AWS KMS. Required outside development.
type KMSEncryption struct {
	client KMSEncryptionAPI
	keyID  string
}

// NewKMSEncryption validates the key with DescribeKey so misconfiguration
// fails at startup, not on the first webhook registration.
func NewKMSEncryption(ctx context.Context, client KMSEncryptionAPI, keyID string) (*KMSEncryption, error) {
	if _, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)}); err != nil {
		return nil, fmt.Errorf("crypto: kms encryption key %s unusable: %w", keyID, err)
	}
	return &KMSEncryption{client: client, keyID: keyID}, nil
}

func (k *KMSEncryption) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(k.keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return "", fmt.Errorf("crypto: kms encrypt: %w", err)
	}
	return kmsCiphertextPrefix + base64.RawURLEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (k *KMSEncryption) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, kmsCiphertextPrefix) {
		return nil, fmt.Errorf("crypto: unrecognized ciphertext format")
	}
	blob, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, kmsCiphertextPrefix))
	if err != nil {
		return nil, fmt.Errorf("crypto: ciphertext decode: %w", err)
	}
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, fmt.Errorf("crypto: kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}
