package crypto

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the AWS KMS client the signer uses.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs via AWS KMS with RSASSA_PSS_SHA_256. The private key never
// leaves KMS; the public key is fetched once and cached for JWKS.
type KMSSigner struct {
	client KMSAPI
	keyID  string

	mu  sync.Mutex
	pub *rsa.PublicKey
}

// NewKMSSigner builds a KMS-backed signer. It performs a GetPublicKey probe
// so startup fails fast when the key is unreachable or lacks permissions.
func NewKMSSigner(ctx context.Context, client KMSAPI, keyID string) (*KMSSigner, error) {
	s := &KMSSigner{client: client, keyID: keyID}
	if _, err := s.publicKey(ctx); err != nil {
		return nil, fmt.Errorf("crypto: kms key %s unusable: %w", keyID, err)
	}
	return s, nil
}

func (s *KMSSigner) Sign(ctx context.Context, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPssSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: kms sign failed: %w", err)
	}
	return out.Signature, nil
}

func (s *KMSSigner) KeyID() string { return s.keyID }

func (s *KMSSigner) PublicJWK(ctx context.Context) (JWK, error) {
	pub, err := s.publicKey(ctx)
	if err != nil {
		return JWK{}, err
	}
	return JWKFromRSAPublicKey(s.keyID, pub), nil
}

func (s *KMSSigner) publicKey(ctx context.Context) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return s.pub, nil
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(s.keyID)})
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	pub, err := parseRSAPublicKeyDER(out.PublicKey)
	if err != nil {
		return nil, err
	}
	s.pub = pub
	return pub, nil
}

func parseRSAPublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key DER: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("kms key is not RSA")
	}
	return pub, nil
}
