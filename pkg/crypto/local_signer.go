package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// LocalSigner signs with an RSA private key held in a PEM file on disk.
// Development only: config validation refuses it elsewhere.
type LocalSigner struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewLocalSigner loads the PEM key at path, generating a 2048-bit key there
// on first use.
func NewLocalSigner(keyID, path string) (*LocalSigner, error) {
	key, err := loadOrGenerateKey(path)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{keyID: keyID, key: key}, nil
}

// NewLocalSignerFromKey wraps an existing private key. Used by tests and by
// rotation tooling that manages key material itself.
func NewLocalSignerFromKey(keyID string, key *rsa.PrivateKey) *LocalSigner {
	return &LocalSigner{keyID: keyID, key: key}
}

func (s *LocalSigner) Sign(_ context.Context, data []byte) ([]byte, error) {
	sig, err := ps256.Sign(string(data), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: local sign failed: %w", err)
	}
	return sig, nil
}

func (s *LocalSigner) KeyID() string { return s.keyID }

func (s *LocalSigner) PublicJWK(_ context.Context) (JWK, error) {
	return JWKFromRSAPublicKey(s.keyID, &s.key.PublicKey), nil
}

func loadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("crypto: %s contains no PEM block", path)
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("crypto: parse %s: %w", path, err)
			}
			key, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("crypto: %s does not hold an RSA key", path)
			}
			return key, nil
		default:
			return nil, fmt.Errorf("crypto: unexpected PEM type %q in %s", block.Type, path)
		}
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("crypto: read %s: %w", path, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create key dir: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write %s: %w", path, err)
	}
	return key, nil
}
