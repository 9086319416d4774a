// Package crypto provides the ORIGIN signing abstraction (local RSA or AWS
// KMS), JWKS publication with key rotation, and the secret encryption
// provider. Every certificate signature uses PS256: RSASSA-PSS with SHA-256,
// salt length equal to the hash length, MGF1-SHA-256. The JWK alg field, the
// certificate alg field, and the signature bytes always agree.
package crypto

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// Alg is the only signature algorithm ORIGIN issues certificates under.
const Alg = "PS256"

// SignatureEncoding describes how signature bytes are stored and transported.
const SignatureEncoding = "base64url"

// ps256 is the JOSE signing method implementing the exact PSS parameters the
// spec requires (salt length = hash length).
var ps256 = jwt.SigningMethodPS256

// Signer signs canonical payload bytes and advertises its public key.
type Signer interface {
	// Sign returns the raw signature over data.
	Sign(ctx context.Context, data []byte) ([]byte, error)
	// KeyID identifies the key used by Sign.
	KeyID() string
	// PublicJWK returns the verification key in JWK form.
	PublicJWK(ctx context.Context) (JWK, error)
}

// JWK is a JSON Web Key restricted to the RSA signing profile ORIGIN uses.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a JWK Set as served from /v1/keys/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKFromRSAPublicKey builds the JWK for an RSA public key.
func JWKFromRSAPublicKey(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: Alg,
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// RSAPublicKeyFromJWK reconstructs the RSA public key from a JWK.
func RSAPublicKeyFromJWK(k JWK) (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("crypto: unsupported kty %q", k.Kty)
	}
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// VerifyPS256 verifies sig over payload using the key advertised in jwk.
// A single flipped bit in payload or sig fails verification.
func VerifyPS256(jwk JWK, payload, sig []byte) error {
	if jwk.Alg != Alg {
		return fmt.Errorf("crypto: jwk alg %q is not %s", jwk.Alg, Alg)
	}
	pub, err := RSAPublicKeyFromJWK(jwk)
	if err != nil {
		return err
	}
	if err := ps256.Verify(string(payload), sig, pub); err != nil {
		return fmt.Errorf("crypto: signature verification failed: %w", err)
	}
	return nil
}

// EncodeSignature renders raw signature bytes in the stored wire form.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// DecodeSignature parses the stored wire form back to raw bytes.
func DecodeSignature(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
