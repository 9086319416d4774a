package crypto

import (
	"context"
	"fmt"
	"sync"
)

// KeyRing holds the active signer plus older keys still published for
// verification. New signatures always use the active key; rotation adds a
// key and marks it active without dropping predecessors from JWKS.
type KeyRing struct {
	mu       sync.RWMutex
	signers  map[string]Signer
	order    []string // insertion order, oldest first
	activeID string
}

// NewKeyRing creates a keyring with an initial active signer.
func NewKeyRing(active Signer) *KeyRing {
	k := &KeyRing{signers: make(map[string]Signer)}
	k.add(active, true)
	return k
}

// AddKey registers a signer. When markActive is true it becomes the signing
// key; otherwise it is published for verification only.
func (k *KeyRing) AddKey(s Signer, markActive bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.add(s, markActive)
}

func (k *KeyRing) add(s Signer, markActive bool) {
	id := s.KeyID()
	if _, exists := k.signers[id]; !exists {
		k.order = append(k.order, id)
	}
	k.signers[id] = s
	if markActive || k.activeID == "" {
		k.activeID = id
	}
}

// ActiveKeyID returns the id of the key used for new signatures.
func (k *KeyRing) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

// Sign signs data with the active key and reports which key was used.
func (k *KeyRing) Sign(ctx context.Context, data []byte) (sig []byte, keyID string, err error) {
	k.mu.RLock()
	active := k.signers[k.activeID]
	keyID = k.activeID
	k.mu.RUnlock()

	if active == nil {
		return nil, "", fmt.Errorf("crypto: keyring has no active key")
	}
	sig, err = active.Sign(ctx, data)
	return sig, keyID, err
}

// PublicJWKS returns every registered key, oldest first, so verifiers can
// check signatures made under previous keys.
func (k *KeyRing) PublicJWKS(ctx context.Context) (JWKS, error) {
	k.mu.RLock()
	ids := append([]string(nil), k.order...)
	signers := make([]Signer, 0, len(ids))
	for _, id := range ids {
		signers = append(signers, k.signers[id])
	}
	k.mu.RUnlock()

	set := JWKS{Keys: make([]JWK, 0, len(signers))}
	for _, s := range signers {
		jwk, err := s.PublicJWK(ctx)
		if err != nil {
			return JWKS{}, fmt.Errorf("crypto: jwk for %s: %w", s.KeyID(), err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// VerifyKey verifies a signature under the named key.
func (k *KeyRing) VerifyKey(ctx context.Context, keyID string, payload, sig []byte) error {
	k.mu.RLock()
	signer, exists := k.signers[keyID]
	k.mu.RUnlock()

	if !exists {
		return fmt.Errorf("crypto: unknown key %s", keyID)
	}
	jwk, err := signer.PublicJWK(ctx)
	if err != nil {
		return err
	}
	return VerifyPS256(jwk, payload, sig)
}
