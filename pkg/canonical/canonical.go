// Package canonical provides the RFC 8785 (JSON Canonicalization Scheme)
// encoding used as the sole pre-image for every hash and signature in ORIGIN:
// ledger events, certificate payloads, inputs/outputs hashes, and PVID
// metadata components all pass through the same encoder.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v.
//
// The value is first marshaled with encoding/json so struct tags are
// respected, then transformed to canonical form: keys sorted by UTF-16 code
// units, no insignificant whitespace, shortest-form numbers, no HTML escaping.
func Marshal(v any) ([]byte, error) {
	if hasNaNOrInf(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("canonical: value contains NaN or Infinity")
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex-encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MustMarshal is Marshal for values known to be encodable, such as maps of
// plain strings built by the caller. It panics on error.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// hasNaNOrInf walks v looking for float values JSON cannot represent.
// RFC 8785 forbids them and jcs.Transform would otherwise see them only
// after a marshal failure with a less useful message.
func hasNaNOrInf(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if hasNaNOrInf(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasNaNOrInf(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if hasNaNOrInf(v.Field(i)) {
				return true
			}
		}
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			return hasNaNOrInf(v.Elem())
		}
	}
	return false
}
