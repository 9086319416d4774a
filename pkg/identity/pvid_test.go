package identity_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/identity"
)

func TestDerivePVIDFormat(t *testing.T) {
	pvid, err := identity.DerivePVID("https://cdn.example.com/track.flac", map[string]string{"audio_hash": "abc123"}, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(pvid, "PVID-"))
	suffix := strings.TrimPrefix(pvid, "PVID-")
	assert.Len(t, suffix, 16)
	assert.Equal(t, strings.ToUpper(suffix), suffix)
}

func TestDerivePVIDDeterministic(t *testing.T) {
	fingerprints := map[string]string{"audio_hash": "ah-1", "perceptual_hash": "ph-1"}
	metadata := map[string]any{"title": "Night Drive", "duration": 214}

	a, err := identity.DerivePVID("ref-1", fingerprints, metadata)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := identity.DerivePVID("ref-1", fingerprints, metadata)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestDerivePVIDEmptyInputs(t *testing.T) {
	pvid, err := identity.DerivePVID("", nil, nil)
	require.NoError(t, err)
	// SHA-256 of the empty pre-image, first 16 hex chars uppercased.
	assert.Equal(t, "PVID-E3B0C44298FC1C14", pvid)
}

func TestDerivePVIDNormalizesContentRef(t *testing.T) {
	// "é" precomposed (U+00E9) vs combining form (U+0065 U+0301).
	composed, err := identity.DerivePVID("café", nil, nil)
	require.NoError(t, err)
	decomposed, err := identity.DerivePVID("café", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestDerivePVIDNormalizesMetadata(t *testing.T) {
	a, err := identity.DerivePVID("", nil, map[string]any{"title": "  Night Drive "})
	require.NoError(t, err)
	b, err := identity.DerivePVID("", nil, map[string]any{"title": "night drive"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	nestedA, err := identity.DerivePVID("", nil, map[string]any{
		"credits": map[string]any{"producer": "AVA "}, "tags": []any{"Lo-Fi"},
	})
	require.NoError(t, err)
	nestedB, err := identity.DerivePVID("", nil, map[string]any{
		"credits": map[string]any{"producer": "ava"}, "tags": []any{"lo-fi"},
	})
	require.NoError(t, err)
	assert.Equal(t, nestedA, nestedB)
}

func TestDerivePVIDSkipsEmptyFingerprints(t *testing.T) {
	withEmpty, err := identity.DerivePVID("ref", map[string]string{"audio_hash": "x", "video_hash": ""}, nil)
	require.NoError(t, err)
	without, err := identity.DerivePVID("ref", map[string]string{"audio_hash": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, without, withEmpty)
}

func TestDerivePVIDDistinguishesContent(t *testing.T) {
	a, err := identity.DerivePVID("ref", map[string]string{"audio_hash": "x"}, nil)
	require.NoError(t, err)
	b, err := identity.DerivePVID("ref", map[string]string{"audio_hash": "y"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	c, err := identity.DerivePVID("other-ref", map[string]string{"audio_hash": "x"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
