package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/originhq/origin/pkg/canonical"
)

// DerivePVID computes the deterministic provenance identifier for a
// submission. Two uploads with the same content reference, fingerprints,
// and normalized metadata produce the same PVID regardless of tenant,
// account, or time, which is what lets prior sightings carry negative
// provenance forward.
//
// Pre-image: `content_ref:<nfc>`, `fingerprint:<key>:<value>` per
// fingerprint sorted by key (empty values skipped), and
// `metadata:<canonical json>` of the normalized metadata, joined with `|`.
func DerivePVID(contentRef string, fingerprints map[string]string, metadata map[string]any) (string, error) {
	var components []string

	if contentRef != "" {
		components = append(components, "content_ref:"+norm.NFC.String(contentRef))
	}

	keys := make([]string, 0, len(fingerprints))
	for k := range fingerprints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := fingerprints[k]; v != "" {
			components = append(components, fmt.Sprintf("fingerprint:%s:%s", k, v))
		}
	}

	if len(metadata) > 0 {
		canonicalJSON, err := canonical.Marshal(normalizeMetadata(metadata))
		if err != nil {
			return "", fmt.Errorf("identity: failed to canonicalize metadata: %w", err)
		}
		components = append(components, "metadata:"+string(canonicalJSON))
	}

	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return "PVID-" + strings.ToUpper(hex.EncodeToString(sum[:])[:16]), nil
}

// normalizeMetadata folds string values so cosmetic differences (case,
// surrounding whitespace, Unicode composition) do not split provenance
// history across distinct PVIDs.
func normalizeMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(strings.ToLower(strings.TrimSpace(t)))
	case map[string]any:
		return normalizeMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
