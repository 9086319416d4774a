package evidence_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originhq/origin/pkg/certificate"
	"github.com/originhq/origin/pkg/evidence"
	"github.com/originhq/origin/pkg/features"
	"github.com/originhq/origin/pkg/inference"
	"github.com/originhq/origin/pkg/policy"
	"github.com/originhq/origin/pkg/store"
)

func renderDoc(t *testing.T) *evidence.Document {
	t.Helper()
	issued := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	cert := &certificate.Certificate{
		ID: "cert_1", TenantID: "ten_a", UploadID: "up_1",
		PolicyProfileID: "baseline", PolicyVersion: "v1.0",
		InputsHash:  strings.Repeat("a", 64),
		OutputsHash: strings.Repeat("b", 64),
		LedgerHash:  strings.Repeat("c", 64),
		KeyID:       "key-test", Alg: "PS256",
		Signature:         strings.Repeat("s", 60),
		SignatureEncoding: "base64url", SignedPayload: "{}",
		IssuedAt: issued,
	}
	decisionInputs, err := json.Marshal(map[string]any{
		"features": &features.Features{AccountAgeDays: 3},
		"signals":  &inference.Signals{Risk: 0.65, Assurance: 0.44},
		"outcome": &policy.Outcome{
			Decision: "REVIEW", ReasonCodes: []string{"NEW_IDENTITY"},
		},
	})
	require.NoError(t, err)
	up := &store.Upload{
		ID: "up_1", TenantID: "ten_a", ExternalID: "ext (weird) id",
		AccountID: "acc_1", PVID: "PVID-0123456789ABCDEF",
		Metadata: map[string]any{"title": "<script>alert(1)</script>"},
		Decision: "REVIEW", DecisionInputs: decisionInputs,
		ReceivedAt: issued.Add(-time.Minute),
	}
	doc, err := evidence.NewDocument(cert, up, 7)
	require.NoError(t, err)
	return doc
}

func TestNormalizeFormats(t *testing.T) {
	formats, err := evidence.NormalizeFormats("pdf,json")
	require.NoError(t, err)
	assert.Equal(t, []string{"json", "pdf"}, formats)

	formats, err = evidence.NormalizeFormats(" PDF , pdf ,Json ")
	require.NoError(t, err)
	assert.Equal(t, []string{"json", "pdf"}, formats)

	_, err = evidence.NormalizeFormats("exe")
	assert.ErrorIs(t, err, evidence.ErrInvalidFormat)
	_, err = evidence.NormalizeFormats("")
	assert.ErrorIs(t, err, evidence.ErrInvalidFormat)
	_, err = evidence.NormalizeFormats(",,")
	assert.ErrorIs(t, err, evidence.ErrInvalidFormat)
}

func TestTaskIDDeterministic(t *testing.T) {
	a := evidence.TaskID("ten_a", "cert_1", []string{"json", "pdf"})
	b := evidence.TaskID("ten_a", "cert_1", []string{"json", "pdf"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "evidence_pack_"))
	assert.Len(t, a, len("evidence_pack_")+32)

	assert.NotEqual(t, a, evidence.TaskID("ten_a", "cert_1", []string{"json"}))
	assert.NotEqual(t, a, evidence.TaskID("ten_b", "cert_1", []string{"json", "pdf"}))

	retry := evidence.RetryTaskID(a, time.Unix(1770000000, 0))
	assert.Equal(t, a+"_retry_1770000000", retry)
}

func TestDocumentJSONIsCanonical(t *testing.T) {
	doc := renderDoc(t)

	data, err := doc.JSON()
	require.NoError(t, err)
	again, err := doc.JSON()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{
		"certificate", "upload", "features", "signals",
		"decision", "reasons", "chain_position", "evidence_version",
	}, keys)
	assert.Equal(t, "1.0", m["evidence_version"])
	assert.Equal(t, float64(7), m["chain_position"])
	assert.Equal(t, "REVIEW", m["decision"])
	assert.Equal(t, []any{"NEW_IDENTITY"}, m["reasons"])

	certMap := m["certificate"].(map[string]any)
	assert.Equal(t, "cert_1", certMap["certificate_id"])
	assert.Equal(t, strings.Repeat("c", 64), certMap["ledger_hash"])

	upMap := m["upload"].(map[string]any)
	assert.Equal(t, "up_1", upMap["ingestion_id"])
	assert.Equal(t, "PVID-0123456789ABCDEF", upMap["pvid"])
}

func TestDocumentPDFWellFormed(t *testing.T) {
	doc := renderDoc(t)
	data, err := doc.PDF()
	require.NoError(t, err)

	s := string(data)
	assert.True(t, strings.HasPrefix(s, "%PDF-1.4\n"))
	assert.True(t, strings.HasSuffix(s, "%%EOF\n"))
	assert.Contains(t, s, "(ORIGIN Decision Certificate)")
	assert.Contains(t, s, "xref")
	assert.Contains(t, s, "trailer")
	assert.Contains(t, s, "/Root 1 0 R")
	// Literal-string metacharacters in field values are escaped.
	assert.Contains(t, s, `ext \(weird\) id`)
}

func TestDocumentHTMLEscapes(t *testing.T) {
	doc := renderDoc(t)
	data, err := doc.HTML()
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, "<!DOCTYPE html>")
	assert.Contains(t, s, "cert_1")
	assert.Contains(t, s, "NEW_IDENTITY")
	assert.Contains(t, s, "65.00")
	assert.Contains(t, s, "44.00")
	assert.NotContains(t, s, "<script>alert")
}

func TestDocumentRenderUnknownFormat(t *testing.T) {
	doc := renderDoc(t)
	_, err := doc.Render("docx")
	assert.ErrorIs(t, err, evidence.ErrInvalidFormat)
}

func TestNewDocumentRejectsUnreadableInputs(t *testing.T) {
	up := &store.Upload{ID: "up_1", DecisionInputs: json.RawMessage(`{"features": 42}`)}
	_, err := evidence.NewDocument(&certificate.Certificate{}, up, 1)
	assert.Error(t, err)
}

func TestNewDocumentToleratesMissingInputs(t *testing.T) {
	up := &store.Upload{ID: "up_1", Decision: "ALLOW"}
	doc, err := evidence.NewDocument(&certificate.Certificate{ID: "cert_x"}, up, 1)
	require.NoError(t, err)
	assert.NotNil(t, doc.Features)
	assert.NotNil(t, doc.Signals)
	assert.Empty(t, doc.Reasons)

	_, err = doc.JSON()
	assert.NoError(t, err)
	_, err = doc.PDF()
	assert.NoError(t, err)
}
