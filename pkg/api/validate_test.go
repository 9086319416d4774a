package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRequest_IngestValid(t *testing.T) {
	body := []byte(`{
		"account_external_id": "u1",
		"upload_external_id": "up1",
		"metadata": {"title": "x"},
		"fingerprints": {"phash": "abc123"}
	}`)
	require.NoError(t, ValidateRequest(SchemaIngest, body))
}

func TestValidateRequest_IngestMissingAccount(t *testing.T) {
	body := []byte(`{"upload_external_id": "up1"}`)
	err := ValidateRequest(SchemaIngest, body)
	require.Error(t, err)
	require.Contains(t, err.Error(), "account_external_id")
}

func TestValidateRequest_IngestRejectsUnknownField(t *testing.T) {
	body := []byte(`{"account_external_id": "u1", "upload_external_id": "up1", "surprise": 1}`)
	require.Error(t, ValidateRequest(SchemaIngest, body))
}

func TestValidateRequest_NotJSON(t *testing.T) {
	err := ValidateRequest(SchemaIngest, []byte(`{"account_external_id":`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not valid JSON")
}

func TestValidateRequest_EvidenceFormatPattern(t *testing.T) {
	require.NoError(t, ValidateRequest(SchemaEvidenceCreate, []byte(`{"certificate_id":"c1","format":"json,pdf"}`)))
	require.Error(t, ValidateRequest(SchemaEvidenceCreate, []byte(`{"certificate_id":"c1","format":"json,,pdf"}`)))
	require.Error(t, ValidateRequest(SchemaEvidenceCreate, []byte(`{"format":"json"}`)))
}

func TestValidateRequest_WebhookURL(t *testing.T) {
	require.NoError(t, ValidateRequest(SchemaWebhookCreate, []byte(`{"url":"https://example.com/hook","events":["decision.created"]}`)))
	require.Error(t, ValidateRequest(SchemaWebhookCreate, []byte(`{"url":"ftp://example.com","events":["decision.created"]}`)))
	require.Error(t, ValidateRequest(SchemaWebhookCreate, []byte(`{"url":"https://example.com/hook","events":[]}`)))
}

func TestValidateRequest_TenantLabel(t *testing.T) {
	require.NoError(t, ValidateRequest(SchemaTenantCreate, []byte(`{"label":"acme"}`)))
	require.Error(t, ValidateRequest(SchemaTenantCreate, []byte(`{}`)))
}
