package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas, compiled once at startup. Validation failures map to
// 400 responses with error_code "validation_error".
const (
	SchemaIngest = "ingest"

	ingestSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["account_external_id", "upload_external_id"],
		"properties": {
			"account_external_id": {"type": "string", "minLength": 1, "maxLength": 256},
			"upload_external_id":  {"type": "string", "minLength": 1, "maxLength": 256},
			"device_external_id":  {"type": "string", "maxLength": 256},
			"content_ref":         {"type": "string", "maxLength": 1024},
			"metadata":            {"type": "object"},
			"fingerprints":        {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"additionalProperties": false
	}`

	SchemaEvidenceCreate = "evidence_create"

	evidenceCreateSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["certificate_id"],
		"properties": {
			"certificate_id": {"type": "string", "minLength": 1},
			"format":         {"type": "string", "pattern": "^[a-z]+(,[a-z]+)*$"}
		},
		"additionalProperties": false
	}`

	SchemaWebhookCreate = "webhook_create"

	webhookCreateSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["url", "events"],
		"properties": {
			"url":    {"type": "string", "pattern": "^https?://", "maxLength": 2048},
			"events": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
		},
		"additionalProperties": false
	}`

	SchemaTenantCreate = "tenant_create"

	tenantCreateSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["label"],
		"properties": {
			"label":             {"type": "string", "minLength": 1, "maxLength": 128},
			"policy_profile_id": {"type": "string"}
		},
		"additionalProperties": false
	}`
)

var schemas = map[string]*jsonschema.Schema{}

func init() {
	sources := map[string]string{
		SchemaIngest:         ingestSchema,
		SchemaEvidenceCreate: evidenceCreateSchema,
		SchemaWebhookCreate:  webhookCreateSchema,
		SchemaTenantCreate:   tenantCreateSchema,
	}
	for name, src := range sources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://origin.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("api: schema %s load failed: %v", name, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("api: schema %s compile failed: %v", name, err))
		}
		schemas[name] = compiled
	}
}

// ValidateRequest checks raw JSON against the named schema. The returned
// error message is safe to surface in a 400 problem detail.
func ValidateRequest(name string, raw []byte) error {
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("body is not valid JSON")
	}

	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fmt.Errorf("%s", flattenCause(ve))
		}
		return err
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flattenCause walks to the most specific failure so the client sees the
// field that broke, not the schema root.
func flattenCause(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), ve.Message)
}
