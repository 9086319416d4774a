// Package api provides RFC 7807 Problem Detail responses, correlation
// propagation, request validation, and durable idempotency for the ORIGIN API.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// ErrorCode is the stable machine-readable code clients switch on.
	ErrorCode string `json:"error_code,omitempty"`
	// CorrelationID links the response to request and worker logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const maxDetailLen = 200

// WriteProblem writes an RFC 7807 Problem Detail JSON response enriched with
// the request's correlation id. Details are capped so backend error text
// never leaks wholesale to clients.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, errorCode string) {
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://origin.dev/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		ErrorCode: errorCode,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.CorrelationID = CorrelationID(r.Context())
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "Bad Request", detail, "validation_error")
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail, errorCode string) {
	if detail == "" {
		detail = "Authentication required"
	}
	if errorCode == "" {
		errorCode = "invalid_api_key"
	}
	WriteProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail, errorCode)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail, errorCode string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteProblem(w, r, http.StatusForbidden, "Forbidden", detail, errorCode)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, "Not Found", detail, "not_found")
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, r, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint", "method_not_allowed")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail, errorCode string) {
	WriteProblem(w, r, http.StatusConflict, "Conflict", detail, errorCode)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.", "rate_limited")
}

// WriteUnavailable writes a 503 error response with a Retry-After header.
// Used for transient infrastructure failures: broker, cache, blob, KMS.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, detail, errorCode string, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", detail, errorCode)
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "correlation_id", CorrelationID(r.Context()))
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.", "internal_error")
}

// WriteJSON writes a success response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
