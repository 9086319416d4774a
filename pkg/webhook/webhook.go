// Package webhook delivers signed event notifications to tenant-registered
// endpoints. Deliveries are durable rows: the dispatcher enqueues one pending
// row per subscribed endpoint, and the sender claims due rows, performs one
// HTTP attempt each, and either finishes the row or schedules the next
// attempt. Exhausted deliveries are retained as dead_lettered.
package webhook

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Delivery statuses. A pending row is due for sending; delivering marks a
// claimed row; delivered, failed and dead_lettered are terminal for the row.
// A failed row is superseded by the retry row scheduled after it.
const (
	StatusPending      = "pending"
	StatusDelivering   = "delivering"
	StatusDelivered    = "delivered"
	StatusFailed       = "failed"
	StatusDeadLettered = "dead_lettered"
)

// Headers carried on every outbound delivery.
const (
	SignatureHeader     = "X-Origin-Signature"
	TimestampHeader     = "X-Origin-Timestamp"
	EventHeader         = "X-Origin-Event"
	EventIDHeader       = "X-Origin-Event-Id"
	CorrelationIDHeader = "X-Origin-Correlation-Id"
)

// EventTest is the event type sent by the webhook test endpoint. Endpoints
// receive it only when subscribed to it.
const EventTest = "webhook.test"

// SecretPrefix marks raw webhook secrets. The prefix lets receivers and
// support tooling recognize a leaked value on sight.
const SecretPrefix = "whsec_"

// Webhook is a tenant-registered endpoint. The secret is stored encrypted
// and decrypted only at send time; Secret carries the raw value exactly
// once, on the create response.
type Webhook struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`

	Secret          string `json:"secret,omitempty"`
	EncryptedSecret string `json:"-"`
}

// SubscribedTo reports whether the webhook receives eventType.
func (w *Webhook) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Delivery is one attempt at sending one event to one endpoint. Payload
// holds the exact body bytes that will be signed and transmitted.
type Delivery struct {
	ID            string     `json:"id"`
	WebhookID     string     `json:"webhook_id"`
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"-"`
	Attempt       int        `json:"attempt"`
	Status        string     `json:"status"`
	ResponseCode  int        `json:"response_code,omitempty"`
	Error         string     `json:"error,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// GenerateSecret returns a fresh raw webhook secret: the whsec_ prefix plus
// 32 random bytes base64url-encoded without padding.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("webhook: failed to generate secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// NormalizeEvents sorts and de-duplicates an event subscription list,
// rejecting names that cannot survive the CSV storage encoding.
func NormalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("webhook: at least one event is required")
	}
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" || strings.ContainsAny(e, ", ") {
			return nil, fmt.Errorf("webhook: invalid event name %q", e)
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}

// eventsCSV encodes a normalized event list for storage.
func eventsCSV(events []string) string {
	return strings.Join(events, ",")
}

// eventsFromCSV decodes a stored subscription list.
func eventsFromCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}
