package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/canonical"
)

// Dispatcher fans an event out to the tenant's subscribed endpoints as
// durable delivery rows. It performs no HTTP; the sender drains the rows.
type Dispatcher struct {
	store  *Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewDispatcher creates a dispatcher over st.
func NewDispatcher(st *Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, logger: logger, clock: time.Now}
}

// WithClock fixes the dispatcher's clock. Tests only.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Enqueue serializes the payload once and appends one pending delivery per
// active subscribed webhook. The body bytes stored here are the bytes the
// sender will sign and transmit. A tenant with no matching subscriptions is
// not an error.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, eventType string, payload any) error {
	hooks, err := d.store.ListActive(ctx, tenantID)
	if err != nil {
		return err
	}

	body, err := canonical.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: failed to serialize %s payload: %w", eventType, err)
	}

	correlationID := api.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	eventID := uuid.NewString()
	now := d.clock().UTC()

	enqueued := 0
	for _, h := range hooks {
		if !h.SubscribedTo(eventType) {
			continue
		}
		err := d.store.InsertDelivery(ctx, &Delivery{
			ID:            uuid.NewString(),
			WebhookID:     h.ID,
			EventID:       eventID,
			EventType:     eventType,
			Payload:       body,
			Attempt:       1,
			Status:        StatusPending,
			CorrelationID: correlationID,
			ScheduledAt:   now,
		})
		if err != nil {
			return err
		}
		enqueued++
	}

	if enqueued > 0 {
		d.logger.Info("webhook event enqueued",
			"tenant_id", tenantID,
			"event_type", eventType,
			"event_id", eventID,
			"endpoints", enqueued,
			"correlation_id", correlationID,
		)
	}
	return nil
}
