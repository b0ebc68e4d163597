package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-engine/internal/repository"
)

// NotificationPublisher publishes purchase-order lifecycle events to NATS for
// consumption by downstream notification and reporting services.
//
// Subject convention: notifications.po.<event_type>
// Event types: po_submitted, approval_requested, po_auto_approved,
//              po_approved, po_rejected, po_blocked, budget_insufficient,
//              po_cancelled, po_consumed
//
// All publish operations are non-fatal: errors are logged but never
// propagated to the caller, so notification failures never interrupt the
// approval pipeline.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// POEvent is the JSON schema published to NATS.
type POEvent struct {
	EventType    string                 `json:"event_type"`
	POID         string                 `json:"po_id"`
	PONumber     string                 `json:"po_number"`
	DepartmentID string                 `json:"department_id"`
	SupplierID   string                 `json:"supplier_id"`
	Amount       int64                  `json:"amount"`
	Status       string                 `json:"status"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection yields a publisher that silently drops events,
// which keeps the service usable without a broker.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishPOEvent publishes a purchase-order event to NATS.
// Subject: notifications.po.<eventType>
func (p *NotificationPublisher) PublishPOEvent(ctx context.Context, eventType string, po *repository.PurchaseOrder, payload map[string]interface{}) {
	if p.conn == nil {
		return
	}

	event := &POEvent{
		EventType:    eventType,
		POID:         po.ID,
		PONumber:     po.PONumber,
		DepartmentID: po.DepartmentID,
		SupplierID:   po.SupplierID,
		Amount:       po.Amount,
		Status:       string(po.Status),
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.po.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("po_id", po.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("po_id", po.ID).
		Msg("notification: event published")
}
