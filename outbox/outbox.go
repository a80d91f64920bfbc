// Package outbox provides the transactional event plumbing shared by the
// lifecycle services: append-only timeline events for audit, and an outbox
// table drained by a dispatcher for notification delivery. Both writes ride
// inside the caller's transaction so a rolled-back transition leaves no
// trace.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics published by the lifecycle services.
const (
	TopicOfferSubmitted     = "offer.submitted"
	TopicOfferSelected      = "offer.selected"
	TopicOfferRejected      = "offer.rejected"
	TopicAgreementSent      = "agreement.sent"
	TopicAgreementAccepted  = "agreement.accepted"
	TopicAgreementRejected  = "agreement.rejected"
	TopicMilestoneDelivered = "milestone.delivered"
	TopicMilestoneApproved  = "milestone.approved"
	TopicMilestoneRejected  = "milestone.rejected"
	TopicInvoicePaid        = "invoice.paid"
	TopicRequestCompleted   = "request.completed"
	TopicRequestOverdue     = "request.overdue"
	TopicDisputeOpened      = "dispute.opened"
	TopicDisputeResolved    = "dispute.resolved"
)

// TimelineWriter appends immutable business events keyed by the subject
// entity (a request id).
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID string, payload map[string]any) error
}

// Enqueuer stages a message for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Timeline is the pgx-backed TimelineWriter.
type Timeline struct{}

func NewTimeline() *Timeline { return &Timeline{} }

func (Timeline) Append(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO timeline_events (request_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, requestID, eventType, body, actor); err != nil {
		return fmt.Errorf("outbox: insert timeline event: %w", err)
	}
	return nil
}

// Outbox is the pgx-backed Enqueuer.
type Outbox struct{}

func NewOutbox() *Outbox { return &Outbox{} }

func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
