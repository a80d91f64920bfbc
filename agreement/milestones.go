package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"marketflow/auth"
	"marketflow/fault"
	"marketflow/outbox"
	"marketflow/request"
)

// lockChain resolves a milestone's agreement and request, then takes the
// row locks in request, agreement, milestone order. Payment reconciliation
// locks the request row first too, so both sides acquire locks in the same
// order and cannot deadlock each other.
func (s *Service) lockChain(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, Agreement, request.Request, error) {
	var agreementID, requestID string
	err := tx.QueryRow(ctx, `
		SELECT m.agreement_id, a.request_id
		FROM milestones m
		JOIN agreements a ON a.id = m.agreement_id
		WHERE m.id = $1
	`, milestoneID).Scan(&agreementID, &requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, Agreement{}, request.Request{}, ErrMilestoneNotFound
		}
		return Milestone{}, Agreement{}, request.Request{}, fmt.Errorf("agreement: resolve milestone: %w", err)
	}

	req, err := s.reqRepo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Milestone{}, Agreement{}, request.Request{}, err
	}
	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Milestone{}, Agreement{}, request.Request{}, err
	}
	m, err := s.repo.GetMilestoneForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, Agreement{}, request.Request{}, err
	}
	return m, a, req, nil
}

// Deliver marks a milestone as delivered by the provider. A rejected
// milestone may be re-delivered after rework.
func (s *Service) Deliver(ctx context.Context, actor auth.User, milestoneID, note string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, a, req, err := s.lockChain(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	if !actor.IsAdmin() && actor.ID != a.ProviderID {
		return Milestone{}, fault.New(fault.KindForbidden, "agreement: only the assigned provider may deliver")
	}
	if req.Frozen && !actor.IsAdmin() {
		return Milestone{}, fault.New(fault.KindConflict, "agreement: request is frozen by an open dispute")
	}
	if a.Status != StatusAccepted {
		return Milestone{}, fault.Newf(fault.KindConflict, "agreement: cannot deliver on a %s agreement", a.Status)
	}
	if m.Status != MilestonePending && m.Status != MilestoneRejected {
		return Milestone{}, fault.Newf(fault.KindConflict, "agreement: cannot deliver a %s milestone", m.Status)
	}

	noteVal := strings.TrimSpace(note)
	var notePtr *string
	if noteVal != "" {
		notePtr = &noteVal
	}
	updated, err := s.repo.SetMilestoneStatus(ctx, tx, milestoneID, MilestoneDelivered, notePtr, nil)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.record(ctx, tx, a.RequestID, "MILESTONE_DELIVERED", actor.ID, outbox.TopicMilestoneDelivered, map[string]any{
		"agreement_id": a.ID,
		"milestone_id": milestoneID,
		"ord":          m.Order,
	}); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("agreement: deliver commit: %w", err)
	}
	return updated, nil
}

// ApproveMilestone records the client's sign-off on a delivered milestone.
// After the flip it re-runs the completion check so a request whose
// invoices were already settled closes out without waiting for a webhook.
func (s *Service) ApproveMilestone(ctx context.Context, actor auth.User, milestoneID string) (Milestone, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, a, req, err := s.lockChain(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	if !actor.IsAdmin() && actor.ID != req.ClientID {
		return Milestone{}, fault.New(fault.KindForbidden, "agreement: only the request's client may approve")
	}
	if req.Frozen && !actor.IsAdmin() {
		return Milestone{}, fault.New(fault.KindConflict, "agreement: request is frozen by an open dispute")
	}
	if m.Status == MilestoneApproved {
		return m, nil
	}
	if m.Status != MilestoneDelivered {
		return Milestone{}, fault.Newf(fault.KindConflict, "agreement: cannot approve a %s milestone", m.Status)
	}

	updated, err := s.repo.SetMilestoneStatus(ctx, tx, milestoneID, MilestoneApproved, nil, nil)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.record(ctx, tx, a.RequestID, "MILESTONE_APPROVED", actor.ID, outbox.TopicMilestoneApproved, map[string]any{
		"agreement_id": a.ID,
		"milestone_id": milestoneID,
		"ord":          m.Order,
	}); err != nil {
		return Milestone{}, err
	}

	// Re-check completion regardless of where the request sits: the
	// reconciler skips frozen, disputed, and terminal requests itself, and
	// this heals a request whose post-payment advance was lost.
	if s.reconciler != nil {
		if err := s.reconciler.ReconcileTx(ctx, tx, a.ID, a.RequestID); err != nil {
			return Milestone{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("agreement: approve commit: %w", err)
	}
	return updated, nil
}

// RejectMilestone sends a delivered milestone back to the provider with a
// reason.
func (s *Service) RejectMilestone(ctx context.Context, actor auth.User, milestoneID, reason string) (Milestone, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < minMilestoneRejectionReasonLen {
		return Milestone{}, fault.Newf(fault.KindValidation,
			"agreement: milestone rejection reason must be at least %d characters", minMilestoneRejectionReasonLen)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, a, req, err := s.lockChain(ctx, tx, milestoneID)
	if err != nil {
		return Milestone{}, err
	}

	if !actor.IsAdmin() && actor.ID != req.ClientID {
		return Milestone{}, fault.New(fault.KindForbidden, "agreement: only the request's client may reject")
	}
	if req.Frozen && !actor.IsAdmin() {
		return Milestone{}, fault.New(fault.KindConflict, "agreement: request is frozen by an open dispute")
	}
	if m.Status != MilestoneDelivered {
		return Milestone{}, fault.Newf(fault.KindConflict, "agreement: cannot reject a %s milestone", m.Status)
	}

	updated, err := s.repo.SetMilestoneStatus(ctx, tx, milestoneID, MilestoneRejected, nil, &reason)
	if err != nil {
		return Milestone{}, err
	}

	if err := s.record(ctx, tx, a.RequestID, "MILESTONE_REJECTED", actor.ID, outbox.TopicMilestoneRejected, map[string]any{
		"agreement_id": a.ID,
		"milestone_id": milestoneID,
		"ord":          m.Order,
		"reason":       reason,
	}); err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("agreement: reject commit: %w", err)
	}
	return updated, nil
}
