package request

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusNew              Status = "new"
	StatusOfferSelected    Status = "offer_selected"
	StatusAgreementPending Status = "agreement_pending"
	StatusAwaitingPayment  Status = "awaiting_payment"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusDisputed         Status = "disputed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions may leave the status.
// Disputed is reversible and therefore not terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Request is a unit of work a client wants performed.
type Request struct {
	ID                    string
	ClientID              string
	ProviderID            *string
	Category              string
	Title                 string
	Details               string
	Status                Status
	EstimatedDurationDays int
	EstimatedPrice        decimal.Decimal
	OffersOpenUntil       *time.Time
	AgreementDueAt        *time.Time
	SLAOverdue            bool
	Frozen                bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// OffersWindowActive reports whether providers may still submit offers.
func (r Request) OffersWindowActive(now time.Time) bool {
	if r.Status != StatusNew || r.OffersOpenUntil == nil {
		return false
	}
	return !now.After(*r.OffersOpenUntil)
}

// AgreementOverdue reports whether the agreement-send deadline has passed
// without the request progressing beyond offer selection.
func (r Request) AgreementOverdue(now time.Time) bool {
	if r.Status != StatusOfferSelected || r.AgreementDueAt == nil {
		return false
	}
	return now.After(*r.AgreementDueAt)
}

type Filters struct {
	ClientID   string
	ProviderID string
	Status     Status
	Category   string
	Page       int
	PageSize   int
	SortKey    string
	SortOrder  string
}
