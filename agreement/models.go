package agreement

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneDelivered MilestoneStatus = "delivered"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
)

// Agreement is the binding contract for a request, derived from its
// selected offer. DurationDays tracks the milestone due-day sum;
// ExtensionDays accumulates approved extensions on top of it.
type Agreement struct {
	ID                     string
	RequestID              string
	ProviderID             string
	Title                  string
	Body                   string
	DurationDays           int
	ExtensionDays          int
	ExtensionRequestedDays *int
	TotalAmount            decimal.Decimal
	Status                 Status
	RejectionReason        *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Milestone is an ordered deliverable within an agreement. Amount is pinned
// to zero; pricing lives on the agreement.
type Milestone struct {
	ID              string
	AgreementID     string
	Title           string
	DueDays         int
	Order           int
	Amount          decimal.Decimal
	Status          MilestoneStatus
	DeliveryNote    *string
	RejectionReason *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MilestoneInput is one row of a draft save. An empty ID inserts a new
// milestone; Delete soft-removes an existing one.
type MilestoneInput struct {
	ID      string
	Title   string
	DueDays int
	Delete  bool
}

// DraftForm carries the editable agreement fields plus the full milestone
// set as the client of the draft editor sees it.
type DraftForm struct {
	Title      string
	Body       string
	Milestones []MilestoneInput
}
