package dispute

import (
	"time"

	"marketflow/auth"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
	StatusCanceled Status = "canceled"
)

// Active reports whether the dispute still freezes its request. The
// database enforces at most one active dispute per request.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// Dispute is an arbitration record that freezes a request's milestone and
// invoice progression while active.
type Dispute struct {
	ID             string
	RequestID      string
	OpenedBy       string
	OpenerRole     auth.Role
	Status         Status
	Title          string
	Reason         string
	Details        string
	ResolvedBy     *string
	ResolutionNote *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

// OpenForm carries the opener's description of the conflict.
type OpenForm struct {
	Title   string
	Reason  string
	Details string
}
