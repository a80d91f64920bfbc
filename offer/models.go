package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSelected  Status = "selected"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Active reports whether the offer still occupies the provider's single
// live slot on the request. Rejected and withdrawn offers are history; a
// re-submission is a new row.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusSelected
}

// Offer is one provider's bid on a request.
type Offer struct {
	ID           string
	RequestID    string
	ProviderID   string
	DurationDays int
	Price        decimal.Decimal
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
