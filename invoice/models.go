package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusUnpaid Status = "unpaid"
	StatusPaid   Status = "paid"
)

// Invoice is a billing record against an agreement. Amount is the grand
// total the client owes, inclusive of VAT; the percent columns snapshot the
// rates that produced it so later rate changes never reshape an issued
// invoice.
type Invoice struct {
	ID                 string
	AgreementID        string
	Amount             decimal.Decimal
	VATPercent         decimal.Decimal
	PlatformFeePercent decimal.Decimal
	Status             Status
	IssuedAt           time.Time
	PaidAt             *time.Time
}

// Positive reports whether the invoice carries a non-zero amount.
// Zero-amount invoices never gate request completion.
func (i Invoice) Positive() bool {
	return i.Amount.IsPositive()
}

// PaymentEvent is the payload of an external payment confirmation. The
// idempotency key is the gateway's event id; replays of the same key are
// acknowledged without re-running reconciliation.
type PaymentEvent struct {
	InvoiceID      string
	IdempotencyKey string
	Reference      string
}
