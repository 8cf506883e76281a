package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustyclaw/settlement/internal/apperr"
)

// Payment intent statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusConfirmed  = "confirmed"
	PaymentStatusFinalized  = "finalized"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
)

// Intent statuses only advance forward; failed and cancelled are absorbing.
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusConfirmed, PaymentStatusFailed},
	PaymentStatusConfirmed:  {PaymentStatusFinalized, PaymentStatusFailed},
	PaymentStatusFinalized:  {},
	PaymentStatusFailed:     {},
	PaymentStatusCancelled:  {},
}

func IsValidPaymentTransition(from, to string) bool {
	allowed, ok := ValidPaymentTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminalPaymentStatus(status string) bool {
	allowed, ok := ValidPaymentTransitions[status]
	return ok && len(allowed) == 0
}

// PaymentIntent is a planned transfer with full lifecycle tracking.
type PaymentIntent struct {
	ID               uuid.UUID         `json:"id"`
	FromWallet       string            `json:"from_wallet"`
	ToWallet         string            `json:"to_wallet"`
	Amount           int64             `json:"amount"` // micro-USD
	Description      string            `json:"description"`
	Status           string            `json:"status"`
	RequiresMultisig bool              `json:"requires_multisig"`
	Signatures       map[string]string `json:"signatures,omitempty"` // signer -> signature
	TransferRef      *string           `json:"transfer_ref,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ExecutedAt       *time.Time        `json:"executed_at,omitempty"`
	ConfirmedAt      *time.Time        `json:"confirmed_at,omitempty"`
}

// AmountUSD converts micro-units to dollars for threshold comparison.
func (i *PaymentIntent) AmountUSD() float64 {
	return float64(i.Amount) / 1_000_000
}

// MultisigSatisfied reports whether enough distinct signers have signed.
// Signatures are keyed by signer, so re-signing never double-counts.
func (i *PaymentIntent) MultisigSatisfied(requiredCount int) bool {
	return len(i.Signatures) >= requiredCount
}

// CheckExecutable returns the classified error preventing execution, or
// nil when the intent may proceed to the transfer step.
func (i *PaymentIntent) CheckExecutable(requiredCount int) error {
	switch i.Status {
	case PaymentStatusPending, PaymentStatusConfirmed:
	default:
		return fmt.Errorf("%w: cannot execute intent in status %q", apperr.ErrInvalidState, i.Status)
	}
	if i.RequiresMultisig && !i.MultisigSatisfied(requiredCount) {
		return fmt.Errorf("%w: %d of %d signatures collected",
			apperr.ErrMultisigIncomplete, len(i.Signatures), requiredCount)
	}
	return nil
}

// Escrow payment statuses
const (
	EscrowPaymentPending  = "pending"
	EscrowPaymentFunded   = "funded"
	EscrowPaymentReleased = "released"
	EscrowPaymentRefunded = "refunded"
	EscrowPaymentDisputed = "disputed"
)

// A disputed payment stays resolvable either way; released and refunded
// are absorbing.
var ValidEscrowPaymentTransitions = map[string][]string{
	EscrowPaymentPending:  {EscrowPaymentFunded},
	EscrowPaymentFunded:   {EscrowPaymentDisputed, EscrowPaymentReleased, EscrowPaymentRefunded},
	EscrowPaymentDisputed: {EscrowPaymentReleased, EscrowPaymentRefunded},
	EscrowPaymentReleased: {},
	EscrowPaymentRefunded: {},
}

func IsValidEscrowPaymentTransition(from, to string) bool {
	allowed, ok := ValidEscrowPaymentTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// EscrowPayment binds one escrow record to one payment intent. Its status
// and the escrow record's state are always updated in the same DB
// transaction so the two can never observably disagree.
type EscrowPayment struct {
	EscrowID   uuid.UUID  `json:"escrow_id"`
	IntentID   uuid.UUID  `json:"intent_id"`
	Amount     int64      `json:"amount"`
	FromWallet string     `json:"from_wallet"`
	ToWallet   string     `json:"to_wallet"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FundedAt   *time.Time `json:"funded_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
}
