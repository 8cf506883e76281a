package models

import (
	"errors"
	"testing"

	"github.com/trustyclaw/settlement/internal/apperr"
)

func TestIsValidPaymentTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Forward progression
		{PaymentStatusPending, PaymentStatusProcessing, true},
		{PaymentStatusProcessing, PaymentStatusConfirmed, true},
		{PaymentStatusConfirmed, PaymentStatusFinalized, true},

		// Failure and cancellation
		{PaymentStatusPending, PaymentStatusCancelled, true},
		{PaymentStatusProcessing, PaymentStatusFailed, true},
		{PaymentStatusConfirmed, PaymentStatusFailed, true},

		// No going back
		{PaymentStatusProcessing, PaymentStatusPending, false},
		{PaymentStatusConfirmed, PaymentStatusProcessing, false},
		{PaymentStatusFinalized, PaymentStatusConfirmed, false},
		{PaymentStatusProcessing, PaymentStatusCancelled, false},
		{PaymentStatusFailed, PaymentStatusPending, false},
		{PaymentStatusCancelled, PaymentStatusProcessing, false},
		{PaymentStatusFinalized, PaymentStatusFailed, false},
		{PaymentStatusPending, PaymentStatusConfirmed, false},
		{"nonexistent", PaymentStatusProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidPaymentTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidPaymentTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalPaymentStatuses(t *testing.T) {
	for _, status := range []string{PaymentStatusFinalized, PaymentStatusFailed, PaymentStatusCancelled} {
		if !IsTerminalPaymentStatus(status) {
			t.Errorf("status %q should be terminal", status)
		}
	}
	for _, status := range []string{PaymentStatusPending, PaymentStatusProcessing, PaymentStatusConfirmed} {
		if IsTerminalPaymentStatus(status) {
			t.Errorf("status %q should not be terminal", status)
		}
	}
}

func TestIsValidEscrowPaymentTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		{EscrowPaymentPending, EscrowPaymentFunded, true},
		{EscrowPaymentFunded, EscrowPaymentDisputed, true},
		{EscrowPaymentFunded, EscrowPaymentReleased, true},
		{EscrowPaymentFunded, EscrowPaymentRefunded, true},

		// A disputed payment resolves either way
		{EscrowPaymentDisputed, EscrowPaymentReleased, true},
		{EscrowPaymentDisputed, EscrowPaymentRefunded, true},

		{EscrowPaymentPending, EscrowPaymentReleased, false},
		{EscrowPaymentPending, EscrowPaymentDisputed, false},
		{EscrowPaymentDisputed, EscrowPaymentFunded, false},
		{EscrowPaymentReleased, EscrowPaymentRefunded, false},
		{EscrowPaymentRefunded, EscrowPaymentFunded, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidEscrowPaymentTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidEscrowPaymentTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestPaymentIntentAmountUSD(t *testing.T) {
	tests := []struct {
		amount   int64
		expected float64
	}{
		{1_000_000, 1.0},
		{999_999_999, 999.999999},
		{1_000_000_001, 1000.000001},
		{1000, 0.001},
	}

	for _, tt := range tests {
		i := &PaymentIntent{Amount: tt.amount}
		if got := i.AmountUSD(); got != tt.expected {
			t.Errorf("AmountUSD() with amount %d = %v, want %v", tt.amount, got, tt.expected)
		}
	}
}

func TestCheckExecutable(t *testing.T) {
	t.Run("pending without multisig", func(t *testing.T) {
		i := &PaymentIntent{Status: PaymentStatusPending}
		if err := i.CheckExecutable(2); err != nil {
			t.Errorf("expected executable, got %v", err)
		}
	})

	t.Run("multisig incomplete", func(t *testing.T) {
		i := &PaymentIntent{
			Status:           PaymentStatusPending,
			RequiresMultisig: true,
			Signatures:       map[string]string{"signer-1": "sig"},
		}
		if err := i.CheckExecutable(2); !errors.Is(err, apperr.ErrMultisigIncomplete) {
			t.Errorf("expected ErrMultisigIncomplete, got %v", err)
		}
	})

	t.Run("multisig satisfied", func(t *testing.T) {
		i := &PaymentIntent{
			Status:           PaymentStatusPending,
			RequiresMultisig: true,
			Signatures:       map[string]string{"signer-1": "a", "signer-2": "b"},
		}
		if err := i.CheckExecutable(2); err != nil {
			t.Errorf("expected executable, got %v", err)
		}
	})

	t.Run("re-signing does not double count", func(t *testing.T) {
		i := &PaymentIntent{
			Status:           PaymentStatusPending,
			RequiresMultisig: true,
			Signatures:       map[string]string{},
		}
		i.Signatures["signer-1"] = "first"
		i.Signatures["signer-1"] = "second"
		if i.MultisigSatisfied(2) {
			t.Error("one signer signing twice should not satisfy a 2-signer requirement")
		}
	})

	t.Run("terminal statuses never executable", func(t *testing.T) {
		for _, status := range []string{PaymentStatusFinalized, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusProcessing} {
			i := &PaymentIntent{Status: status}
			if err := i.CheckExecutable(2); !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("status %q: expected ErrInvalidState, got %v", status, err)
			}
		}
	})
}
