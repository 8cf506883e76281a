package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

// The API and the event stream both ship these records as JSON; every
// field must survive the trip unchanged.
func TestJSONRoundTrip(t *testing.T) {
	created := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	funded := created.Add(time.Minute)
	executed := created.Add(2 * time.Hour)
	hash := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	reason := "late delivery"
	ref := "tx-001"

	tests := []struct {
		name string
		in   any
		out  func() any
	}{
		{
			name: "escrow record",
			in: &EscrowRecord{
				ID:              uuid.New(),
				AgreementID:     "agr-1",
				Provider:        "provider-wallet",
				Renter:          "renter-wallet",
				Amount:          50_000_000,
				DurationSeconds: 3600,
				Deadline:        created.Add(time.Hour),
				State:           EscrowStateDisputed,
				ExpectedHash:    &hash,
				DeliverableHash: &hash,
				DisputeReason:   &reason,
				DisputeCount:    2,
				CreatedAt:       created,
				FundedAt:        &funded,
				DisputedAt:      &executed,
			},
			out: func() any { return &EscrowRecord{} },
		},
		{
			name: "payment intent",
			in: &PaymentIntent{
				ID:               uuid.New(),
				FromWallet:       "renter-wallet",
				ToWallet:         "custody-wallet",
				Amount:           2_000_000_000,
				Description:      "escrow funding for agreement agr-1",
				Status:           PaymentStatusConfirmed,
				RequiresMultisig: true,
				Signatures:       map[string]string{"signer-1": "sig-a", "signer-2": "sig-b"},
				TransferRef:      &ref,
				CreatedAt:        created,
				ExecutedAt:       &executed,
			},
			out: func() any { return &PaymentIntent{} },
		},
		{
			name: "slash proposal",
			in: &SlashProposal{
				ID:          uuid.New(),
				AgreementID: "agr-1",
				Target:      "provider-wallet",
				SlashType:   SlashTypeProvider,
				Reason:      SlashReasonNonDelivery,
				Percentage:  0.3,
				Proposer:    "voter-1",
				Status:      ProposalStatusApproved,
				Evidence:    []string{"deadline missed", "no response"},
				Ballots:     map[string]bool{"voter-2": true, "voter-3": false},
				CreatedAt:   created,
				ExpiresAt:   created.Add(72 * time.Hour),
				ExecutedAt:  &executed,
			},
			out: func() any { return &SlashProposal{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got := tt.out()
			if err := json.Unmarshal(data, got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(tt.in, got) {
				t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", tt.in, got)
			}
		})
	}
}
