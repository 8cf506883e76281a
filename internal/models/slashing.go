package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustyclaw/settlement/internal/apperr"
)

// Proposal statuses
const (
	ProposalStatusPending  = "pending"
	ProposalStatusApproved = "approved"
	ProposalStatusRejected = "rejected"
	ProposalStatusExpired  = "expired"  // voting window closed unresolved (absorbing)
	ProposalStatusExecuted = "executed" // penalty applied (absorbing)
)

// Slash target roles
const (
	SlashTypeProvider = "provider"
	SlashTypeRenter   = "renter"
)

// Violation reasons
const (
	SlashReasonNonDelivery      = "non_delivery"
	SlashReasonLateDelivery     = "late_delivery"
	SlashReasonQualityViolation = "quality_violation"
	SlashReasonNonPayment       = "non_payment"
	SlashReasonAbandoned        = "abandoned"
)

// MaxSlashPercentage caps any single slash at half of stake/reputation.
const MaxSlashPercentage = 0.5

// SeverityPercentage maps auto-slash severity tiers to fixed percentages.
// Unknown tiers fall back to medium.
func SeverityPercentage(severity string) float64 {
	switch severity {
	case "low":
		return 0.10
	case "high":
		return 0.30
	default:
		return 0.20
	}
}

// ClampSlashPercentage bounds a requested percentage to (0, MaxSlashPercentage].
func ClampSlashPercentage(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > MaxSlashPercentage {
		return MaxSlashPercentage
	}
	return p
}

// SlashProposal is a community-voted penalty against one party of an
// agreement. Ballots are keyed by voter; re-voting overwrites.
type SlashProposal struct {
	ID          uuid.UUID       `json:"id"`
	AgreementID string          `json:"agreement_id"`
	Target      string          `json:"target"`
	SlashType   string          `json:"slash_type"` // provider | renter
	Reason      string          `json:"reason"`
	Percentage  float64         `json:"percentage"`
	Proposer    string          `json:"proposer"`
	Status      string          `json:"status"`
	Evidence    []string        `json:"evidence,omitempty"`
	Ballots     map[string]bool `json:"ballots,omitempty"` // voter -> support
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
}

func (p *SlashProposal) VotesFor() int {
	n := 0
	for _, support := range p.Ballots {
		if support {
			n++
		}
	}
	return n
}

func (p *SlashProposal) VotesAgainst() int {
	return len(p.Ballots) - p.VotesFor()
}

func (p *SlashProposal) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// CheckBallot validates a ballot before it is recorded.
func (p *SlashProposal) CheckBallot(voter string, now time.Time) error {
	switch p.Status {
	case ProposalStatusPending, ProposalStatusApproved, ProposalStatusRejected:
	default:
		return fmt.Errorf("%w: proposal is %s", apperr.ErrInvalidState, p.Status)
	}
	if p.IsExpired(now) {
		return fmt.Errorf("%w: voting closed at %s", apperr.ErrExpired, p.ExpiresAt.Format(time.RFC3339))
	}
	if voter == p.Target {
		return fmt.Errorf("%w: %s is the slash target", apperr.ErrSelfVote, voter)
	}
	return nil
}

// Tally recomputes the proposal status from its ballot set. Idempotent:
// calling it repeatedly without new ballots yields the same result.
// Executed is absorbing and never recomputed.
func (p *SlashProposal) Tally(quorum int, supermajority float64, now time.Time) string {
	if p.Status == ProposalStatusExecuted {
		return ProposalStatusExecuted
	}
	total := len(p.Ballots)
	if total < quorum {
		if p.IsExpired(now) {
			return ProposalStatusExpired
		}
		return ProposalStatusPending
	}
	if float64(p.VotesFor())/float64(total) >= supermajority {
		return ProposalStatusApproved
	}
	return ProposalStatusRejected
}

// Reputation-loss multipliers. Providers are penalized more heavily for
// non-delivery than renters for non-payment: the provider holds the
// trust-critical role in a rental.
const (
	providerReputationFactor = 30.0
	renterReputationFactor   = 20.0
)

// ReputationLoss computes the reputation points removed by a slash.
func ReputationLoss(slashType string, percentage float64) float64 {
	if slashType == SlashTypeRenter {
		return percentage * renterReputationFactor
	}
	return percentage * providerReputationFactor
}

// StakeLoss computes the stake penalty in micro-USD against the escrowed amount.
func StakeLoss(percentage float64, escrowedAmount int64) int64 {
	return int64(percentage * float64(escrowedAmount))
}

const (
	recoveryPointsPerDay = 1.0
	recoveryWindowDays   = 30
	recoveryScoreCeiling = 50.0 // "new agent" baseline; earned back through behaviour, not time
)

// RecoverReputation models decayed trust recovery: one point per day,
// capped at a 30-day window, never above the new-agent baseline.
func RecoverReputation(currentScore float64, daysSinceSlash int) float64 {
	if daysSinceSlash < 0 {
		daysSinceSlash = 0
	}
	if daysSinceSlash > recoveryWindowDays {
		daysSinceSlash = recoveryWindowDays
	}
	recovered := currentScore + float64(daysSinceSlash)*recoveryPointsPerDay
	if recovered > recoveryScoreCeiling {
		return recoveryScoreCeiling
	}
	return recovered
}

// SlashRecord is an immutable history entry for an executed slash.
type SlashRecord struct {
	ID             uuid.UUID `json:"id"`
	ProposalID     uuid.UUID `json:"proposal_id"`
	AgreementID    string    `json:"agreement_id"`
	Target         string    `json:"target"`
	SlashType      string    `json:"slash_type"`
	Reason         string    `json:"reason"`
	Percentage     float64   `json:"percentage"`
	ReputationLoss float64   `json:"reputation_loss"`
	StakeLoss      int64     `json:"stake_loss"`
	ExecutedAt     time.Time `json:"executed_at"`
}
