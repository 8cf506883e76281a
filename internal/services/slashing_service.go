package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/clock"
	"github.com/trustyclaw/settlement/internal/config"
	"github.com/trustyclaw/settlement/internal/events"
	"github.com/trustyclaw/settlement/internal/metrics"
	"github.com/trustyclaw/settlement/internal/models"
	"github.com/trustyclaw/settlement/internal/repositories"
)

// AutoSystemProposer marks proposals opened by the rule engine rather than
// a community member.
const AutoSystemProposer = "auto-system"

// SlashingService owns proposals, voting and penalty execution.
type SlashingService struct {
	proposalRepo *repositories.ProposalRepo
	escrowRepo   *repositories.EscrowRepo
	auditRepo    *repositories.AuditRepo
	publisher    events.Publisher
	cfg          *config.Config
	clock        clock.Clock
	log          *zap.Logger
}

func NewSlashingService(
	proposalRepo *repositories.ProposalRepo,
	escrowRepo *repositories.EscrowRepo,
	auditRepo *repositories.AuditRepo,
	publisher events.Publisher,
	cfg *config.Config,
	clk clock.Clock,
	log *zap.Logger,
) *SlashingService {
	return &SlashingService{
		proposalRepo: proposalRepo,
		escrowRepo:   escrowRepo,
		auditRepo:    auditRepo,
		publisher:    publisher,
		cfg:          cfg,
		clock:        clk,
		log:          log,
	}
}

func (s *SlashingService) CreateProposal(ctx context.Context, agreementID, target, slashType, reason string, percentage float64, proposer string, evidence []string) (*models.SlashProposal, error) {
	if percentage <= 0 {
		return nil, fmt.Errorf("%w: slash percentage must be positive, got %v", apperr.ErrInvalidAmount, percentage)
	}

	p := &models.SlashProposal{
		AgreementID: agreementID,
		Target:      target,
		SlashType:   slashType,
		Reason:      reason,
		Percentage:  models.ClampSlashPercentage(percentage),
		Proposer:    proposer,
		Status:      models.ProposalStatusPending,
		Evidence:    evidence,
		ExpiresAt:   s.clock.Now().Add(s.cfg.VotingPeriod),
	}
	if err := s.proposalRepo.Create(ctx, p); err != nil {
		return nil, err
	}

	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorID:    &proposer,
		ActorType:  actorTypeFor(proposer),
		Action:     "slash_proposal_created",
		EntityType: "slash_proposal",
		EntityID:   &p.ID,
		Meta:       map[string]any{"agreement_id": agreementID, "target": target, "percentage": p.Percentage},
	})
	_ = s.publisher.Publish(ctx, events.StreamSettlement, events.Event{
		Type: events.EventProposalCreated,
		Payload: map[string]any{
			"proposal_id":  p.ID.String(),
			"agreement_id": agreementID,
			"target":       target,
			"percentage":   p.Percentage,
		},
	})
	return p, nil
}

// Vote records one ballot per voter and retallies. Re-voting overwrites.
func (s *SlashingService) Vote(ctx context.Context, proposalID uuid.UUID, voter string, support bool) (*models.SlashProposal, error) {
	p, err := s.proposalRepo.GetByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := p.CheckBallot(voter, s.clock.Now()); err != nil {
		return nil, err
	}

	if err := s.proposalRepo.UpsertBallot(ctx, proposalID, voter, support); err != nil {
		return nil, err
	}
	return s.retally(ctx, proposalID)
}

// GetStatus retallies from the ballot set; repeated calls without new
// ballots are idempotent.
func (s *SlashingService) GetStatus(ctx context.Context, proposalID uuid.UUID) (*models.SlashProposal, error) {
	return s.retally(ctx, proposalID)
}

func (s *SlashingService) retally(ctx context.Context, proposalID uuid.UUID) (*models.SlashProposal, error) {
	p, err := s.proposalRepo.GetByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	status := p.Tally(s.cfg.SlashQuorum, s.cfg.SlashSupermajority, s.clock.Now())
	if status != p.Status {
		if err := s.proposalRepo.UpdateStatus(ctx, proposalID, status); err != nil {
			return nil, err
		}
		_ = s.publisher.Publish(ctx, events.StreamSettlement, events.Event{
			Type: events.EventProposalStatusChange,
			Payload: map[string]any{
				"proposal_id": proposalID.String(),
				"old_status":  p.Status,
				"new_status":  status,
			},
		})
		p.Status = status
	}
	return p, nil
}

// ExecuteSlash applies an approved proposal: computes the reputation and
// stake penalties, appends an immutable history record and marks the
// proposal executed.
func (s *SlashingService) ExecuteSlash(ctx context.Context, proposalID uuid.UUID) (*models.SlashRecord, error) {
	p, err := s.retally(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if err := s.proposalRepo.MarkExecuted(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.recordSlash(ctx, p)
}

// AutoSlash is the fast path for unambiguous violations established by the
// rule engine: a fixed severity-tier percentage, no voting.
func (s *SlashingService) AutoSlash(ctx context.Context, agreementID, target, slashType, reason, severity string) (*models.SlashRecord, error) {
	percentage := models.SeverityPercentage(severity)
	p, err := s.CreateProposal(ctx, agreementID, target, slashType, reason, percentage, AutoSystemProposer,
		[]string{fmt.Sprintf("auto-slash severity %s", severity)})
	if err != nil {
		return nil, err
	}

	if err := s.proposalRepo.UpdateStatus(ctx, p.ID, models.ProposalStatusApproved); err != nil {
		return nil, err
	}
	if err := s.proposalRepo.MarkExecuted(ctx, p.ID); err != nil {
		return nil, err
	}
	p.Status = models.ProposalStatusExecuted
	return s.recordSlash(ctx, p)
}

func (s *SlashingService) recordSlash(ctx context.Context, p *models.SlashProposal) (*models.SlashRecord, error) {
	var stakeLoss int64
	if e, err := s.escrowRepo.GetByAgreementID(ctx, p.AgreementID); err == nil {
		stakeLoss = models.StakeLoss(p.Percentage, e.Amount)
	}

	rec := &models.SlashRecord{
		ProposalID:     p.ID,
		AgreementID:    p.AgreementID,
		Target:         p.Target,
		SlashType:      p.SlashType,
		Reason:         p.Reason,
		Percentage:     p.Percentage,
		ReputationLoss: models.ReputationLoss(p.SlashType, p.Percentage),
		StakeLoss:      stakeLoss,
	}
	if err := s.proposalRepo.InsertSlashRecord(ctx, rec); err != nil {
		return nil, err
	}

	metrics.SlashesExecuted.WithLabelValues(p.SlashType).Inc()
	_ = s.auditRepo.Log(ctx, models.AuditLog{
		ActorType:  "governance",
		Action:     "slash_executed",
		EntityType: "slash_proposal",
		EntityID:   &p.ID,
		Meta: map[string]any{
			"target":          p.Target,
			"percentage":      p.Percentage,
			"reputation_loss": rec.ReputationLoss,
			"stake_loss":      rec.StakeLoss,
		},
	})
	_ = s.publisher.Publish(ctx, events.StreamSettlement, events.Event{
		Type: events.EventSlashExecuted,
		Payload: map[string]any{
			"proposal_id":     p.ID.String(),
			"agreement_id":    p.AgreementID,
			"target":          p.Target,
			"slash_type":      p.SlashType,
			"reputation_loss": rec.ReputationLoss,
			"stake_loss":      rec.StakeLoss,
		},
	})

	s.log.Info("slash executed",
		zap.String("proposal_id", p.ID.String()),
		zap.String("target", p.Target),
		zap.Float64("percentage", p.Percentage))
	return rec, nil
}

// RecoverReputation applies the time-based recovery curve to a slashed
// score. Pure computation, exposed for the reputation store.
func (s *SlashingService) RecoverReputation(currentScore float64, daysSinceSlash int) float64 {
	return models.RecoverReputation(currentScore, daysSinceSlash)
}

func (s *SlashingService) History(ctx context.Context, target string, limit, offset int) ([]models.SlashRecord, error) {
	return s.proposalRepo.ListSlashHistory(ctx, target, limit, offset)
}

func (s *SlashingService) ProposalsByAgreement(ctx context.Context, agreementID string) ([]models.SlashProposal, error) {
	return s.proposalRepo.ListByAgreement(ctx, agreementID)
}

func actorTypeFor(proposer string) string {
	if proposer == AutoSystemProposer {
		return "system"
	}
	return "agent"
}
