package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/models"
)

type ProposalRepo struct {
	pool *pgxpool.Pool
}

func NewProposalRepo(pool *pgxpool.Pool) *ProposalRepo {
	return &ProposalRepo{pool: pool}
}

func (r *ProposalRepo) Create(ctx context.Context, p *models.SlashProposal) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO slash_proposals (agreement_id, target, slash_type, reason, percentage, proposer, status, evidence, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, p.AgreementID, p.Target, p.SlashType, p.Reason, p.Percentage, p.Proposer, p.Status, p.Evidence, p.ExpiresAt,
	).Scan(&p.ID, &p.CreatedAt)
}

func (r *ProposalRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SlashProposal, error) {
	var p models.SlashProposal
	err := r.pool.QueryRow(ctx, `
		SELECT id, agreement_id, target, slash_type, reason, percentage, proposer, status,
		       evidence, created_at, expires_at, executed_at
		FROM slash_proposals WHERE id = $1
	`, id).Scan(&p.ID, &p.AgreementID, &p.Target, &p.SlashType, &p.Reason, &p.Percentage,
		&p.Proposer, &p.Status, &p.Evidence, &p.CreatedAt, &p.ExpiresAt, &p.ExecutedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: slash proposal", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT voter, support FROM proposal_ballots WHERE proposal_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.Ballots = make(map[string]bool)
	for rows.Next() {
		var voter string
		var support bool
		if err := rows.Scan(&voter, &support); err != nil {
			return nil, err
		}
		p.Ballots[voter] = support
	}
	return &p, rows.Err()
}

// UpsertBallot records a voter's ballot; re-voting overwrites.
func (r *ProposalRepo) UpsertBallot(ctx context.Context, proposalID uuid.UUID, voter string, support bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO proposal_ballots (proposal_id, voter, support)
		VALUES ($1, $2, $3)
		ON CONFLICT (proposal_id, voter) DO UPDATE SET support = EXCLUDED.support, voted_at = now()
	`, proposalID, voter, support)
	return err
}

// UpdateStatus writes a freshly tallied status. Executed rows are never
// overwritten.
func (r *ProposalRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE slash_proposals SET status = $1
		WHERE id = $2 AND status <> 'executed'
	`, status, id)
	return err
}

// MarkExecuted moves approved -> executed exactly once.
func (r *ProposalRepo) MarkExecuted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slash_proposals SET status = 'executed', executed_at = now()
		WHERE id = $1 AND status = 'approved'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: proposal is %s", apperr.ErrNotApproved, current.Status)
	}
	return nil
}

func (r *ProposalRepo) ListByAgreement(ctx context.Context, agreementID string) ([]models.SlashProposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, agreement_id, target, slash_type, reason, percentage, proposer, status,
		       evidence, created_at, expires_at, executed_at
		FROM slash_proposals WHERE agreement_id = $1
		ORDER BY created_at DESC
	`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []models.SlashProposal
	for rows.Next() {
		var p models.SlashProposal
		if err := rows.Scan(&p.ID, &p.AgreementID, &p.Target, &p.SlashType, &p.Reason, &p.Percentage,
			&p.Proposer, &p.Status, &p.Evidence, &p.CreatedAt, &p.ExpiresAt, &p.ExecutedAt); err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (r *ProposalRepo) InsertSlashRecord(ctx context.Context, rec *models.SlashRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO slash_history (proposal_id, agreement_id, target, slash_type, reason, percentage, reputation_loss, stake_loss)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, executed_at
	`, rec.ProposalID, rec.AgreementID, rec.Target, rec.SlashType, rec.Reason,
		rec.Percentage, rec.ReputationLoss, rec.StakeLoss,
	).Scan(&rec.ID, &rec.ExecutedAt)
}

func (r *ProposalRepo) ListSlashHistory(ctx context.Context, target string, limit, offset int) ([]models.SlashRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, proposal_id, agreement_id, target, slash_type, reason, percentage, reputation_loss, stake_loss, executed_at
		FROM slash_history WHERE ($1 = '' OR target = $1)
		ORDER BY executed_at DESC LIMIT $2 OFFSET $3
	`, target, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SlashRecord
	for rows.Next() {
		var rec models.SlashRecord
		if err := rows.Scan(&rec.ID, &rec.ProposalID, &rec.AgreementID, &rec.Target, &rec.SlashType,
			&rec.Reason, &rec.Percentage, &rec.ReputationLoss, &rec.StakeLoss, &rec.ExecutedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
