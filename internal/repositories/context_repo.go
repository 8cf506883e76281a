package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trustyclaw/settlement/internal/apperr"
	"github.com/trustyclaw/settlement/internal/models"
)

// ContextRepo persists execution contexts and rule firing history for the
// engine, so a restarted scanner resumes where it left off.
type ContextRepo struct {
	pool *pgxpool.Pool
}

func NewContextRepo(pool *pgxpool.Pool) *ContextRepo {
	return &ContextRepo{pool: pool}
}

func (r *ContextRepo) Upsert(ctx context.Context, c *models.ExecutionContext) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO execution_contexts (agreement_id, escrow_id, provider, renter, amount, deadline,
		                                expected_hash, deliverable_hash, dispute_count, warning_sent, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (agreement_id) DO UPDATE SET
			renter = EXCLUDED.renter,
			deadline = EXCLUDED.deadline,
			expected_hash = EXCLUDED.expected_hash,
			deliverable_hash = EXCLUDED.deliverable_hash,
			dispute_count = EXCLUDED.dispute_count,
			warning_sent = EXCLUDED.warning_sent,
			resolved = EXCLUDED.resolved,
			updated_at = now()
		RETURNING created_at
	`, c.AgreementID, c.EscrowID, c.Provider, c.Renter, c.Amount, c.Deadline,
		c.ExpectedHash, c.DeliverableHash, c.DisputeCount, c.WarningSent, c.Resolved,
	).Scan(&c.CreatedAt)
}

func (r *ContextRepo) Get(ctx context.Context, agreementID string) (*models.ExecutionContext, error) {
	var c models.ExecutionContext
	err := r.pool.QueryRow(ctx, `
		SELECT agreement_id, escrow_id, provider, renter, amount, deadline,
		       expected_hash, deliverable_hash, dispute_count, warning_sent, resolved,
		       created_at, updated_at
		FROM execution_contexts WHERE agreement_id = $1
	`, agreementID).Scan(&c.AgreementID, &c.EscrowID, &c.Provider, &c.Renter, &c.Amount, &c.Deadline,
		&c.ExpectedHash, &c.DeliverableHash, &c.DisputeCount, &c.WarningSent, &c.Resolved,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution context", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContextRepo) ListUnresolved(ctx context.Context) ([]models.ExecutionContext, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT agreement_id, escrow_id, provider, renter, amount, deadline,
		       expected_hash, deliverable_hash, dispute_count, warning_sent, resolved,
		       created_at, updated_at
		FROM execution_contexts WHERE NOT resolved
		ORDER BY deadline
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contexts []models.ExecutionContext
	for rows.Next() {
		var c models.ExecutionContext
		if err := rows.Scan(&c.AgreementID, &c.EscrowID, &c.Provider, &c.Renter, &c.Amount, &c.Deadline,
			&c.ExpectedHash, &c.DeliverableHash, &c.DisputeCount, &c.WarningSent, &c.Resolved,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

func (r *ContextRepo) MarkWarningSent(ctx context.Context, agreementID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE execution_contexts SET warning_sent = true, updated_at = now()
		WHERE agreement_id = $1
	`, agreementID)
	return err
}

func (r *ContextRepo) MarkResolved(ctx context.Context, agreementID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE execution_contexts SET resolved = true, updated_at = now()
		WHERE agreement_id = $1
	`, agreementID)
	return err
}

func (r *ContextRepo) InsertResult(ctx context.Context, res *models.ExecutionResult) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO execution_history (success, event, agreement_id, rule_id, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.Success, res.Event, res.AgreementID, res.RuleID, res.Message, res.Details, res.Timestamp)
	return err
}

// ListResults returns rule firing history, newest first. Empty filter values
// match everything.
func (r *ContextRepo) ListResults(ctx context.Context, agreementID, event string, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT success, event, agreement_id, rule_id, message, details, created_at
		FROM execution_history
		WHERE ($1 = '' OR agreement_id = $1) AND ($2 = '' OR event = $2)
		ORDER BY created_at DESC LIMIT $3
	`, agreementID, event, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ExecutionResult
	for rows.Next() {
		var res models.ExecutionResult
		if err := rows.Scan(&res.Success, &res.Event, &res.AgreementID, &res.RuleID,
			&res.Message, &res.Details, &res.Timestamp); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
