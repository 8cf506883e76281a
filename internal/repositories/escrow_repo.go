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

const escrowColumns = `id, agreement_id, provider, renter, amount, duration_seconds, deadline, state,
       expected_hash, deliverable_hash, dispute_reason, dispute_count,
       created_at, funded_at, completed_at, disputed_at, released_at, refunded_at, cancelled_at`

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.EscrowRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrows (agreement_id, provider, amount, duration_seconds, deadline, state, expected_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, e.AgreementID, e.Provider, e.Amount, e.DurationSeconds, e.Deadline, e.State, e.ExpectedHash,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowRecord, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (r *EscrowRepo) GetByAgreementID(ctx context.Context, agreementID string) (*models.EscrowRecord, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE agreement_id = $1`, agreementID))
}

func (r *EscrowRepo) scanOne(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(&e.ID, &e.AgreementID, &e.Provider, &e.Renter, &e.Amount, &e.DurationSeconds,
		&e.Deadline, &e.State, &e.ExpectedHash, &e.DeliverableHash, &e.DisputeReason, &e.DisputeCount,
		&e.CreatedAt, &e.FundedAt, &e.CompletedAt, &e.DisputedAt, &e.ReleasedAt, &e.RefundedAt, &e.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: escrow", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkFunded moves created -> funded and binds the renter.
func (r *EscrowRepo) MarkFunded(ctx context.Context, id uuid.UUID, renter string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET state = 'funded', renter = $1, funded_at = now()
		WHERE id = $2 AND state = 'created'
	`, renter, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.EscrowStateFunded)
}

// MarkCompleted moves funded -> completed and records the deliverable hash.
func (r *EscrowRepo) MarkCompleted(ctx context.Context, id uuid.UUID, deliverableHash *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET state = 'completed', deliverable_hash = $1, completed_at = now()
		WHERE id = $2 AND state = 'funded'
	`, deliverableHash, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.EscrowStateCompleted)
}

// MarkDisputed moves funded -> disputed and increments the dispute counter.
func (r *EscrowRepo) MarkDisputed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET state = 'disputed', dispute_reason = $1,
		       dispute_count = dispute_count + 1, disputed_at = now()
		WHERE id = $2 AND state = 'funded'
	`, reason, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.EscrowStateDisputed)
}

// MarkReleased moves completed|disputed -> released.
func (r *EscrowRepo) MarkReleased(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET state = 'released', released_at = now()
		WHERE id = $1 AND state IN ('completed', 'disputed')
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.EscrowStateReleased)
}

// MarkRefunded moves funded|disputed -> refunded.
func (r *EscrowRepo) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET state = 'refunded', refunded_at = now()
		WHERE id = $1 AND state IN ('funded', 'disputed')
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.EscrowStateRefunded)
}

// MarkCancelled moves created -> cancelled.
func (r *EscrowRepo) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET state = 'cancelled', cancelled_at = now()
		WHERE id = $1 AND state = 'created'
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.EscrowStateCancelled)
}

// casResult classifies a compare-and-set update: zero rows affected means
// either the id is unknown or the record is not in the expected state.
func (r *EscrowRepo) casResult(ctx context.Context, affected int64, err error, id uuid.UUID, to string) error {
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: cannot move escrow from %q to %q", apperr.ErrInvalidState, current.State, to)
}
