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

const intentColumns = `id, from_wallet, to_wallet, amount, description, status, requires_multisig,
       transfer_ref, created_at, executed_at, confirmed_at`

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

func (r *PaymentRepo) CreateIntent(ctx context.Context, i *models.PaymentIntent) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payment_intents (from_wallet, to_wallet, amount, description, status, requires_multisig)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, i.FromWallet, i.ToWallet, i.Amount, i.Description, i.Status, i.RequiresMultisig,
	).Scan(&i.ID, &i.CreatedAt)
}

func (r *PaymentRepo) GetIntent(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	var i models.PaymentIntent
	err := r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id,
	).Scan(&i.ID, &i.FromWallet, &i.ToWallet, &i.Amount, &i.Description, &i.Status,
		&i.RequiresMultisig, &i.TransferRef, &i.CreatedAt, &i.ExecutedAt, &i.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment intent", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT signer, signature FROM intent_signatures WHERE intent_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	i.Signatures = make(map[string]string)
	for rows.Next() {
		var signer, signature string
		if err := rows.Scan(&signer, &signature); err != nil {
			return nil, err
		}
		i.Signatures[signer] = signature
	}
	return &i, rows.Err()
}

// UpsertSignature records a signer's signature; re-signing overwrites.
func (r *PaymentRepo) UpsertSignature(ctx context.Context, intentID uuid.UUID, signer, signature string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO intent_signatures (intent_id, signer, signature)
		VALUES ($1, $2, $3)
		ON CONFLICT (intent_id, signer) DO UPDATE SET signature = EXCLUDED.signature, signed_at = now()
	`, intentID, signer, signature)
	return err
}

// ClaimProcessing moves pending -> processing, reserving the intent for
// exactly one executor.
func (r *PaymentRepo) ClaimProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_intents SET status = 'processing'
		WHERE id = $1 AND status = 'pending'
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.PaymentStatusProcessing)
}

// MarkConfirmed moves processing -> confirmed after a successful transfer.
func (r *PaymentRepo) MarkConfirmed(ctx context.Context, id uuid.UUID, transferRef string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_intents SET status = 'confirmed', transfer_ref = $1, executed_at = now()
		WHERE id = $2 AND status = 'processing'
	`, transferRef, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.PaymentStatusConfirmed)
}

// MarkFinalized moves confirmed -> finalized.
func (r *PaymentRepo) MarkFinalized(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_intents SET status = 'finalized', confirmed_at = now()
		WHERE id = $1 AND status = 'confirmed'
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.PaymentStatusFinalized)
}

// MarkFailed moves processing|confirmed -> failed.
func (r *PaymentRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_intents SET status = 'failed'
		WHERE id = $1 AND status IN ('processing', 'confirmed')
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.PaymentStatusFailed)
}

// MarkCancelled moves pending -> cancelled.
func (r *PaymentRepo) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_intents SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
	`, id)
	return r.casResult(ctx, tag.RowsAffected(), err, id, models.PaymentStatusCancelled)
}

func (r *PaymentRepo) ListByWallet(ctx context.Context, wallet string, limit, offset int) ([]models.PaymentIntent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE from_wallet = $1 OR to_wallet = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, wallet, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []models.PaymentIntent
	for rows.Next() {
		var i models.PaymentIntent
		if err := rows.Scan(&i.ID, &i.FromWallet, &i.ToWallet, &i.Amount, &i.Description, &i.Status,
			&i.RequiresMultisig, &i.TransferRef, &i.CreatedAt, &i.ExecutedAt, &i.ConfirmedAt); err != nil {
			return nil, err
		}
		intents = append(intents, i)
	}
	return intents, rows.Err()
}

func (r *PaymentRepo) CreateEscrowPayment(ctx context.Context, p *models.EscrowPayment) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrow_payments (escrow_id, intent_id, amount, from_wallet, to_wallet, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, p.EscrowID, p.IntentID, p.Amount, p.FromWallet, p.ToWallet, p.Status).Scan(&p.CreatedAt)
}

// BindIntent points an escrow payment at its currently active intent
// (funding first, later the release or refund intent).
func (r *PaymentRepo) BindIntent(ctx context.Context, escrowID, intentID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_payments SET intent_id = $1 WHERE escrow_id = $2
	`, intentID, escrowID)
	return err
}

func (r *PaymentRepo) GetEscrowPayment(ctx context.Context, escrowID uuid.UUID) (*models.EscrowPayment, error) {
	var p models.EscrowPayment
	err := r.pool.QueryRow(ctx, `
		SELECT escrow_id, intent_id, amount, from_wallet, to_wallet, status,
		       created_at, funded_at, released_at, refunded_at
		FROM escrow_payments WHERE escrow_id = $1
	`, escrowID).Scan(&p.EscrowID, &p.IntentID, &p.Amount, &p.FromWallet, &p.ToWallet, &p.Status,
		&p.CreatedAt, &p.FundedAt, &p.ReleasedAt, &p.RefundedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: escrow payment", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkEscrowPaymentDisputed mirrors an escrow dispute onto its payment row.
// A ledger-only escrow has no payment row; zero rows affected is not an error.
func (r *PaymentRepo) MarkEscrowPaymentDisputed(ctx context.Context, escrowID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_payments SET status = 'disputed'
		WHERE escrow_id = $1 AND status = 'funded'
	`, escrowID)
	return err
}

// SettleFund flips escrow payment and escrow record together after a
// successful funding transfer. Both or neither; the intent is confirmed
// separately once the transfer lands.
func (r *PaymentRepo) SettleFund(ctx context.Context, escrowID uuid.UUID, renter string) error {
	return r.settle(ctx,
		`UPDATE escrow_payments SET status = 'funded', funded_at = now()
		 WHERE escrow_id = $1 AND status = 'pending'`,
		`UPDATE escrows SET state = 'funded', renter = $2, funded_at = now()
		 WHERE id = $1 AND state = 'created'`,
		escrowID, renter)
}

// SettleRelease flips escrow payment and escrow record after a payout to
// the provider.
func (r *PaymentRepo) SettleRelease(ctx context.Context, escrowID uuid.UUID) error {
	return r.settle(ctx,
		`UPDATE escrow_payments SET status = 'released', released_at = now()
		 WHERE escrow_id = $1 AND status IN ('funded', 'disputed')`,
		`UPDATE escrows SET state = 'released', released_at = now()
		 WHERE id = $1 AND state IN ('completed', 'disputed')`,
		escrowID, nil)
}

// SettleRefund flips escrow payment and escrow record after a refund to
// the renter.
func (r *PaymentRepo) SettleRefund(ctx context.Context, escrowID uuid.UUID) error {
	return r.settle(ctx,
		`UPDATE escrow_payments SET status = 'refunded', refunded_at = now()
		 WHERE escrow_id = $1 AND status IN ('funded', 'disputed')`,
		`UPDATE escrows SET state = 'refunded', refunded_at = now()
		 WHERE id = $1 AND state IN ('funded', 'disputed')`,
		escrowID, nil)
}

func (r *PaymentRepo) settle(ctx context.Context, paymentSQL, escrowSQL string, escrowID uuid.UUID, renter any) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	args := []any{escrowID}
	if renter != nil {
		args = append(args, renter)
	}
	tag, err := tx.Exec(ctx, paymentSQL, escrowID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: escrow payment for %s not settleable", apperr.ErrInvalidState, escrowID)
	}
	if tag, err = tx.Exec(ctx, escrowSQL, args...); err != nil {
		return err
	} else if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: escrow %s not settleable", apperr.ErrInvalidState, escrowID)
	}

	return tx.Commit(ctx)
}

func (r *PaymentRepo) casResult(ctx context.Context, affected int64, err error, id uuid.UUID, to string) error {
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, getErr := r.GetIntent(ctx, id)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: cannot move intent from %q to %q", apperr.ErrInvalidState, current.Status, to)
}
