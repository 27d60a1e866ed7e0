package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists payments. CompareAndSetStatus and AttachPushID are
// single conditional writes; a false result means the precondition did not
// hold (or the payment does not exist) and nothing was written.
type Repository interface {
	Create(ctx context.Context, payment Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	FindByPushID(ctx context.Context, pushID string) (Payment, error)
	ListByOwner(ctx context.Context, providerID string) ([]Payment, error)
	AttachPushID(ctx context.Context, id, pushID string, at time.Time) (bool, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	Ping(ctx context.Context) error
}

const paymentColumns = `id, provider_id, recipient, amount, COALESCE(push_id, ''), status, created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed payment repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new payment.
func (r *PostgresRepository) Create(ctx context.Context, p Payment) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return fmt.Errorf("payment id: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO payments (id, provider_id, recipient, amount, push_id, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		id, p.ProviderID, p.Recipient, p.Amount, p.PushID, string(p.Status), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return err
}

// Get fetches a payment by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Payment, error) {
	paymentID, err := uuid.Parse(id)
	if err != nil {
		return Payment{}, ErrNotFound
	}
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
}

// FindByPushID resolves a push-request handle to its payment.
func (r *PostgresRepository) FindByPushID(ctx context.Context, pushID string) (Payment, error) {
	if pushID == "" {
		return Payment{}, ErrNotFound
	}
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE push_id = $1`, pushID))
}

// ListByOwner returns the payments of one provider identity, newest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, providerID string) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_id = $1 ORDER BY created_at DESC`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AttachPushID records the push handle while the payment is pending and has none.
func (r *PostgresRepository) AttachPushID(ctx context.Context, id, pushID string, at time.Time) (bool, error) {
	paymentID, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}
	cmd, err := r.db.Exec(ctx, `UPDATE payments SET push_id = $1, updated_at = $2
        WHERE id = $3 AND push_id IS NULL AND status = 'pending'`, pushID, at.UTC(), paymentID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, fmt.Errorf("push id %s already used: %w", pushID, ErrPushAlreadyAttached)
		}
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// CompareAndSetStatus moves the status from one value to another in a
// single conditional UPDATE, so concurrent callers serialize on the row.
func (r *PostgresRepository) CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	paymentID, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}
	cmd, err := r.db.Exec(ctx, `UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at.UTC(), paymentID, string(from))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		id     uuid.UUID
		status string
		p      Payment
	)
	if err := row.Scan(&id, &p.ProviderID, &p.Recipient, &p.Amount, &p.PushID, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, err
	}
	p.ID = id.String()
	p.Status = Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
