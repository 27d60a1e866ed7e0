package identity

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

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByProviderID(ctx context.Context, providerID string) (User, error)
	// SetProviderID records the provider handle. It fails with
	// ErrAlreadyEnrolled when a handle is already present.
	SetProviderID(ctx context.Context, id, providerID string) error
	Ping(ctx context.Context) error
}

const uniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users (id, email, password_hash, phone, created_at)
        VALUES ($1, $2, $3, $4, $5)`, userID, user.Email, user.PasswordHash, user.Phone, user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

// FindByID fetches a user by primary key.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return r.findOne(ctx, `WHERE id = $1`, userID)
}

// FindByEmail fetches a user by email address.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, `WHERE email = $1`, email)
}

// FindByProviderID fetches the user linked to a provider handle.
func (r *PostgresRepository) FindByProviderID(ctx context.Context, providerID string) (User, error) {
	if providerID == "" {
		return User{}, ErrNotFound
	}
	return r.findOne(ctx, `WHERE provider_id = $1`, providerID)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, arg any) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, email, password_hash, phone, COALESCE(provider_id, ''), created_at FROM users `+where, arg)
	var (
		id        uuid.UUID
		createdAt time.Time
		user      User
	)
	if err := row.Scan(&id, &user.Email, &user.PasswordHash, &user.Phone, &user.ProviderID, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	return user, nil
}

// SetProviderID stores the provider handle once.
func (r *PostgresRepository) SetProviderID(ctx context.Context, id, providerID string) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE users SET provider_id = $1 WHERE id = $2 AND provider_id IS NULL`, providerID, userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("provider id %s already linked: %w", providerID, ErrConflict)
		}
		return err
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyEnrolled
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
