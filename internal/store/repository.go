/**
 * @description
 * This file implements the data access layer for the voice add-on service.
 * It contains the PostgreSQL repository shared by the API server and the
 * scheduler, plus the sentinel errors both storage implementations return.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storefront/voice-addon-service/internal/domain"
)

var (
	ErrStoreNotFound        = errors.New("store not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionActive   = errors.New("subscription already enabled")
	ErrDIDNotFound          = errors.New("did not found")
	ErrNoDIDAvailable       = errors.New("no phone numbers available")
	ErrPaymentAlreadyUsed   = errors.New("payment reference already used")
	ErrNotRenewable         = errors.New("subscription is not renewable")
)

// allocateRetryDelay spaces AllocateDID retries while other allocators hold the
// remaining free rows.
const allocateRetryDelay = 20 * time.Millisecond

// PostgresRepository handles database operations for the voice add-on.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Ping checks database connectivity for the health endpoint.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// FindStore loads a store from the platform's stores table.
func (r *PostgresRepository) FindStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var s domain.Store
	err := r.db.QueryRow(ctx,
		`SELECT id, name, COALESCE(owner_clerk_id, '') FROM stores WHERE id = $1`,
		storeID,
	).Scan(&s.ID, &s.Name, &s.OwnerClerkID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FindStoreByOwner resolves the store owned by an authenticated seller.
func (r *PostgresRepository) FindStoreByOwner(ctx context.Context, clerkUserID string) (*domain.Store, error) {
	var s domain.Store
	err := r.db.QueryRow(ctx,
		`SELECT id, name, owner_clerk_id FROM stores WHERE owner_clerk_id = $1 ORDER BY created_at LIMIT 1`,
		clerkUserID,
	).Scan(&s.ID, &s.Name, &s.OwnerClerkID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &s, nil
}
