package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storefront/voice-addon-service/internal/domain"
)

const didColumns = `id::TEXT, phone_number, assigned, store_id, assigned_at, unassigned_at`

func scanDID(row pgx.Row) (*domain.DID, error) {
	var d domain.DID
	if err := row.Scan(&d.ID, &d.PhoneNumber, &d.Assigned, &d.StoreID, &d.AssignedAt, &d.UnassignedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// didClaimer is the two queries the allocation loop is built from.
type didClaimer interface {
	// claimFree assigns one free number that no other transaction holds a lock on.
	// It returns pgx.ErrNoRows when nothing could be claimed right now.
	claimFree(ctx context.Context, storeID string) (*domain.DID, error)
	// hasFree reports whether any number is still unassigned.
	hasFree(ctx context.Context) (bool, error)
}

// allocateFromPool keeps claiming until it gets a number or the pool is empty. A claim
// comes back empty while free rows exist only when concurrent allocators hold them;
// those either commit, shrinking the pool, or roll back and free the row again.
func allocateFromPool(ctx context.Context, c didClaimer, storeID string) (*domain.DID, error) {
	for {
		did, err := c.claimFree(ctx, storeID)
		if err == nil {
			return did, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("claim did: %w", err)
		}

		free, err := c.hasFree(ctx)
		if err != nil {
			return nil, fmt.Errorf("check did pool: %w", err)
		}
		if !free {
			return nil, ErrNoDIDAvailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(allocateRetryDelay):
		}
	}
}

// AllocateDID assigns one free number to a store. Concurrent allocators skip rows
// another transaction has locked, so each claims a different number.
func (r *PostgresRepository) AllocateDID(ctx context.Context, storeID string) (*domain.DID, error) {
	return allocateFromPool(ctx, pgDIDClaimer{r.db}, storeID)
}

type pgDIDClaimer struct {
	db *pgxpool.Pool
}

func (c pgDIDClaimer) claimFree(ctx context.Context, storeID string) (*domain.DID, error) {
	return scanDID(c.db.QueryRow(ctx, `
		UPDATE voice_dids
		SET assigned = TRUE, store_id = $1, assigned_at = NOW()
		WHERE id = (
			SELECT id FROM voice_dids
			WHERE assigned = FALSE
			ORDER BY unassigned_at NULLS FIRST, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND assigned = FALSE
		RETURNING `+didColumns,
		storeID))
}

func (c pgDIDClaimer) hasFree(ctx context.Context) (bool, error) {
	var free bool
	err := c.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM voice_dids WHERE assigned = FALSE)`).Scan(&free)
	return free, err
}

// ReleaseDID returns a number to the pool. Releasing an unassigned number is a no-op.
func (r *PostgresRepository) ReleaseDID(ctx context.Context, didID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE voice_dids
		SET assigned = FALSE, store_id = NULL, unassigned_at = NOW()
		WHERE id = $1 AND assigned = TRUE
	`, didID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM voice_dids WHERE id = $1)`, didID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDIDNotFound
		}
	}
	return nil
}

// FindDIDByPhoneNumber is the reverse index used to route inbound calls.
func (r *PostgresRepository) FindDIDByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.DID, error) {
	did, err := scanDID(r.db.QueryRow(ctx, `SELECT `+didColumns+` FROM voice_dids WHERE phone_number = $1`, phoneNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDIDNotFound
		}
		return nil, err
	}
	return did, nil
}

// AddDIDs loads numbers into the pool, skipping ones that already exist.
func (r *PostgresRepository) AddDIDs(ctx context.Context, phoneNumbers []string) (int, error) {
	batch := &pgx.Batch{}
	for _, number := range phoneNumbers {
		batch.Queue(`INSERT INTO voice_dids (phone_number) VALUES ($1) ON CONFLICT (phone_number) DO NOTHING`, number)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	added := 0
	for range phoneNumbers {
		tag, err := results.Exec()
		if err != nil {
			return added, fmt.Errorf("insert did: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// PoolStats counts assigned and available numbers.
func (r *PostgresRepository) PoolStats(ctx context.Context) (domain.PoolStats, error) {
	var stats domain.PoolStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE assigned)
		FROM voice_dids
	`).Scan(&stats.Total, &stats.Assigned)
	if err != nil {
		return stats, err
	}
	stats.Available = stats.Total - stats.Assigned
	return stats, nil
}
