package store

import (
	"context"
	"fmt"

	"github.com/storefront/voice-addon-service/internal/domain"
)

// RecordCall stores a finished call and charges its minutes against the store's
// allowance. Both writes share a transaction keyed on the call id, so a redelivered
// report inserts nothing and charges nothing, including one that arrives after
// teardown archived the original. It reports whether the call was new.
func (r *PostgresRepository) RecordCall(ctx context.Context, call domain.CallLog, minutes int) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin metering tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO voice_call_logs (
			store_id, call_id, customer_phone, duration_seconds, transcript, summary, csat_score, cost, created_at
		)
		SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::INTEGER, $5::TEXT, $6::TEXT, $7::INTEGER, $8::NUMERIC, $9::TIMESTAMPTZ
		WHERE NOT EXISTS (
			SELECT 1 FROM voice_call_logs_archive WHERE store_id = $1 AND call_id = $2
		)
		ON CONFLICT (store_id, call_id) DO NOTHING
	`, call.StoreID, call.CallID, call.CustomerPhone, call.DurationSeconds, call.Transcript,
		call.Summary, call.CSATScore, call.Cost, call.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert call log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if minutes > 0 {
		tag, err = tx.Exec(ctx, `
			UPDATE voice_addon_subscriptions
			SET used_minutes = used_minutes + $2, updated_at = NOW()
			WHERE store_id = $1
		`, call.StoreID, minutes)
		if err != nil {
			return false, fmt.Errorf("increment used minutes: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, ErrSubscriptionNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit metering: %w", err)
	}
	return true, nil
}

// ListCallLogs returns a store's live call logs, newest first.
func (r *PostgresRepository) ListCallLogs(ctx context.Context, storeID string, opts domain.CallLogListOptions) ([]domain.CallLog, error) {
	rows, err := r.db.Query(ctx, `
		SELECT store_id, call_id, customer_phone, duration_seconds, transcript, summary, csat_score, cost::FLOAT8, created_at
		FROM voice_call_logs
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, storeID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.CallLog{}
	for rows.Next() {
		var l domain.CallLog
		if err := rows.Scan(&l.StoreID, &l.CallID, &l.CustomerPhone, &l.DurationSeconds, &l.Transcript,
			&l.Summary, &l.CSATScore, &l.Cost, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ArchiveCallLogs moves a store's call logs into the archive table in batches. Each
// batch is copied then deleted in its own transaction, so a failure leaves the
// already-moved batches archived and the rest live. It returns the number moved.
func (r *PostgresRepository) ArchiveCallLogs(ctx context.Context, storeID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	moved := 0
	for {
		n, err := r.archiveBatch(ctx, storeID, batchSize)
		moved += n
		if err != nil {
			return moved, err
		}
		if n < batchSize {
			return moved, nil
		}
	}
}

func (r *PostgresRepository) archiveBatch(ctx context.Context, storeID string, batchSize int) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		WITH batch AS (
			SELECT call_id FROM voice_call_logs
			WHERE store_id = $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), moved AS (
			DELETE FROM voice_call_logs l
			USING batch
			WHERE l.store_id = $1 AND l.call_id = batch.call_id
			RETURNING l.*
		)
		INSERT INTO voice_call_logs_archive (
			store_id, call_id, customer_phone, duration_seconds, transcript, summary, csat_score, cost, created_at, archived_at
		)
		SELECT store_id, call_id, customer_phone, duration_seconds, transcript, summary, csat_score, cost, created_at, NOW()
		FROM moved
		ON CONFLICT (store_id, call_id) DO UPDATE SET archived_at = EXCLUDED.archived_at
	`, storeID, batchSize)
	if err != nil {
		return 0, fmt.Errorf("archive call logs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
