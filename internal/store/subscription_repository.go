package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/storefront/voice-addon-service/internal/domain"
)

const subscriptionColumns = `
	store_id, enabled, status, external_assistant_id, external_phone_binding_id,
	did_id::TEXT, phone_number, monthly_fee, currency, minutes_included, used_minutes,
	start_date, expiry_date, grace_period_ends_at, renewal_count, last_renewal_date,
	deleted_at, renewal_reminder_sent_for, deletion_warning_sent_for, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var status string
	err := row.Scan(
		&sub.StoreID,
		&sub.Enabled,
		&status,
		&sub.ExternalAssistantID,
		&sub.ExternalPhoneBindingID,
		&sub.DIDID,
		&sub.PhoneNumber,
		&sub.Plan.MonthlyFee,
		&sub.Plan.Currency,
		&sub.Plan.MinutesIncluded,
		&sub.UsedMinutes,
		&sub.StartDate,
		&sub.ExpiryDate,
		&sub.GracePeriodEndsAt,
		&sub.RenewalCount,
		&sub.LastRenewalDate,
		&sub.DeletedAt,
		&sub.RenewalReminderSentFor,
		&sub.DeletionWarningSentFor,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = domain.Status(status)
	return &sub, nil
}

func (r *PostgresRepository) querySubscriptions(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// GetSubscription retrieves the add-on record for a store.
func (r *PostgresRepository) GetSubscription(ctx context.Context, storeID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM voice_addon_subscriptions WHERE store_id = $1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, storeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// FindSubscriptionByPhoneBinding resolves a record from the provider's phone binding id.
func (r *PostgresRepository) FindSubscriptionByPhoneBinding(ctx context.Context, bindingID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM voice_addon_subscriptions WHERE external_phone_binding_id = $1`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, bindingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// SaveSubscription creates the record for a store or replaces a previously expired one.
func (r *PostgresRepository) SaveSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO voice_addon_subscriptions (
			store_id, enabled, status, external_assistant_id, external_phone_binding_id,
			did_id, phone_number, monthly_fee, currency, minutes_included, used_minutes,
			start_date, expiry_date, grace_period_ends_at, renewal_count, last_renewal_date,
			deleted_at, renewal_reminder_sent_for, deletion_warning_sent_for
		)
		VALUES ($1, $2, $3, $4, $5, $6::UUID, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULL, NULL, NULL)
		ON CONFLICT (store_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			status = EXCLUDED.status,
			external_assistant_id = EXCLUDED.external_assistant_id,
			external_phone_binding_id = EXCLUDED.external_phone_binding_id,
			did_id = EXCLUDED.did_id,
			phone_number = EXCLUDED.phone_number,
			monthly_fee = EXCLUDED.monthly_fee,
			currency = EXCLUDED.currency,
			minutes_included = EXCLUDED.minutes_included,
			used_minutes = EXCLUDED.used_minutes,
			start_date = EXCLUDED.start_date,
			expiry_date = EXCLUDED.expiry_date,
			grace_period_ends_at = EXCLUDED.grace_period_ends_at,
			renewal_count = EXCLUDED.renewal_count,
			last_renewal_date = EXCLUDED.last_renewal_date,
			deleted_at = NULL,
			renewal_reminder_sent_for = NULL,
			deletion_warning_sent_for = NULL,
			updated_at = NOW()
		WHERE voice_addon_subscriptions.status = 'expired'
	`
	tag, err := r.db.Exec(ctx, query,
		sub.StoreID,
		sub.Enabled,
		string(sub.Status),
		sub.ExternalAssistantID,
		sub.ExternalPhoneBindingID,
		sub.DIDID,
		sub.PhoneNumber,
		sub.Plan.MonthlyFee,
		sub.Plan.Currency,
		sub.Plan.MinutesIncluded,
		sub.UsedMinutes,
		sub.StartDate,
		sub.ExpiryDate,
		sub.GracePeriodEndsAt,
		sub.RenewalCount,
		sub.LastRenewalDate,
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionActive
	}
	return nil
}

// RenewSubscription consumes a payment reference and extends the subscription in one
// transaction, so a reference can never renew twice.
func (r *PostgresRepository) RenewSubscription(ctx context.Context, storeID, paymentRef, usedFor string, renewal domain.Renewal) (*domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin renewal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claim, err := tx.Exec(ctx, `
		INSERT INTO voice_payment_claims (payment_reference, store_id, used_for, claimed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (payment_reference) DO NOTHING
	`, paymentRef, storeID, usedFor)
	if err != nil {
		return nil, fmt.Errorf("claim payment: %w", err)
	}
	if claim.RowsAffected() == 0 {
		return nil, ErrPaymentAlreadyUsed
	}

	query := `
		UPDATE voice_addon_subscriptions
		SET status = 'active',
		    expiry_date = $2,
		    used_minutes = 0,
		    grace_period_ends_at = NULL,
		    renewal_count = $3,
		    last_renewal_date = $4,
		    renewal_reminder_sent_for = NULL,
		    deletion_warning_sent_for = NULL,
		    updated_at = NOW()
		WHERE store_id = $1
		  AND enabled = TRUE
		  AND status IN ('active', 'grace_period')
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(tx.QueryRow(ctx, query, storeID, renewal.ExpiryDate, renewal.RenewalCount, renewal.LastRenewalDate))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if existsErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM voice_addon_subscriptions WHERE store_id = $1)`, storeID).Scan(&exists); existsErr != nil {
				return nil, existsErr
			}
			if !exists {
				return nil, ErrSubscriptionNotFound
			}
			return nil, ErrNotRenewable
		}
		return nil, fmt.Errorf("renew subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit renewal: %w", err)
	}
	return sub, nil
}

// MarkGracePeriod moves an active record whose expiry has passed into its grace
// period. It reports false when the record was no longer active or was renewed after
// it was listed, which keeps repeated sweeps from re-notifying.
func (r *PostgresRepository) MarkGracePeriod(ctx context.Context, storeID string, now, gracePeriodEndsAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE voice_addon_subscriptions
		SET status = 'grace_period',
		    grace_period_ends_at = $2,
		    updated_at = NOW()
		WHERE store_id = $1 AND status = 'active' AND expiry_date <= $3
	`, storeID, gracePeriodEndsAt, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// BeginDeletion claims a record whose grace period has ended for teardown. The record
// is disabled in the same statement, so a renewal can no longer land on it. It reports
// false when the record was renewed or is not due, and true again for a record a
// previous teardown claimed but could not finish.
func (r *PostgresRepository) BeginDeletion(ctx context.Context, storeID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE voice_addon_subscriptions
		SET enabled = FALSE,
		    updated_at = NOW()
		WHERE store_id = $1
		  AND status = 'grace_period'
		  AND grace_period_ends_at <= $2
	`, storeID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired is the authoritative teardown marker.
func (r *PostgresRepository) MarkExpired(ctx context.Context, storeID string, deletedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE voice_addon_subscriptions
		SET enabled = FALSE,
		    status = 'expired',
		    external_assistant_id = NULL,
		    external_phone_binding_id = NULL,
		    did_id = NULL,
		    phone_number = NULL,
		    deleted_at = $2,
		    updated_at = NOW()
		WHERE store_id = $1
	`, storeID, deletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetRenewalReminderSent records the expiry date a renew-soon reminder was sent for.
func (r *PostgresRepository) SetRenewalReminderSent(ctx context.Context, storeID string, expiryDate time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE voice_addon_subscriptions SET renewal_reminder_sent_for = $2, updated_at = NOW() WHERE store_id = $1`,
		storeID, expiryDate)
	return err
}

// SetDeletionWarningSent records the grace deadline a final warning was sent for.
func (r *PostgresRepository) SetDeletionWarningSent(ctx context.Context, storeID string, graceEndsAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE voice_addon_subscriptions SET deletion_warning_sent_for = $2, updated_at = NOW() WHERE store_id = $1`,
		storeID, graceEndsAt)
	return err
}

// ListExpiredActive returns active records whose expiry has passed.
func (r *PostgresRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM voice_addon_subscriptions
		WHERE status = 'active' AND expiry_date <= $1
		ORDER BY expiry_date`
	return r.querySubscriptions(ctx, query, now)
}

// ListGraceElapsed returns grace-period records whose deletion deadline has passed.
func (r *PostgresRepository) ListGraceElapsed(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM voice_addon_subscriptions
		WHERE status = 'grace_period' AND grace_period_ends_at <= $1
		ORDER BY grace_period_ends_at`
	return r.querySubscriptions(ctx, query, now)
}

// ListExpiringBetween returns active records expiring in (from, to].
func (r *PostgresRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM voice_addon_subscriptions
		WHERE status = 'active' AND expiry_date > $1 AND expiry_date <= $2
		ORDER BY expiry_date`
	return r.querySubscriptions(ctx, query, from, to)
}

// ListGraceEndingBetween returns grace-period records whose deadline falls in (from, to].
func (r *PostgresRepository) ListGraceEndingBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM voice_addon_subscriptions
		WHERE status = 'grace_period' AND grace_period_ends_at > $1 AND grace_period_ends_at <= $2
		ORDER BY grace_period_ends_at`
	return r.querySubscriptions(ctx, query, from, to)
}
