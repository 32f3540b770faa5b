package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

const subscriptionColumns = `
	id, user_id, plan_id, external_subscription_id, external_customer_id, status, failed_invoice_count,
	start_date, end_date, current_period_start, current_period_end, canceled_at, created_at, updated_at`

type SubscriptionRepository struct {
	db DBTX
}

func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts the subscription. A second live subscription for the same
// user violates the active_slot unique key and yields ErrAlreadyExists.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *entity.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			user_id, plan_id, external_subscription_id, external_customer_id, status, failed_invoice_count, active_slot,
			start_date, end_date, current_period_start, current_period_end, canceled_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.UserID,
		sub.PlanID,
		nullableStringValue(sub.ExternalSubscriptionID),
		nullableStringValue(sub.ExternalCustomerID),
		sub.Status,
		sub.FailedInvoiceCount,
		activeSlot(sub),
		nullableTimeValue(sub.StartDate),
		nullableTimeValue(sub.EndDate),
		nullableTimeValue(sub.CurrentPeriodStart),
		nullableTimeValue(sub.CurrentPeriodEnd),
		nullableTimeValue(sub.CanceledAt),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	sub.ID = uint64(id)
	return nil
}

// UpdateStatus writes the subscription only while the stored status still
// equals from. The returned flag is false when another writer moved the row
// first; the caller re-reads and decides again.
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, sub *entity.Subscription, from int32) (bool, error) {
	query := `
		UPDATE subscriptions SET
			plan_id = ?,
			external_subscription_id = ?,
			external_customer_id = ?,
			status = ?,
			failed_invoice_count = ?,
			active_slot = ?,
			start_date = ?,
			end_date = ?,
			current_period_start = ?,
			current_period_end = ?,
			canceled_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.PlanID,
		nullableStringValue(sub.ExternalSubscriptionID),
		nullableStringValue(sub.ExternalCustomerID),
		sub.Status,
		sub.FailedInvoiceCount,
		activeSlot(sub),
		nullableTimeValue(sub.StartDate),
		nullableTimeValue(sub.EndDate),
		nullableTimeValue(sub.CurrentPeriodStart),
		nullableTimeValue(sub.CurrentPeriodEnd),
		nullableTimeValue(sub.CanceledAt),
		sub.UpdatedAt,
		sub.ID,
		from,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, ErrAlreadyExists
		}
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateBilling stores the gateway references, plan and billing period. The
// status columns are owned by UpdateStatus and never written here.
func (r *SubscriptionRepository) UpdateBilling(ctx context.Context, sub *entity.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = ?,
			external_subscription_id = COALESCE(?, external_subscription_id),
			external_customer_id = COALESCE(?, external_customer_id),
			current_period_start = COALESCE(?, current_period_start),
			current_period_end = COALESCE(?, current_period_end),
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.PlanID,
		nullableStringValue(sub.ExternalSubscriptionID),
		nullableStringValue(sub.ExternalCustomerID),
		nullableTimeValue(sub.CurrentPeriodStart),
		nullableTimeValue(sub.CurrentPeriodEnd),
		sub.UpdatedAt,
		sub.ID,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrAlreadyExists
		}
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id uint64) (*entity.Subscription, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *SubscriptionRepository) FindByExternalID(ctx context.Context, externalID string) (*entity.Subscription, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ? LIMIT 1`, externalID)
}

// FindLiveByUserID returns the user's non-canceled subscription, if any.
func (r *SubscriptionRepository) FindLiveByUserID(ctx context.Context, userID string) (*entity.Subscription, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE active_slot = ? LIMIT 1`, userID)
}

func (r *SubscriptionRepository) FindLatestByUserID(ctx context.Context, userID string) (*entity.Subscription, error) {
	return r.findOne(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
}

// ListOrphanedIncomplete returns INCOMPLETE subscriptions that never got an external id.
func (r *SubscriptionRepository) ListOrphanedIncomplete(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = ? AND external_subscription_id IS NULL AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, entity.SubscriptionStatusIncomplete, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Subscription, 0)
	for rows.Next() {
		item := &entity.Subscription{}
		if err := scanSubscription(rows, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *SubscriptionRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Subscription, error) {
	sub := &entity.Subscription{}
	if err := scanSubscription(r.db.QueryRowContext(ctx, query, args...), sub); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

func activeSlot(sub *entity.Subscription) interface{} {
	if !sub.IsLive() {
		return nil
	}
	return sub.UserID
}

func scanSubscription(scan rowScanner, sub *entity.Subscription) error {
	var externalSubscriptionID sql.NullString
	var externalCustomerID sql.NullString
	var startDate, endDate, periodStart, periodEnd, canceledAt sql.NullTime

	err := scan.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&externalSubscriptionID,
		&externalCustomerID,
		&sub.Status,
		&sub.FailedInvoiceCount,
		&startDate,
		&endDate,
		&periodStart,
		&periodEnd,
		&canceledAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return err
	}

	sub.ExternalSubscriptionID = stringPtrFromNull(externalSubscriptionID)
	sub.ExternalCustomerID = stringPtrFromNull(externalCustomerID)
	sub.StartDate = timePtrFromNull(startDate)
	sub.EndDate = timePtrFromNull(endDate)
	sub.CurrentPeriodStart = timePtrFromNull(periodStart)
	sub.CurrentPeriodEnd = timePtrFromNull(periodEnd)
	sub.CanceledAt = timePtrFromNull(canceledAt)
	return nil
}
