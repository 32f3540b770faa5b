package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

type NotificationRepository struct {
	db DBTX
}

func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, notification *entity.Notification) error {
	query := `
		INSERT INTO notifications (
			user_id, kind, payload_json, delivery_status, delivery_attempts, next_attempt_at, last_error, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		notification.UserID,
		notification.Kind,
		notification.PayloadJSON,
		notification.DeliveryStatus,
		notification.DeliveryAttempts,
		nullableTimeValue(notification.NextAttemptAt),
		nullableStringValue(notification.LastError),
		notification.CreatedAt,
		notification.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	notification.ID = uint64(id)
	return nil
}

func (r *NotificationRepository) Update(ctx context.Context, notification *entity.Notification) error {
	query := `
		UPDATE notifications SET
			delivery_status = ?,
			delivery_attempts = ?,
			next_attempt_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		notification.DeliveryStatus,
		notification.DeliveryAttempts,
		nullableTimeValue(notification.NextAttemptAt),
		nullableStringValue(notification.LastError),
		notification.UpdatedAt,
		notification.ID,
	)
	if err != nil {
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

// ListDue returns pending notifications whose next attempt is due.
func (r *NotificationRepository) ListDue(ctx context.Context, now time.Time, limit int32) ([]*entity.Notification, error) {
	query := `
		SELECT id, user_id, kind, payload_json, delivery_status, delivery_attempts, next_attempt_at, last_error, created_at, updated_at
		FROM notifications
		WHERE delivery_status = ?
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, entity.NotificationDeliveryPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Notification, 0)
	for rows.Next() {
		item := &entity.Notification{}
		var nextAttemptAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.UserID,
			&item.Kind,
			&item.PayloadJSON,
			&item.DeliveryStatus,
			&item.DeliveryAttempts,
			&nextAttemptAt,
			&lastError,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.NextAttemptAt = timePtrFromNull(nextAttemptAt)
		item.LastError = stringPtrFromNull(lastError)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
