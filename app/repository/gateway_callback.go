package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

type GatewayCallbackRepository struct {
	db DBTX
}

func NewGatewayCallbackRepository(db DBTX) *GatewayCallbackRepository {
	return &GatewayCallbackRepository{db: db}
}

// Create stores a callback that carries no usable event id, typically one
// that failed verification.
func (r *GatewayCallbackRepository) Create(ctx context.Context, callback *entity.GatewayCallback) error {
	query := `
		INSERT INTO gateway_callbacks (gateway, event_id, event_type, signature, payload_json, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		callback.Gateway,
		nullableStringValue(callback.EventID),
		callback.EventType,
		truncateText(callback.Signature, 1024),
		callback.PayloadJSON,
		callback.Status,
		nullableStringValue(callback.Error),
		callback.CreatedAt,
		callback.UpdatedAt,
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
	callback.ID = uint64(id)
	return nil
}

// Upsert records the outcome of an event keyed by (gateway, event_id). A
// later outcome for the same event overwrites the earlier one.
func (r *GatewayCallbackRepository) Upsert(ctx context.Context, callback *entity.GatewayCallback) error {
	query := `
		INSERT INTO gateway_callbacks (gateway, event_id, event_type, signature, payload_json, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			event_type = VALUES(event_type),
			signature = VALUES(signature),
			payload_json = VALUES(payload_json),
			status = VALUES(status),
			error = VALUES(error),
			updated_at = VALUES(updated_at)
	`

	_, err := r.db.ExecContext(ctx, query,
		callback.Gateway,
		nullableStringValue(callback.EventID),
		callback.EventType,
		truncateText(callback.Signature, 1024),
		callback.PayloadJSON,
		callback.Status,
		nullableStringValue(callback.Error),
		callback.CreatedAt,
		callback.UpdatedAt,
	)
	return err
}

func (r *GatewayCallbackRepository) FindByEvent(ctx context.Context, gateway, eventID string) (*entity.GatewayCallback, error) {
	query := `
		SELECT id, gateway, event_id, event_type, signature, payload_json, status, error, created_at, updated_at
		FROM gateway_callbacks
		WHERE gateway = ? AND event_id = ?
		LIMIT 1
	`

	callback := &entity.GatewayCallback{}
	var storedEventID sql.NullString
	var callbackErr sql.NullString
	err := r.db.QueryRowContext(ctx, query, gateway, eventID).Scan(
		&callback.ID,
		&callback.Gateway,
		&storedEventID,
		&callback.EventType,
		&callback.Signature,
		&callback.PayloadJSON,
		&callback.Status,
		&callbackErr,
		&callback.CreatedAt,
		&callback.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	callback.EventID = stringPtrFromNull(storedEventID)
	callback.Error = stringPtrFromNull(callbackErr)
	return callback, nil
}
