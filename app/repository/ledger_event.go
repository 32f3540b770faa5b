package repository

import (
	"context"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

type LedgerEventRepository struct {
	db DBTX
}

func NewLedgerEventRepository(db DBTX) *LedgerEventRepository {
	return &LedgerEventRepository{db: db}
}

func (r *LedgerEventRepository) Create(ctx context.Context, event *entity.LedgerEvent) error {
	query := `
		INSERT INTO ledger_events (
			entity_type, entity_id, event_type, old_status, new_status, external_event_id, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		event.EntityType,
		event.EntityID,
		event.EventType,
		nullableInt32Value(event.OldStatus),
		event.NewStatus,
		nullableStringValue(event.ExternalEventID),
		nullableStringValue(event.PayloadJSON),
		event.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = uint64(id)
	return nil
}
