package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

const planColumns = `
	id, owner_id, name, price, currency, duration, duration_unit, features_json,
	external_product_id, external_price_id, active, created_at, updated_at`

type PlanRepository struct {
	db DBTX
}

func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) Create(ctx context.Context, plan *entity.Plan) error {
	features, err := serializeStrings(plan.Features)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO plans (
			owner_id, name, price, currency, duration, duration_unit, features_json,
			external_product_id, external_price_id, active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		plan.OwnerID,
		plan.Name,
		plan.Price,
		plan.Currency,
		plan.Duration,
		plan.DurationUnit,
		features,
		plan.ExternalProductID,
		plan.ExternalPriceID,
		plan.Active,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	plan.ID = uint64(id)
	return nil
}

func (r *PlanRepository) Update(ctx context.Context, plan *entity.Plan) error {
	features, err := serializeStrings(plan.Features)
	if err != nil {
		return err
	}

	query := `
		UPDATE plans SET
			name = ?,
			price = ?,
			currency = ?,
			duration = ?,
			duration_unit = ?,
			features_json = ?,
			external_product_id = ?,
			external_price_id = ?,
			active = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		plan.Name,
		plan.Price,
		plan.Currency,
		plan.Duration,
		plan.DurationUnit,
		features,
		plan.ExternalProductID,
		plan.ExternalPriceID,
		plan.Active,
		plan.UpdatedAt,
		plan.ID,
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

func (r *PlanRepository) FindByID(ctx context.Context, id uint64) (*entity.Plan, error) {
	plan := &entity.Plan{}
	err := scanPlan(r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id), plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (r *PlanRepository) ListActive(ctx context.Context, limit, offset int32) ([]*entity.Plan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE active = 1 ORDER BY price ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]*entity.Plan, 0)
	for rows.Next() {
		item := &entity.Plan{}
		if err := scanPlan(rows, item); err != nil {
			return nil, err
		}
		plans = append(plans, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return plans, nil
}

func scanPlan(scan rowScanner, plan *entity.Plan) error {
	var features string
	err := scan.Scan(
		&plan.ID,
		&plan.OwnerID,
		&plan.Name,
		&plan.Price,
		&plan.Currency,
		&plan.Duration,
		&plan.DurationUnit,
		&features,
		&plan.ExternalProductID,
		&plan.ExternalPriceID,
		&plan.Active,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return err
	}

	plan.Features, err = parseStrings(features)
	return err
}
