package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

type CustomerRepository struct {
	db DBTX
}

func NewCustomerRepository(db DBTX) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) Create(ctx context.Context, customer *entity.Customer) error {
	query := `
		INSERT INTO customers (user_id, external_customer_id, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		customer.UserID,
		customer.ExternalCustomerID,
		customer.Email,
		customer.CreatedAt,
		customer.UpdatedAt,
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
	customer.ID = uint64(id)
	return nil
}

func (r *CustomerRepository) FindByUserID(ctx context.Context, userID string) (*entity.Customer, error) {
	query := `
		SELECT id, user_id, external_customer_id, email, created_at, updated_at
		FROM customers
		WHERE user_id = ?
		LIMIT 1
	`

	customer := &entity.Customer{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&customer.ID,
		&customer.UserID,
		&customer.ExternalCustomerID,
		&customer.Email,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return customer, nil
}
