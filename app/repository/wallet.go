package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

const walletColumns = `id, user_id, balance, currency, last_transaction_id, last_transaction_amount, created_at, updated_at`

type WalletRepository struct {
	db DBTX
}

func NewWalletRepository(db DBTX) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, wallet *entity.Wallet) error {
	query := `
		INSERT INTO wallets (user_id, balance, currency, last_transaction_id, last_transaction_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		wallet.UserID,
		wallet.Balance,
		wallet.Currency,
		nullableUint64Value(wallet.LastTransactionID),
		nullableInt64Value(wallet.LastTransactionAmount),
		wallet.CreatedAt,
		wallet.UpdatedAt,
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
	wallet.ID = uint64(id)
	return nil
}

func (r *WalletRepository) FindByID(ctx context.Context, id uint64) (*entity.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *WalletRepository) FindByUserID(ctx context.Context, userID string) (*entity.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = ? LIMIT 1`
	return r.findOne(ctx, query, userID)
}

func (r *WalletRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Wallet, error) {
	wallet := &entity.Wallet{}
	if err := scanWallet(r.db.QueryRowContext(ctx, query, args...), wallet); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	ids, err := r.transactionIDs(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	wallet.TransactionIDs = ids

	return wallet, nil
}

func (r *WalletRepository) transactionIDs(ctx context.Context, walletID uint64) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT transaction_id FROM wallet_transactions WHERE wallet_id = ? ORDER BY id ASC`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uint64, 0)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func scanWallet(scan rowScanner, wallet *entity.Wallet) error {
	var lastTxID sql.NullInt64
	var lastTxAmount sql.NullInt64

	err := scan.Scan(
		&wallet.ID,
		&wallet.UserID,
		&wallet.Balance,
		&wallet.Currency,
		&lastTxID,
		&lastTxAmount,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		return err
	}

	wallet.LastTransactionID = uint64PtrFromNull(lastTxID)
	wallet.LastTransactionAmount = int64PtrFromNull(lastTxAmount)
	return nil
}
