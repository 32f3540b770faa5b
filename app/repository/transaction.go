package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

const transactionColumns = `
	id, user_id, wallet_id, contest_id, amount, currency, method, type, status,
	external_transaction_id, external_session_id,
	refund_amount, refund_percentage, refund_status, external_refund_id, refund_reason, refunded_at,
	subscription_id, old_plan_id, new_plan_id, external_subscription_id,
	failure_reason, created_at, updated_at`

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *entity.Transaction) error {
	return insertTransaction(ctx, r.db, tx)
}

// Update persists reference and refund bookkeeping fields. Status and amounts
// only change through LedgerRepository.
func (r *TransactionRepository) Update(ctx context.Context, tx *entity.Transaction) error {
	query := `
		UPDATE transactions SET
			external_transaction_id = ?,
			external_session_id = ?,
			external_subscription_id = ?,
			subscription_id = ?,
			old_plan_id = ?,
			new_plan_id = ?,
			refund_status = ?,
			refund_reason = ?,
			failure_reason = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(tx.ExternalTransactionID),
		nullableStringValue(tx.ExternalSessionID),
		nullableStringValue(tx.ExternalSubscriptionID),
		nullableUint64Value(tx.SubscriptionID),
		nullableUint64Value(tx.OldPlanID),
		nullableUint64Value(tx.NewPlanID),
		tx.RefundStatus,
		nullableStringValue(tx.RefundReason),
		nullableStringValue(tx.FailureReason),
		tx.UpdatedAt,
		tx.ID,
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

// UpdatePendingAmount corrects the billed amount of a PENDING transaction
// that does not move a wallet balance, such as a prorated subscription invoice.
func (r *TransactionRepository) UpdatePendingAmount(ctx context.Context, id uint64, amount int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE transactions SET amount = ?, updated_at = ?
		WHERE id = ? AND status = ? AND wallet_id IS NULL
	`, amount, now, id, entity.TransactionStatusPending)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id uint64) (*entity.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
}

func (r *TransactionRepository) FindByExternalTransactionID(ctx context.Context, externalID string) (*entity.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_transaction_id = ? LIMIT 1`, externalID)
}

func (r *TransactionRepository) FindByExternalSessionID(ctx context.Context, sessionID string) (*entity.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_session_id = ? LIMIT 1`, sessionID)
}

// FindPendingBySubscriptionID returns the most recent staged billing transaction of a subscription.
func (r *TransactionRepository) FindPendingBySubscriptionID(ctx context.Context, subscriptionID uint64) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE subscription_id = ? AND status = ?
		ORDER BY id DESC
		LIMIT 1`
	return r.findOne(ctx, query, subscriptionID, entity.TransactionStatusPending)
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, limit, offset int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?`
	return r.list(ctx, query, userID, limit, offset)
}

// ListStalePending returns card-gateway transactions still PENDING that already
// carry a gateway reference and have not moved since before.
func (r *TransactionRepository) ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ?
		  AND method = ?
		  AND wallet_id IS NOT NULL
		  AND (external_transaction_id IS NOT NULL OR external_session_id IS NOT NULL)
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`
	return r.list(ctx, query, entity.TransactionStatusPending, entity.TransactionMethodCard, before, limit)
}

// ListOrphanedPending returns staged transactions that never received any gateway reference.
func (r *TransactionRepository) ListOrphanedPending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ?
		  AND external_transaction_id IS NULL
		  AND external_session_id IS NULL
		  AND external_subscription_id IS NULL
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`
	return r.list(ctx, query, entity.TransactionStatusPending, cutoff, limit)
}

func (r *TransactionRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Transaction, error) {
	tx := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, args...), tx); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return tx, nil
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Transaction, 0)
	for rows.Next() {
		item := &entity.Transaction{}
		if err := scanTransaction(rows, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func insertTransaction(ctx context.Context, db DBTX, tx *entity.Transaction) error {
	query := `
		INSERT INTO transactions (
			user_id, wallet_id, contest_id, amount, currency, method, type, status,
			external_transaction_id, external_session_id,
			refund_amount, refund_percentage, refund_status, external_refund_id, refund_reason, refunded_at,
			subscription_id, old_plan_id, new_plan_id, external_subscription_id,
			failure_reason, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	refundStatus := tx.RefundStatus
	if refundStatus == "" {
		refundStatus = entity.RefundStatusNone
		tx.RefundStatus = refundStatus
	}

	result, err := db.ExecContext(ctx, query,
		tx.UserID,
		nullableUint64Value(tx.WalletID),
		nullableStringValue(tx.ContestID),
		tx.Amount,
		tx.Currency,
		tx.Method,
		tx.Type,
		tx.Status,
		nullableStringValue(tx.ExternalTransactionID),
		nullableStringValue(tx.ExternalSessionID),
		tx.RefundAmount,
		tx.RefundPercentage,
		refundStatus,
		nullableStringValue(tx.ExternalRefundID),
		nullableStringValue(tx.RefundReason),
		nullableTimeValue(tx.RefundedAt),
		nullableUint64Value(tx.SubscriptionID),
		nullableUint64Value(tx.OldPlanID),
		nullableUint64Value(tx.NewPlanID),
		nullableStringValue(tx.ExternalSubscriptionID),
		nullableStringValue(tx.FailureReason),
		tx.CreatedAt,
		tx.UpdatedAt,
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
	tx.ID = uint64(id)
	return nil
}

func scanTransaction(scan rowScanner, tx *entity.Transaction) error {
	var walletID sql.NullInt64
	var contestID sql.NullString
	var externalTxID sql.NullString
	var externalSessionID sql.NullString
	var externalRefundID sql.NullString
	var refundReason sql.NullString
	var refundedAt sql.NullTime
	var subscriptionID sql.NullInt64
	var oldPlanID sql.NullInt64
	var newPlanID sql.NullInt64
	var externalSubscriptionID sql.NullString
	var failureReason sql.NullString

	err := scan.Scan(
		&tx.ID,
		&tx.UserID,
		&walletID,
		&contestID,
		&tx.Amount,
		&tx.Currency,
		&tx.Method,
		&tx.Type,
		&tx.Status,
		&externalTxID,
		&externalSessionID,
		&tx.RefundAmount,
		&tx.RefundPercentage,
		&tx.RefundStatus,
		&externalRefundID,
		&refundReason,
		&refundedAt,
		&subscriptionID,
		&oldPlanID,
		&newPlanID,
		&externalSubscriptionID,
		&failureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return err
	}

	tx.WalletID = uint64PtrFromNull(walletID)
	tx.ContestID = stringPtrFromNull(contestID)
	tx.ExternalTransactionID = stringPtrFromNull(externalTxID)
	tx.ExternalSessionID = stringPtrFromNull(externalSessionID)
	tx.ExternalRefundID = stringPtrFromNull(externalRefundID)
	tx.RefundReason = stringPtrFromNull(refundReason)
	tx.RefundedAt = timePtrFromNull(refundedAt)
	tx.SubscriptionID = uint64PtrFromNull(subscriptionID)
	tx.OldPlanID = uint64PtrFromNull(oldPlanID)
	tx.NewPlanID = uint64PtrFromNull(newPlanID)
	tx.ExternalSubscriptionID = stringPtrFromNull(externalSubscriptionID)
	tx.FailureReason = stringPtrFromNull(failureReason)
	return nil
}
