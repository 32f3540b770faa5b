package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RefundApplication describes a gateway-confirmed refund against a credited transaction.
type RefundApplication struct {
	TransactionID    uint64
	Amount           int64
	Percentage       int32
	ExternalRefundID string
	Reason           string
	At               time.Time
}

// LedgerRepository owns every write that must change a transaction status and a
// wallet balance together.
type LedgerRepository struct {
	db txBeginner
}

func NewLedgerRepository(db txBeginner) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CompleteTransaction moves a PENDING transaction to SUCCESS and, for wallet
// transactions, credits the wallet in the same database transaction. The
// returned flag is false when the row was not PENDING; the stored state is
// returned unchanged in that case.
func (r *LedgerRepository) CompleteTransaction(ctx context.Context, id uint64, externalID *string, now time.Time) (*entity.Transaction, bool, error) {
	var result *entity.Transaction
	applied := false

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		result = current
		if current.Status != entity.TransactionStatusPending {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET status = ?, external_transaction_id = COALESCE(?, external_transaction_id), failure_reason = NULL, updated_at = ?
			WHERE id = ? AND status = ?
		`, entity.TransactionStatusSuccess, nullableStringValue(externalID), now, id, entity.TransactionStatusPending)
		if err != nil {
			if isDuplicateEntryError(err) {
				return ErrAlreadyExists
			}
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}

		if current.WalletID != nil {
			if err := moveWalletBalance(ctx, tx, *current.WalletID, current.ID, current.Amount, false, now); err != nil {
				return err
			}
		}

		current.Status = entity.TransactionStatusSuccess
		current.FailureReason = nil
		if externalID != nil {
			current.ExternalTransactionID = externalID
		}
		current.UpdatedAt = now
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, applied, nil
}

// FailTransaction moves a PENDING transaction to FAILED. Wallets are never touched.
func (r *LedgerRepository) FailTransaction(ctx context.Context, id uint64, reason string, now time.Time) (*entity.Transaction, bool, error) {
	var result *entity.Transaction
	applied := false

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		result = current
		if current.Status != entity.TransactionStatusPending {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE transactions SET status = ?, failure_reason = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, entity.TransactionStatusFailed, truncateText(reason, 1024), now, id, entity.TransactionStatusPending)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}

		trimmed := truncateText(reason, 1024)
		current.Status = entity.TransactionStatusFailed
		current.FailureReason = &trimmed
		current.UpdatedAt = now
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, applied, nil
}

// DebitWallet inserts an already-settled debit transaction and lowers the
// wallet balance, refusing to go below zero.
func (r *LedgerRepository) DebitWallet(ctx context.Context, debit *entity.Transaction) error {
	if debit.WalletID == nil {
		return errors.New("debit transaction requires a wallet")
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE id = ? FOR UPDATE`, *debit.WalletID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if balance+debit.Amount < 0 {
			return ErrInsufficientFunds
		}

		if err := insertTransaction(ctx, tx, debit); err != nil {
			return err
		}
		return moveWalletBalance(ctx, tx, *debit.WalletID, debit.ID, debit.Amount, true, debit.UpdatedAt)
	})
}

// ApplyRefund records a processed refund, advances the transaction to
// REFUNDED or PARTIALLY_REFUNDED and takes the refunded amount back out of
// the wallet. A refund id that was already applied is reported as not applied.
func (r *LedgerRepository) ApplyRefund(ctx context.Context, refund RefundApplication) (*entity.Transaction, bool, error) {
	var result *entity.Transaction
	applied := false

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockTransaction(ctx, tx, refund.TransactionID)
		if err != nil {
			return err
		}
		result = current
		if current.ExternalRefundID != nil && *current.ExternalRefundID == refund.ExternalRefundID {
			return nil
		}
		if refund.Amount <= 0 || refund.Amount > current.RefundableAmount() {
			return ErrInsufficientFunds
		}

		newStatus := entity.TransactionStatusPartiallyRefunded
		if current.RefundAmount+refund.Amount == current.Amount {
			newStatus = entity.TransactionStatusRefunded
		}
		if !entity.CanTransitionTransaction(current.Status, newStatus) {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE transactions SET
				status = ?,
				refund_amount = refund_amount + ?,
				refund_percentage = ?,
				refund_status = ?,
				external_refund_id = ?,
				refund_reason = ?,
				refunded_at = ?,
				updated_at = ?
			WHERE id = ? AND status = ?
		`,
			newStatus,
			refund.Amount,
			refund.Percentage,
			entity.RefundStatusProcessed,
			refund.ExternalRefundID,
			refund.Reason,
			refund.At,
			refund.At,
			current.ID,
			current.Status,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return nil
		}

		if current.WalletID != nil {
			if err := moveWalletBalance(ctx, tx, *current.WalletID, current.ID, -refund.Amount, true, refund.At); err != nil {
				return err
			}
		}

		externalRefundID := refund.ExternalRefundID
		reason := refund.Reason
		refundedAt := refund.At
		current.Status = newStatus
		current.RefundAmount += refund.Amount
		current.RefundPercentage = refund.Percentage
		current.RefundStatus = entity.RefundStatusProcessed
		current.ExternalRefundID = &externalRefundID
		current.RefundReason = &reason
		current.RefundedAt = &refundedAt
		current.UpdatedAt = refund.At
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, applied, nil
}

func (r *LedgerRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockTransaction(ctx context.Context, tx *sql.Tx, id uint64) (*entity.Transaction, error) {
	item := &entity.Transaction{}
	err := scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ? FOR UPDATE`, id), item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// moveWalletBalance adds delta to the wallet and appends the transaction to its
// ordered reference list. guardNegative rejects the write if it would overdraw.
func moveWalletBalance(ctx context.Context, tx *sql.Tx, walletID, transactionID uint64, delta int64, guardNegative bool, now time.Time) error {
	query := `
		UPDATE wallets
		SET balance = balance + ?, last_transaction_id = ?, last_transaction_amount = ?, updated_at = ?
		WHERE id = ?`
	args := []interface{}{delta, transactionID, delta, now, walletID}
	if guardNegative {
		query += ` AND balance + ? >= 0`
		args = append(args, delta)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if guardNegative {
			return ErrInsufficientFunds
		}
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT IGNORE INTO wallet_transactions (wallet_id, transaction_id, created_at)
		VALUES (?, ?, ?)
	`, walletID, transactionID, now)
	return err
}

func truncateText(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
