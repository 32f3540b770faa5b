package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

const paymentColumns = `
	id, user_id, kind, merchant_transaction_id, external_transaction_id, amount, status,
	recipient_name, recipient_upi, recipient_account_number, recipient_ifsc, purpose, notes,
	transaction_id, redirect_url, gateway_response, callback_payload, response_code, failure_reason,
	created_at, updated_at`

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	query := `
		INSERT INTO payments (
			user_id, kind, merchant_transaction_id, external_transaction_id, amount, status,
			recipient_name, recipient_upi, recipient_account_number, recipient_ifsc, purpose, notes,
			transaction_id, redirect_url, gateway_response, callback_payload, response_code, failure_reason,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		payment.UserID,
		payment.Kind,
		payment.MerchantTransactionID,
		nullableStringValue(payment.ExternalTransactionID),
		payment.Amount,
		payment.Status,
		nullableStringValue(payment.RecipientName),
		nullableStringValue(payment.RecipientUPI),
		nullableStringValue(payment.RecipientAccountNumber),
		nullableStringValue(payment.RecipientIFSC),
		nullableStringValue(payment.Purpose),
		nullableStringValue(payment.Notes),
		nullableUint64Value(payment.TransactionID),
		nullableStringValue(payment.RedirectURL),
		nullableStringValue(payment.GatewayResponse),
		nullableStringValue(payment.CallbackPayload),
		nullableStringValue(payment.ResponseCode),
		nullableStringValue(payment.FailureReason),
		payment.CreatedAt,
		payment.UpdatedAt,
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
	payment.ID = uint64(id)
	return nil
}

// UpdateStatus writes the payment only while the stored status still equals
// from. The returned flag is false when a callback or poll moved it first.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, payment *entity.Payment, from int32) (bool, error) {
	query := `
		UPDATE payments SET
			external_transaction_id = COALESCE(?, external_transaction_id),
			status = ?,
			transaction_id = ?,
			redirect_url = COALESCE(?, redirect_url),
			gateway_response = COALESCE(?, gateway_response),
			callback_payload = COALESCE(?, callback_payload),
			response_code = COALESCE(?, response_code),
			failure_reason = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(payment.ExternalTransactionID),
		payment.Status,
		nullableUint64Value(payment.TransactionID),
		nullableStringValue(payment.RedirectURL),
		nullableStringValue(payment.GatewayResponse),
		nullableStringValue(payment.CallbackPayload),
		nullableStringValue(payment.ResponseCode),
		nullableStringValue(payment.FailureReason),
		payment.UpdatedAt,
		payment.ID,
		from,
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateReferences stores what the gateway answered to the initial request.
// Values already written by a callback are kept.
func (r *PaymentRepository) UpdateReferences(ctx context.Context, payment *entity.Payment) error {
	query := `
		UPDATE payments SET
			external_transaction_id = COALESCE(external_transaction_id, ?),
			redirect_url = COALESCE(?, redirect_url),
			gateway_response = COALESCE(?, gateway_response),
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(payment.ExternalTransactionID),
		nullableStringValue(payment.RedirectURL),
		nullableStringValue(payment.GatewayResponse),
		payment.UpdatedAt,
		payment.ID,
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

func (r *PaymentRepository) FindByID(ctx context.Context, id uint64) (*entity.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (r *PaymentRepository) FindByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*entity.Payment, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE merchant_transaction_id = ? LIMIT 1`, merchantTransactionID)
}

// ListForReconcile returns non-terminal payments untouched since before, oldest first.
func (r *PaymentRepository) ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status IN (?, ?, ?)
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query,
		entity.PaymentStatusInitiated,
		entity.PaymentStatusPending,
		entity.PaymentStatusProcessing,
		before,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Payment, 0)
	for rows.Next() {
		item := &entity.Payment{}
		if err := scanPayment(rows, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (r *PaymentRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Payment, error) {
	payment := &entity.Payment{}
	if err := scanPayment(r.db.QueryRowContext(ctx, query, args...), payment); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return payment, nil
}

func scanPayment(scan rowScanner, payment *entity.Payment) error {
	var externalTransactionID sql.NullString
	var recipientName, recipientUPI, recipientAccount, recipientIFSC sql.NullString
	var purpose, notes sql.NullString
	var transactionID sql.NullInt64
	var redirectURL, gatewayResponse, callbackPayload, responseCode, failureReason sql.NullString

	err := scan.Scan(
		&payment.ID,
		&payment.UserID,
		&payment.Kind,
		&payment.MerchantTransactionID,
		&externalTransactionID,
		&payment.Amount,
		&payment.Status,
		&recipientName,
		&recipientUPI,
		&recipientAccount,
		&recipientIFSC,
		&purpose,
		&notes,
		&transactionID,
		&redirectURL,
		&gatewayResponse,
		&callbackPayload,
		&responseCode,
		&failureReason,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return err
	}

	payment.ExternalTransactionID = stringPtrFromNull(externalTransactionID)
	payment.RecipientName = stringPtrFromNull(recipientName)
	payment.RecipientUPI = stringPtrFromNull(recipientUPI)
	payment.RecipientAccountNumber = stringPtrFromNull(recipientAccount)
	payment.RecipientIFSC = stringPtrFromNull(recipientIFSC)
	payment.Purpose = stringPtrFromNull(purpose)
	payment.Notes = stringPtrFromNull(notes)
	payment.TransactionID = uint64PtrFromNull(transactionID)
	payment.RedirectURL = stringPtrFromNull(redirectURL)
	payment.GatewayResponse = stringPtrFromNull(gatewayResponse)
	payment.CallbackPayload = stringPtrFromNull(callbackPayload)
	payment.ResponseCode = stringPtrFromNull(responseCode)
	payment.FailureReason = stringPtrFromNull(failureReason)
	return nil
}
