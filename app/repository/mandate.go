package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
)

const mandateColumns = `
	id, user_id, merchant_transaction_id, mandate_id, amount, frequency, start_date, end_date,
	recipient_upi, recipient_name, purpose, notes, status,
	redirect_url, gateway_response, callback_payload, failure_reason, revoked_at, created_at, updated_at`

type MandateRepository struct {
	db DBTX
}

func NewMandateRepository(db DBTX) *MandateRepository {
	return &MandateRepository{db: db}
}

func (r *MandateRepository) Create(ctx context.Context, mandate *entity.Mandate) error {
	query := `
		INSERT INTO mandates (
			user_id, merchant_transaction_id, mandate_id, amount, frequency, start_date, end_date,
			recipient_upi, recipient_name, purpose, notes, status,
			redirect_url, gateway_response, callback_payload, failure_reason, revoked_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		mandate.UserID,
		mandate.MerchantTransactionID,
		nullableStringValue(mandate.MandateID),
		mandate.Amount,
		mandate.Frequency,
		mandate.StartDate,
		mandate.EndDate,
		mandate.RecipientUPI,
		mandate.RecipientName,
		nullableStringValue(mandate.Purpose),
		nullableStringValue(mandate.Notes),
		mandate.Status,
		nullableStringValue(mandate.RedirectURL),
		nullableStringValue(mandate.GatewayResponse),
		nullableStringValue(mandate.CallbackPayload),
		nullableStringValue(mandate.FailureReason),
		nullableTimeValue(mandate.RevokedAt),
		mandate.CreatedAt,
		mandate.UpdatedAt,
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
	mandate.ID = uint64(id)
	return nil
}

// UpdateStatus writes the mandate only while the stored status still equals from.
func (r *MandateRepository) UpdateStatus(ctx context.Context, mandate *entity.Mandate, from int32) (bool, error) {
	query := `
		UPDATE mandates SET
			mandate_id = COALESCE(?, mandate_id),
			status = ?,
			redirect_url = COALESCE(?, redirect_url),
			gateway_response = COALESCE(?, gateway_response),
			callback_payload = COALESCE(?, callback_payload),
			failure_reason = ?,
			revoked_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(mandate.MandateID),
		mandate.Status,
		nullableStringValue(mandate.RedirectURL),
		nullableStringValue(mandate.GatewayResponse),
		nullableStringValue(mandate.CallbackPayload),
		nullableStringValue(mandate.FailureReason),
		nullableTimeValue(mandate.RevokedAt),
		mandate.UpdatedAt,
		mandate.ID,
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

// UpdateReferences stores the gateway mandate id, redirect and raw response
// without touching status.
func (r *MandateRepository) UpdateReferences(ctx context.Context, mandate *entity.Mandate) error {
	query := `
		UPDATE mandates SET
			mandate_id = COALESCE(mandate_id, ?),
			redirect_url = COALESCE(?, redirect_url),
			gateway_response = COALESCE(?, gateway_response),
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableStringValue(mandate.MandateID),
		nullableStringValue(mandate.RedirectURL),
		nullableStringValue(mandate.GatewayResponse),
		mandate.UpdatedAt,
		mandate.ID,
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

func (r *MandateRepository) FindByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*entity.Mandate, error) {
	return r.findOne(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE merchant_transaction_id = ? LIMIT 1`, merchantTransactionID)
}

func (r *MandateRepository) FindByMandateID(ctx context.Context, mandateID string) (*entity.Mandate, error) {
	return r.findOne(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE mandate_id = ? LIMIT 1`, mandateID)
}

func (r *MandateRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Mandate, error) {
	mandate := &entity.Mandate{}
	if err := scanMandate(r.db.QueryRowContext(ctx, query, args...), mandate); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return mandate, nil
}

func scanMandate(scan rowScanner, mandate *entity.Mandate) error {
	var mandateID, purpose, notes sql.NullString
	var redirectURL, gatewayResponse, callbackPayload, failureReason sql.NullString
	var revokedAt sql.NullTime

	err := scan.Scan(
		&mandate.ID,
		&mandate.UserID,
		&mandate.MerchantTransactionID,
		&mandateID,
		&mandate.Amount,
		&mandate.Frequency,
		&mandate.StartDate,
		&mandate.EndDate,
		&mandate.RecipientUPI,
		&mandate.RecipientName,
		&purpose,
		&notes,
		&mandate.Status,
		&redirectURL,
		&gatewayResponse,
		&callbackPayload,
		&failureReason,
		&revokedAt,
		&mandate.CreatedAt,
		&mandate.UpdatedAt,
	)
	if err != nil {
		return err
	}

	mandate.MandateID = stringPtrFromNull(mandateID)
	mandate.Purpose = stringPtrFromNull(purpose)
	mandate.Notes = stringPtrFromNull(notes)
	mandate.RedirectURL = stringPtrFromNull(redirectURL)
	mandate.GatewayResponse = stringPtrFromNull(gatewayResponse)
	mandate.CallbackPayload = stringPtrFromNull(callbackPayload)
	mandate.FailureReason = stringPtrFromNull(failureReason)
	mandate.RevokedAt = timePtrFromNull(revokedAt)
	return nil
}
