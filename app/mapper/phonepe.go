package mapper

import (
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

const mandateDateLayout = "2006-01-02"

func PaymentToResponse(item *entity.Payment) *types.Payment {
	if item == nil {
		return nil
	}

	return &types.Payment{
		ID:                    item.ID,
		UserID:                item.UserID,
		Kind:                  item.Kind,
		MerchantTransactionID: item.MerchantTransactionID,
		TransactionID:         derefString(item.ExternalTransactionID),
		Amount:                Amount(item.Amount),
		Status:                entity.PaymentStatusName(item.Status),
		RecipientName:         derefString(item.RecipientName),
		RecipientUPIID:        derefString(item.RecipientUPI),
		RecipientAccount:      maskAccount(derefString(item.RecipientAccountNumber)),
		RecipientIFSCCode:     derefString(item.RecipientIFSC),
		Purpose:               derefString(item.Purpose),
		RedirectURL:           derefString(item.RedirectURL),
		ResponseCode:          derefString(item.ResponseCode),
		FailureReason:         derefString(item.FailureReason),
		CreatedAt:             formatTime(item.CreatedAt),
		UpdatedAt:             formatTime(item.UpdatedAt),
	}
}

func BulkPayoutToResponse(result *service.BulkPayoutResult) *types.BulkPayoutResponse {
	if result == nil {
		return nil
	}

	items := make([]*types.BulkPayoutItem, 0, len(result.Results))
	for _, item := range result.Results {
		items = append(items, &types.BulkPayoutItem{
			Index:                 item.Index,
			UserID:                item.UserID,
			MerchantTransactionID: item.MerchantTransactionID,
			Status:                entity.PaymentStatusName(item.Status),
			Success:               item.Error == "",
			Error:                 item.Error,
		})
	}
	return &types.BulkPayoutResponse{
		Total:      result.Total,
		Successful: result.Successful,
		Failed:     result.Failed,
		Results:    items,
	}
}

func MandateToResponse(item *entity.Mandate) *types.Mandate {
	if item == nil {
		return nil
	}

	return &types.Mandate{
		ID:                    item.ID,
		UserID:                item.UserID,
		MerchantTransactionID: item.MerchantTransactionID,
		MandateID:             derefString(item.MandateID),
		Amount:                Amount(item.Amount),
		Frequency:             item.Frequency,
		StartDate:             item.StartDate.UTC().Format(mandateDateLayout),
		EndDate:               item.EndDate.UTC().Format(mandateDateLayout),
		RecipientUPIID:        item.RecipientUPI,
		RecipientName:         item.RecipientName,
		Status:                entity.MandateStatusName(item.Status),
		RedirectURL:           derefString(item.RedirectURL),
		FailureReason:         derefString(item.FailureReason),
		RevokedAt:             formatTimePtr(item.RevokedAt),
		CreatedAt:             formatTime(item.CreatedAt),
		UpdatedAt:             formatTime(item.UpdatedAt),
	}
}

// maskAccount keeps the last four digits of a bank account number.
func maskAccount(account string) string {
	if len(account) <= 4 {
		return account
	}
	masked := make([]byte, len(account))
	for i := range masked {
		masked[i] = 'X'
	}
	copy(masked[len(account)-4:], account[len(account)-4:])
	return string(masked)
}
