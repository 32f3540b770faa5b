package mapper

import (
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

func WalletToResponse(item *entity.Wallet) *types.Wallet {
	if item == nil {
		return nil
	}

	result := &types.Wallet{
		UserID:            item.UserID,
		Balance:           Amount(item.Balance),
		Currency:          item.Currency,
		LastTransactionID: derefUint64(item.LastTransactionID),
		Transactions:      append([]uint64{}, item.TransactionIDs...),
		CreatedAt:         formatTime(item.CreatedAt),
		UpdatedAt:         formatTime(item.UpdatedAt),
	}
	if item.LastTransactionAmount != nil {
		result.LastTransactionAmount = Amount(*item.LastTransactionAmount)
	}
	return result
}

func TransactionToResponse(item *entity.Transaction) *types.Transaction {
	if item == nil {
		return nil
	}

	result := &types.Transaction{
		ID:                    item.ID,
		UserID:                item.UserID,
		ContestID:             derefString(item.ContestID),
		Amount:                Amount(item.Amount),
		Currency:              item.Currency,
		Method:                item.Method,
		Type:                  item.Type,
		Status:                entity.TransactionStatusName(item.Status),
		ExternalTransactionID: derefString(item.ExternalTransactionID),
		ExternalSessionID:     derefString(item.ExternalSessionID),
		RefundPercentage:      item.RefundPercentage,
		RefundStatus:          item.RefundStatus,
		RefundReason:          derefString(item.RefundReason),
		RefundedAt:            formatTimePtr(item.RefundedAt),
		SubscriptionID:        derefUint64(item.SubscriptionID),
		FailureReason:         derefString(item.FailureReason),
		CreatedAt:             formatTime(item.CreatedAt),
		UpdatedAt:             formatTime(item.UpdatedAt),
	}
	if item.RefundAmount > 0 {
		result.RefundAmount = Amount(item.RefundAmount)
	}
	return result
}

func TransactionsToResponse(items []*entity.Transaction) []*types.Transaction {
	result := make([]*types.Transaction, 0, len(items))
	for _, item := range items {
		result = append(result, TransactionToResponse(item))
	}
	return result
}
