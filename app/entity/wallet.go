package entity

import "time"

type Wallet struct {
	ID     uint64
	UserID string

	Balance  int64
	Currency string

	LastTransactionID     *uint64
	LastTransactionAmount *int64

	// TransactionIDs is the ordered list of applied transaction references.
	TransactionIDs []uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}
