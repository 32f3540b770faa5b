package service

import "errors"

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrMandateNotFound      = errors.New("mandate not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrContestNotFound      = errors.New("contest not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrSubscriptionExists   = errors.New("user already has an active subscription")
	ErrInsufficientFunds    = errors.New("insufficient wallet balance")
	ErrForbidden            = errors.New("forbidden")
	ErrCallbackRejected     = errors.New("callback rejected")
	ErrGatewayFailure       = errors.New("gateway failure")
	ErrCallbackInProgress   = errors.New("callback is being processed")
	ErrConcurrentUpdate     = errors.New("record changed concurrently")
)
