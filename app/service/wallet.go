package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/app/repository"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

type createWalletRequest interface {
	GetUserID() string
}

type checkoutSessionRequest interface {
	GetUserID() string
	GetAmount() int64
	GetSuccessURL() string
	GetCancelURL() string
}

type paymentIntentRequest interface {
	GetUserID() string
	GetAmount() int64
}

type listTransactionsRequest interface {
	GetUserID() string
	GetLimit() int32
	GetOffset() int32
}

type contestEntryRequest interface {
	GetUserID() string
	GetContestID() string
}

type refundRequest interface {
	GetTransactionID() uint64
	GetAmount() int64
	GetReason() string
}

type walletRepository interface {
	Create(ctx context.Context, wallet *entity.Wallet) error
	FindByUserID(ctx context.Context, userID string) (*entity.Wallet, error)
}

type walletTransactionRepository interface {
	Create(ctx context.Context, tx *entity.Transaction) error
	Update(ctx context.Context, tx *entity.Transaction) error
	FindByID(ctx context.Context, id uint64) (*entity.Transaction, error)
	ListByUserID(ctx context.Context, userID string, limit, offset int32) ([]*entity.Transaction, error)
}

type walletLedger interface {
	FailTransaction(ctx context.Context, id uint64, reason string, now time.Time) (*entity.Transaction, bool, error)
	DebitWallet(ctx context.Context, debit *entity.Transaction) error
	ApplyRefund(ctx context.Context, refund repository.RefundApplication) (*entity.Transaction, bool, error)
}

type topUpGateway interface {
	CreateCheckoutSession(ctx context.Context, input provider.CheckoutSessionInput) (*provider.CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, input provider.PaymentIntentInput) (*provider.PaymentIntent, error)
	CreateRefund(ctx context.Context, input provider.RefundInput) (*provider.Refund, error)
}

type contestDirectory interface {
	GetContest(ctx context.Context, contestID string) (*provider.Contest, error)
}

type CheckoutSessionResult struct {
	TransactionID uint64
	SessionID     string
	RedirectURL   string
}

type PaymentIntentResult struct {
	TransactionID uint64
	ClientSecret  string
	Amount        int64
	Currency      string
}

// WalletService stages wallet top-ups, debits contest entries and refunds
// card top-ups. Top-ups never touch the balance here; only a confirmed
// gateway event credits the wallet.
type WalletService struct {
	wallets      walletRepository
	transactions walletTransactionRepository
	ledger       walletLedger
	gateway      topUpGateway
	contests     contestDirectory
	events       ledgerEventRepository
	notifier     notificationEnqueuer
	cfg          config.WalletConfig
	logger       logrus.FieldLogger
}

func NewWalletService(
	wallets walletRepository,
	transactions walletTransactionRepository,
	ledger walletLedger,
	gateway topUpGateway,
	contests contestDirectory,
	events ledgerEventRepository,
	notifier notificationEnqueuer,
	cfg config.WalletConfig,
) *WalletService {
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "INR"
	}
	if strings.TrimSpace(cfg.TopUpProductName) == "" {
		cfg.TopUpProductName = "Wallet top-up"
	}

	return &WalletService{
		wallets:      wallets,
		transactions: transactions,
		ledger:       ledger,
		gateway:      gateway,
		contests:     contests,
		events:       events,
		notifier:     notifier,
		cfg:          cfg,
		logger:       factory.NewModuleLogger("wallets"),
	}
}

// CreateWallet returns the user's wallet, creating it on first call.
func (s *WalletService) CreateWallet(ctx context.Context, req createWalletRequest) (*entity.Wallet, bool, error) {
	userID := strings.TrimSpace(req.GetUserID())
	if userID == "" {
		return nil, false, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	existing, err := s.wallets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	wallet := &entity.Wallet{
		UserID:         userID,
		Currency:       strings.ToUpper(s.cfg.Currency),
		TransactionIDs: []uint64{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.wallets.Create(ctx, wallet); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			existing, findErr := s.wallets.FindByUserID(ctx, userID)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	return wallet, true, nil
}

func (s *WalletService) GetWallet(ctx context.Context, userID string) (*entity.Wallet, error) {
	wallet, err := s.wallets.FindByUserID(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, ErrWalletNotFound
	}
	return wallet, nil
}

func (s *WalletService) ListTransactions(ctx context.Context, req listTransactionsRequest) ([]*entity.Transaction, error) {
	if _, err := s.GetWallet(ctx, req.GetUserID()); err != nil {
		return nil, err
	}

	limit := req.GetLimit()
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := req.GetOffset()
	if offset < 0 {
		offset = 0
	}

	return s.transactions.ListByUserID(ctx, strings.TrimSpace(req.GetUserID()), limit, offset)
}

func (s *WalletService) CreateCheckoutSession(ctx context.Context, req checkoutSessionRequest) (*CheckoutSessionResult, error) {
	tx, wallet, err := s.stageTopUp(ctx, req.GetUserID(), req.GetAmount())
	if err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, provider.CheckoutSessionInput{
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		ProductName:       s.cfg.TopUpProductName,
		SuccessURL:        strings.TrimSpace(req.GetSuccessURL()),
		CancelURL:         strings.TrimSpace(req.GetCancelURL()),
		ClientReferenceID: formatID(tx.ID),
		Metadata:          topUpMetadata(tx, wallet),
	})
	if err != nil {
		return nil, s.abandonTopUp(ctx, tx, err)
	}

	tx.ExternalSessionID = stringPtr(session.ID)
	if session.PaymentIntentID != "" {
		tx.ExternalTransactionID = stringPtr(session.PaymentIntentID)
	}
	tx.UpdatedAt = time.Now().UTC()
	if err := s.transactions.Update(ctx, tx); err != nil {
		return nil, err
	}

	return &CheckoutSessionResult{TransactionID: tx.ID, SessionID: session.ID, RedirectURL: session.URL}, nil
}

func (s *WalletService) CreatePaymentIntent(ctx context.Context, req paymentIntentRequest) (*PaymentIntentResult, error) {
	tx, wallet, err := s.stageTopUp(ctx, req.GetUserID(), req.GetAmount())
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, provider.PaymentIntentInput{
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Description: s.cfg.TopUpProductName,
		Metadata:    topUpMetadata(tx, wallet),
	})
	if err != nil {
		return nil, s.abandonTopUp(ctx, tx, err)
	}

	tx.ExternalTransactionID = stringPtr(intent.ID)
	tx.UpdatedAt = time.Now().UTC()
	if err := s.transactions.Update(ctx, tx); err != nil {
		return nil, err
	}

	return &PaymentIntentResult{TransactionID: tx.ID, ClientSecret: intent.ClientSecret, Amount: tx.Amount, Currency: tx.Currency}, nil
}

// JoinContest debits the contest entry fee from the wallet as a settled
// transaction. The balance guard runs inside the ledger write.
func (s *WalletService) JoinContest(ctx context.Context, req contestEntryRequest) (*entity.Transaction, error) {
	userID := strings.TrimSpace(req.GetUserID())
	contestID := strings.TrimSpace(req.GetContestID())
	if userID == "" || contestID == "" {
		return nil, fmt.Errorf("%w: userId and contestId are required", ErrInvalidRequest)
	}

	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	contest, err := s.contests.GetContest(ctx, contestID)
	if err != nil {
		if errors.Is(err, provider.ErrDirectoryNotFound) {
			return nil, ErrContestNotFound
		}
		return nil, gatewayFailure(err)
	}
	if !strings.EqualFold(contest.Status, provider.ContestStatusUpcoming) {
		return nil, fmt.Errorf("%w: contest %s is %s", ErrInvalidState, contestID, contest.Status)
	}
	if contest.StartsAt != nil && !contest.StartsAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: contest %s has already started", ErrInvalidState, contestID)
	}

	fee := contest.EntryFee.Shift(2).Round(0).IntPart()
	if fee < 0 {
		return nil, fmt.Errorf("%w: contest entry fee is negative", ErrInvalidState)
	}

	now := time.Now().UTC()
	walletID := wallet.ID
	debit := &entity.Transaction{
		UserID:       userID,
		WalletID:     &walletID,
		ContestID:    stringPtr(contestID),
		Amount:       -fee,
		Currency:     wallet.Currency,
		Method:       entity.TransactionMethodWallet,
		Type:         entity.TransactionTypeContestEntry,
		Status:       entity.TransactionStatusSuccess,
		RefundStatus: entity.RefundStatusNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.ledger.DebitWallet(ctx, debit); err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientFunds):
			return nil, ErrInsufficientFunds
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrWalletNotFound
		default:
			return nil, err
		}
	}

	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType: entity.LedgerEntityWallet,
		EntityID:   walletID,
		EventType:  "contest.entry",
		NewStatus:  debit.Status,
		CreatedAt:  now,
	})
	s.notifier.Enqueue(ctx, userID, entity.NotificationKindContestEntry, map[string]interface{}{
		"transactionId": debit.ID,
		"contestId":     contestID,
		"contestTitle":  contest.Title,
		"amount":        majorUnits(fee),
		"currency":      debit.Currency,
	})

	return debit, nil
}

// RefundTransaction refunds a settled card top-up, fully or in part. The
// wallet is debited only once the gateway accepts the refund.
func (s *WalletService) RefundTransaction(ctx context.Context, req refundRequest) (*entity.Transaction, error) {
	if req.GetTransactionID() == 0 {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidRequest)
	}
	if req.GetAmount() < 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	tx, err := s.transactions.FindByID(ctx, req.GetTransactionID())
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	if tx.Type != entity.TransactionTypeTopUp || tx.Method != entity.TransactionMethodCard || tx.ExternalTransactionID == nil {
		return nil, fmt.Errorf("%w: only card top-ups can be refunded", ErrInvalidState)
	}
	if tx.Status != entity.TransactionStatusSuccess && tx.Status != entity.TransactionStatusPartiallyRefunded {
		return nil, fmt.Errorf("%w: transaction is %s", ErrInvalidState, entity.TransactionStatusName(tx.Status))
	}
	if tx.RefundStatus == entity.RefundStatusPending {
		return nil, fmt.Errorf("%w: a refund is already pending at the gateway", ErrInvalidState)
	}

	amount := req.GetAmount()
	if amount == 0 {
		amount = tx.RefundableAmount()
	}
	if amount <= 0 || amount > tx.RefundableAmount() {
		return nil, fmt.Errorf("%w: refund amount exceeds refundable %s", ErrInvalidRequest, majorUnits(tx.RefundableAmount()))
	}

	if tx.WalletID != nil {
		wallet, err := s.wallets.FindByUserID(ctx, tx.UserID)
		if err != nil {
			return nil, err
		}
		if wallet == nil {
			return nil, ErrWalletNotFound
		}
		if wallet.Balance < amount {
			return nil, ErrInsufficientFunds
		}
	}

	refund, err := s.gateway.CreateRefund(ctx, provider.RefundInput{
		PaymentIntentID: *tx.ExternalTransactionID,
		Amount:          amount,
		Reason:          "requested_by_customer",
		Metadata:        map[string]string{metadataTransactionID: formatID(tx.ID)},
	})
	if err != nil {
		s.markRefundFailed(ctx, tx, err.Error())
		return nil, gatewayFailure(err)
	}
	reason := strings.TrimSpace(req.GetReason())
	switch refund.Status {
	case provider.RefundStatusFailed, provider.RefundStatusCanceled:
		s.markRefundFailed(ctx, tx, "gateway refund "+refund.Status)
		return tx, nil
	case provider.RefundStatusPending, provider.RefundStatusRequiresAction:
		// The wallet is debited when the refund webhook reports success.
		if err := s.markRefundPending(ctx, tx, refund.ID, reason); err != nil {
			return nil, err
		}
		return tx, nil
	}

	now := time.Now().UTC()
	percentage := int32((tx.RefundAmount + amount) * 100 / tx.Amount)
	oldStatus := tx.Status
	item, applied, err := s.ledger.ApplyRefund(ctx, repository.RefundApplication{
		TransactionID:    tx.ID,
		Amount:           amount,
		Percentage:       percentage,
		ExternalRefundID: refund.ID,
		Reason:           reason,
		At:               now,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"refund_id":      refund.ID,
		}).Error("Gateway refund accepted but ledger refund failed")
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}
	if !applied {
		return item, nil
	}

	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType:      entity.LedgerEntityTransaction,
		EntityID:        item.ID,
		EventType:       "refund.processed",
		OldStatus:       &oldStatus,
		NewStatus:       item.Status,
		ExternalEventID: stringPtr(refund.ID),
		CreatedAt:       now,
	})
	s.notifier.Enqueue(ctx, item.UserID, entity.NotificationKindRefundProcessed, map[string]interface{}{
		"transactionId": item.ID,
		"amount":        majorUnits(amount),
		"currency":      item.Currency,
		"status":        entity.TransactionStatusName(item.Status),
	})

	return item, nil
}

func (s *WalletService) stageTopUp(ctx context.Context, userID string, amount int64) (*entity.Transaction, *entity.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	walletID := wallet.ID
	tx := &entity.Transaction{
		UserID:       userID,
		WalletID:     &walletID,
		Amount:       amount,
		Currency:     wallet.Currency,
		Method:       entity.TransactionMethodCard,
		Type:         entity.TransactionTypeTopUp,
		Status:       entity.TransactionStatusPending,
		RefundStatus: entity.RefundStatusNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, nil, err
	}

	return tx, wallet, nil
}

// abandonTopUp marks a staged top-up FAILED after its gateway call failed. A
// retry must stage a fresh transaction.
func (s *WalletService) abandonTopUp(ctx context.Context, tx *entity.Transaction, gatewayErr error) error {
	if _, _, err := s.ledger.FailTransaction(ctx, tx.ID, gatewayErr.Error(), time.Now().UTC()); err != nil {
		s.logger.WithError(err).WithField("transaction_id", tx.ID).Error("Failed to mark top-up as failed")
	}
	return gatewayFailure(gatewayErr)
}

func (s *WalletService) markRefundFailed(ctx context.Context, tx *entity.Transaction, reason string) {
	trimmed := truncate(reason, 1024)
	tx.RefundStatus = entity.RefundStatusFailed
	tx.RefundReason = &trimmed
	tx.UpdatedAt = time.Now().UTC()
	if err := s.transactions.Update(ctx, tx); err != nil {
		s.logger.WithError(err).WithField("transaction_id", tx.ID).Warn("Failed to record refund failure")
	}
}

func (s *WalletService) markRefundPending(ctx context.Context, tx *entity.Transaction, refundID, reason string) error {
	tx.RefundStatus = entity.RefundStatusPending
	if reason != "" {
		tx.RefundReason = &reason
	}
	tx.UpdatedAt = time.Now().UTC()
	if err := s.transactions.Update(ctx, tx); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"refund_id":      refundID,
	}).Info("Refund accepted by the gateway and pending settlement")
	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType:      entity.LedgerEntityTransaction,
		EntityID:        tx.ID,
		EventType:       "refund.pending",
		OldStatus:       &tx.Status,
		NewStatus:       tx.Status,
		ExternalEventID: stringPtr(refundID),
		CreatedAt:       tx.UpdatedAt,
	})
	return nil
}

func topUpMetadata(tx *entity.Transaction, wallet *entity.Wallet) map[string]string {
	return map[string]string{
		metadataTransactionID: formatID(tx.ID),
		metadataWalletID:      formatID(wallet.ID),
		"userId":              tx.UserID,
	}
}
