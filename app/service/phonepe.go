package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

const (
	payInPrefix      = "txn_"
	payoutUPIPrefix  = "driver_payout_"
	payoutBankPrefix = "driver_bank_payout_"
	mandatePrefix    = "mandate_"
	revokePrefix     = "revoke_"
)

type initiatePaymentRequest interface {
	GetUserID() string
	GetAmount() int64
}

type PayoutItem struct {
	UserID        string
	Amount        int64
	PayeeType     string
	VPA           string
	AccountNumber string
	IFSC          string
	Name          string
	Purpose       string
	Notes         string
}

type createMandateRequest interface {
	GetUserID() string
	GetAmount() int64
	GetFrequency() string
	GetStartDate() time.Time
	GetEndDate() time.Time
	GetRecipientUPI() string
	GetRecipientName() string
	GetPurpose() string
	GetNotes() string
}

type paymentRepository interface {
	Create(ctx context.Context, payment *entity.Payment) error
	UpdateStatus(ctx context.Context, payment *entity.Payment, from int32) (bool, error)
	UpdateReferences(ctx context.Context, payment *entity.Payment) error
	FindByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*entity.Payment, error)
}

type mandateRepository interface {
	Create(ctx context.Context, mandate *entity.Mandate) error
	UpdateStatus(ctx context.Context, mandate *entity.Mandate, from int32) (bool, error)
	UpdateReferences(ctx context.Context, mandate *entity.Mandate) error
	FindByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*entity.Mandate, error)
	FindByMandateID(ctx context.Context, mandateID string) (*entity.Mandate, error)
}

type payInTransactionRepository interface {
	Create(ctx context.Context, tx *entity.Transaction) error
}

type payInWalletRepository interface {
	FindByUserID(ctx context.Context, userID string) (*entity.Wallet, error)
}

type phonePeGateway interface {
	InitiatePayment(ctx context.Context, req provider.PayInRequest) (*provider.PhonePeResult, error)
	Payout(ctx context.Context, req provider.PayoutRequest) (*provider.PhonePeResult, error)
	CheckStatus(ctx context.Context, merchantTransactionID string) (*provider.PhonePeResult, error)
	CheckPayoutStatus(ctx context.Context, merchantTransactionID string) (*provider.PhonePeResult, error)
	CreateMandate(ctx context.Context, req provider.MandateRequest) (*provider.PhonePeResult, error)
	RevokeMandate(ctx context.Context, mandateID, merchantTransactionID string) (*provider.PhonePeResult, error)
	CheckMandateStatus(ctx context.Context, merchantTransactionID string) (*provider.PhonePeResult, error)
}

type phonePeStatusApplier interface {
	ApplyPaymentStatus(ctx context.Context, payment *entity.Payment, status provider.PhonePeStatus, raw, eventID string, fromCallback bool) (Outcome, error)
	ApplyMandateStatus(ctx context.Context, mandate *entity.Mandate, status provider.PhonePeStatus, raw, eventID string, fromCallback bool) (Outcome, error)
}

type BulkPayoutItemResult struct {
	Index                 int
	UserID                string
	MerchantTransactionID string
	Status                int32
	Error                 string
}

type BulkPayoutResult struct {
	Total      int
	Successful int
	Failed     int
	Results    []BulkPayoutItemResult
}

// PhonePeService issues pay-ins, payouts and mandates through the checksum
// gateway. A failed or timed-out call marks the local record FAILED; callers
// retry with a fresh merchant transaction id.
type PhonePeService struct {
	payments     paymentRepository
	mandates     mandateRepository
	transactions payInTransactionRepository
	wallets      payInWalletRepository
	ledger       transactionFailer
	gateway      phonePeGateway
	reconciler   phonePeStatusApplier
	events       ledgerEventRepository
	cfg          config.PayoutsConfig
	sleep        func(ctx context.Context, d time.Duration) error
	logger       logrus.FieldLogger
}

func NewPhonePeService(
	payments paymentRepository,
	mandates mandateRepository,
	transactions payInTransactionRepository,
	wallets payInWalletRepository,
	ledger transactionFailer,
	gateway phonePeGateway,
	reconciler phonePeStatusApplier,
	events ledgerEventRepository,
	cfg config.PayoutsConfig,
) *PhonePeService {
	if cfg.BulkDelay < 0 {
		cfg.BulkDelay = 0
	}

	return &PhonePeService{
		payments:     payments,
		mandates:     mandates,
		transactions: transactions,
		wallets:      wallets,
		ledger:       ledger,
		gateway:      gateway,
		reconciler:   reconciler,
		events:       events,
		cfg:          cfg,
		sleep:        sleepContext,
		logger:       factory.NewModuleLogger("phonepe"),
	}
}

// InitiatePayment stages a UPI pay-in and its wallet transaction, then asks
// the gateway for a payment page.
func (s *PhonePeService) InitiatePayment(ctx context.Context, req initiatePaymentRequest) (*entity.Payment, error) {
	userID := strings.TrimSpace(req.GetUserID())
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if req.GetAmount() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	wallet, err := s.wallets.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, ErrWalletNotFound
	}

	now := time.Now().UTC()
	merchantTxID := newMerchantTransactionID(payInPrefix)
	walletID := wallet.ID
	tx := &entity.Transaction{
		UserID:                userID,
		WalletID:              &walletID,
		Amount:                req.GetAmount(),
		Currency:              wallet.Currency,
		Method:                entity.TransactionMethodUPI,
		Type:                  entity.TransactionTypeTopUp,
		Status:                entity.TransactionStatusPending,
		ExternalTransactionID: &merchantTxID,
		RefundStatus:          entity.RefundStatusNone,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, err
	}

	txID := tx.ID
	payment := &entity.Payment{
		UserID:                userID,
		Kind:                  entity.PaymentKindPayIn,
		MerchantTransactionID: merchantTxID,
		Amount:                req.GetAmount(),
		Status:                entity.PaymentStatusInitiated,
		TransactionID:         &txID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}

	res, err := s.gateway.InitiatePayment(ctx, provider.PayInRequest{
		MerchantTransactionID: merchantTxID,
		UserID:                userID,
		Amount:                payment.Amount,
	})
	if err != nil {
		s.failPayment(ctx, payment, err)
		if _, _, failErr := s.ledger.FailTransaction(ctx, tx.ID, err.Error(), time.Now().UTC()); failErr != nil {
			s.logger.WithError(failErr).WithField("transaction_id", tx.ID).Error("Failed to mark pay-in transaction as failed")
		}
		return nil, gatewayFailure(err)
	}

	payment.RedirectURL = stringPtr(res.Status.RedirectURL)
	payment.GatewayResponse = &res.Raw
	if err := s.recordSubmission(ctx, payment); err != nil {
		return nil, err
	}

	return payment, nil
}

func (s *PhonePeService) PaymentStatus(ctx context.Context, merchantTransactionID string) (*entity.Payment, error) {
	return s.pollPayment(ctx, merchantTransactionID, s.gateway.CheckStatus)
}

func (s *PhonePeService) PayoutStatus(ctx context.Context, merchantTransactionID string) (*entity.Payment, error) {
	return s.pollPayment(ctx, merchantTransactionID, s.gateway.CheckPayoutStatus)
}

// RefreshPayment polls the gateway for a non-terminal payment picked up by the reconcile job.
func (s *PhonePeService) RefreshPayment(ctx context.Context, payment *entity.Payment) error {
	check := s.gateway.CheckPayoutStatus
	if payment.Kind == entity.PaymentKindPayIn {
		check = s.gateway.CheckStatus
	}
	res, err := check(ctx, payment.MerchantTransactionID)
	if err != nil {
		return gatewayFailure(err)
	}
	_, err = s.reconciler.ApplyPaymentStatus(ctx, payment, res.Status, res.Raw, "", false)
	return err
}

func (s *PhonePeService) Payout(ctx context.Context, item PayoutItem) (*entity.Payment, error) {
	return s.payout(ctx, item)
}

// BulkPayout sends payouts one at a time with a fixed delay between items. A
// failed item is recorded and the batch carries on.
func (s *PhonePeService) BulkPayout(ctx context.Context, items []PayoutItem) (*BulkPayoutResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: payouts must not be empty", ErrInvalidRequest)
	}
	if s.cfg.BulkMaxItems > 0 && len(items) > s.cfg.BulkMaxItems {
		return nil, fmt.Errorf("%w: at most %d payouts per batch", ErrInvalidRequest, s.cfg.BulkMaxItems)
	}

	result := &BulkPayoutResult{Total: len(items), Results: make([]BulkPayoutItemResult, 0, len(items))}
	for i, item := range items {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.BulkDelay); err != nil {
				s.logger.WithError(err).Warn("Bulk payout delay interrupted")
			}
		}

		itemResult := BulkPayoutItemResult{Index: i, UserID: item.UserID}
		payment, err := s.payout(ctx, item)
		if payment != nil {
			itemResult.MerchantTransactionID = payment.MerchantTransactionID
			itemResult.Status = payment.Status
		}
		if err != nil {
			itemResult.Error = err.Error()
			if itemResult.Status == 0 {
				itemResult.Status = entity.PaymentStatusFailed
			}
			result.Failed++
			metrics.IncBulkPayoutItem("failed")
		} else {
			result.Successful++
			metrics.IncBulkPayoutItem("success")
		}
		result.Results = append(result.Results, itemResult)
	}

	s.logger.WithFields(logrus.Fields{
		"total":      result.Total,
		"successful": result.Successful,
		"failed":     result.Failed,
	}).Info("Bulk payout finished")

	return result, nil
}

func (s *PhonePeService) CreateMandate(ctx context.Context, req createMandateRequest) (*entity.Mandate, error) {
	userID := strings.TrimSpace(req.GetUserID())
	frequency := strings.ToUpper(strings.TrimSpace(req.GetFrequency()))
	recipientUPI := strings.TrimSpace(req.GetRecipientUPI())

	if userID == "" || recipientUPI == "" {
		return nil, fmt.Errorf("%w: userId and recipientUpi are required", ErrInvalidRequest)
	}
	if req.GetAmount() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !entity.IsValidMandateFrequency(frequency) {
		return nil, fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRequest, req.GetFrequency())
	}
	if req.GetStartDate().IsZero() || !req.GetEndDate().After(req.GetStartDate()) {
		return nil, fmt.Errorf("%w: endDate must be after startDate", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	mandate := &entity.Mandate{
		UserID:                userID,
		MerchantTransactionID: newMerchantTransactionID(mandatePrefix),
		Amount:                req.GetAmount(),
		Frequency:             frequency,
		StartDate:             req.GetStartDate().UTC(),
		EndDate:               req.GetEndDate().UTC(),
		RecipientUPI:          recipientUPI,
		RecipientName:         strings.TrimSpace(req.GetRecipientName()),
		Purpose:               stringPtr(req.GetPurpose()),
		Notes:                 stringPtr(req.GetNotes()),
		Status:                entity.MandateStatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.mandates.Create(ctx, mandate); err != nil {
		return nil, err
	}

	res, err := s.gateway.CreateMandate(ctx, provider.MandateRequest{
		MerchantTransactionID: mandate.MerchantTransactionID,
		UserID:                userID,
		Amount:                mandate.Amount,
		Frequency:             frequency,
		StartDate:             mandate.StartDate,
		EndDate:               mandate.EndDate,
		RecipientUPI:          recipientUPI,
		RecipientName:         mandate.RecipientName,
		Purpose:               derefString(mandate.Purpose),
		Notes:                 derefString(mandate.Notes),
	})
	if err != nil {
		reason := truncate(err.Error(), 1024)
		failed := *mandate
		failed.Status = entity.MandateStatusFailed
		failed.FailureReason = &reason
		failed.UpdatedAt = time.Now().UTC()
		applied, updateErr := s.mandates.UpdateStatus(ctx, &failed, entity.MandateStatusPending)
		if updateErr != nil {
			s.logger.WithError(updateErr).WithField("mandate_id", mandate.ID).Error("Failed to mark mandate as failed")
		} else if !applied {
			s.logger.WithField("mandate_id", mandate.ID).Warn("Mandate changed before the gateway failure was recorded")
		}
		return nil, gatewayFailure(err)
	}

	if res.Status.MandateID != "" {
		mandate.MandateID = stringPtr(res.Status.MandateID)
	}
	mandate.RedirectURL = stringPtr(res.Status.RedirectURL)
	mandate.GatewayResponse = &res.Raw
	mandate.UpdatedAt = time.Now().UTC()
	if err := s.mandates.UpdateReferences(ctx, mandate); err != nil {
		return nil, err
	}

	// A callback may have settled the mandate while the request was in flight.
	current, err := s.mandates.FindByMerchantTransactionID(ctx, mandate.MerchantTransactionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrMandateNotFound
	}

	return current, nil
}

func (s *PhonePeService) MandateStatus(ctx context.Context, merchantTransactionID string) (*entity.Mandate, error) {
	mandate, err := s.mandates.FindByMerchantTransactionID(ctx, strings.TrimSpace(merchantTransactionID))
	if err != nil {
		return nil, err
	}
	if mandate == nil {
		return nil, ErrMandateNotFound
	}

	res, err := s.gateway.CheckMandateStatus(ctx, mandate.MerchantTransactionID)
	if err != nil {
		return nil, gatewayFailure(err)
	}
	if _, err := s.reconciler.ApplyMandateStatus(ctx, mandate, res.Status, res.Raw, "", false); err != nil {
		return nil, err
	}

	return mandate, nil
}

// RevokeMandate cancels an authorized mandate. Revoking a revoked mandate is a no-op.
func (s *PhonePeService) RevokeMandate(ctx context.Context, mandateID string) (*entity.Mandate, error) {
	mandateID = strings.TrimSpace(mandateID)
	if mandateID == "" {
		return nil, fmt.Errorf("%w: mandateId is required", ErrInvalidRequest)
	}

	mandate, err := s.mandates.FindByMandateID(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	if mandate == nil {
		mandate, err = s.mandates.FindByMerchantTransactionID(ctx, mandateID)
		if err != nil {
			return nil, err
		}
	}
	if mandate == nil {
		return nil, ErrMandateNotFound
	}
	if mandate.Status == entity.MandateStatusRevoked {
		return mandate, nil
	}
	if mandate.MandateID == nil || !entity.CanTransitionMandate(mandate.Status, entity.MandateStatusRevoked) {
		return nil, fmt.Errorf("%w: mandate is %s", ErrInvalidState, entity.MandateStatusName(mandate.Status))
	}

	res, err := s.gateway.RevokeMandate(ctx, *mandate.MandateID, newMerchantTransactionID(revokePrefix))
	if err != nil {
		return nil, gatewayFailure(err)
	}

	status := res.Status
	status.MandateID = *mandate.MandateID
	status.State = "REVOKED"
	if _, err := s.reconciler.ApplyMandateStatus(ctx, mandate, status, res.Raw, "", false); err != nil {
		return nil, err
	}

	return mandate, nil
}

func (s *PhonePeService) payout(ctx context.Context, item PayoutItem) (*entity.Payment, error) {
	userID := strings.TrimSpace(item.UserID)
	if userID == "" || strings.TrimSpace(item.Name) == "" {
		return nil, fmt.Errorf("%w: userId and name are required", ErrInvalidRequest)
	}
	if item.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	payeeType := strings.ToUpper(strings.TrimSpace(item.PayeeType))
	kind := entity.PaymentKindPayoutUPI
	prefix := payoutUPIPrefix
	switch payeeType {
	case provider.PayeeTypeUPI:
		if strings.TrimSpace(item.VPA) == "" {
			return nil, fmt.Errorf("%w: vpa is required for UPI payouts", ErrInvalidRequest)
		}
	case provider.PayeeTypeBankAccount:
		if strings.TrimSpace(item.AccountNumber) == "" || strings.TrimSpace(item.IFSC) == "" {
			return nil, fmt.Errorf("%w: accountNumber and ifsc are required for bank payouts", ErrInvalidRequest)
		}
		kind = entity.PaymentKindPayoutBank
		prefix = payoutBankPrefix
	default:
		return nil, fmt.Errorf("%w: unsupported payee type %q", ErrInvalidRequest, item.PayeeType)
	}

	now := time.Now().UTC()
	payment := &entity.Payment{
		UserID:                 userID,
		Kind:                   kind,
		MerchantTransactionID:  newMerchantTransactionID(prefix),
		Amount:                 item.Amount,
		Status:                 entity.PaymentStatusInitiated,
		RecipientName:          stringPtr(item.Name),
		RecipientUPI:           stringPtr(item.VPA),
		RecipientAccountNumber: stringPtr(item.AccountNumber),
		RecipientIFSC:          stringPtr(strings.ToUpper(item.IFSC)),
		Purpose:                stringPtr(item.Purpose),
		Notes:                  stringPtr(item.Notes),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, err
	}

	res, err := s.gateway.Payout(ctx, provider.PayoutRequest{
		MerchantTransactionID: payment.MerchantTransactionID,
		Amount:                payment.Amount,
		Purpose:               strings.TrimSpace(item.Purpose),
		Notes:                 strings.TrimSpace(item.Notes),
		Payee: provider.Payee{
			Type:          payeeType,
			VPA:           strings.TrimSpace(item.VPA),
			AccountNumber: strings.TrimSpace(item.AccountNumber),
			IFSC:          strings.ToUpper(strings.TrimSpace(item.IFSC)),
			Name:          strings.TrimSpace(item.Name),
		},
	})
	if err != nil {
		s.failPayment(ctx, payment, err)
		return payment, gatewayFailure(err)
	}

	if res.Status.TransactionID != "" {
		payment.ExternalTransactionID = stringPtr(res.Status.TransactionID)
	}
	payment.GatewayResponse = &res.Raw
	if err := s.recordSubmission(ctx, payment); err != nil {
		return payment, err
	}
	if entity.IsTerminalPaymentStatus(payment.Status) {
		return payment, nil
	}

	switch provider.ClassifyPhonePe(res.Status) {
	case provider.PhonePeOutcomeSuccess, provider.PhonePeOutcomeFailed:
		if _, err := s.reconciler.ApplyPaymentStatus(ctx, payment, res.Status, res.Raw, "", false); err != nil {
			return payment, err
		}
	}

	return payment, nil
}

func (s *PhonePeService) pollPayment(ctx context.Context, merchantTransactionID string, check func(context.Context, string) (*provider.PhonePeResult, error)) (*entity.Payment, error) {
	payment, err := s.payments.FindByMerchantTransactionID(ctx, strings.TrimSpace(merchantTransactionID))
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	if entity.IsTerminalPaymentStatus(payment.Status) {
		return payment, nil
	}

	res, err := check(ctx, payment.MerchantTransactionID)
	if err != nil {
		return nil, gatewayFailure(err)
	}
	if _, err := s.reconciler.ApplyPaymentStatus(ctx, payment, res.Status, res.Raw, "", false); err != nil {
		return nil, err
	}

	return payment, nil
}

// recordSubmission stores the gateway references and moves the payment from
// INITIATED to PENDING. When a callback already moved it on, the stored row
// wins and is copied back into payment.
func (s *PhonePeService) recordSubmission(ctx context.Context, payment *entity.Payment) error {
	payment.UpdatedAt = time.Now().UTC()
	if err := s.payments.UpdateReferences(ctx, payment); err != nil {
		return err
	}

	next := *payment
	next.Status = entity.PaymentStatusPending
	applied, err := s.payments.UpdateStatus(ctx, &next, entity.PaymentStatusInitiated)
	if err != nil {
		return err
	}
	if applied {
		*payment = next
		return nil
	}

	current, err := s.payments.FindByMerchantTransactionID(ctx, payment.MerchantTransactionID)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrPaymentNotFound
	}
	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"status":     current.Status,
	}).Info("Payment settled before the gateway response was recorded")
	*payment = *current
	return nil
}

// failPayment records a failed gateway call on the payment; the gateway result
// is never retried under the same merchant transaction id.
func (s *PhonePeService) failPayment(ctx context.Context, payment *entity.Payment, gatewayErr error) {
	oldStatus := payment.Status
	reason := truncate(gatewayErr.Error(), 1024)
	next := *payment
	next.Status = entity.PaymentStatusFailed
	next.FailureReason = &reason
	if gwErr, ok := provider.AsGatewayError(gatewayErr); ok {
		next.ResponseCode = stringPtr(string(gwErr.Kind))
	}
	next.UpdatedAt = time.Now().UTC()
	applied, err := s.payments.UpdateStatus(ctx, &next, oldStatus)
	if err != nil {
		s.logger.WithError(err).WithField("payment_id", payment.ID).Error("Failed to mark payment as failed")
		return
	}
	if !applied {
		s.logger.WithField("payment_id", payment.ID).Warn("Payment changed before the gateway failure was recorded")
		return
	}
	*payment = next

	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType: entity.LedgerEntityPayment,
		EntityID:   payment.ID,
		EventType:  "phonepe.request_failed",
		OldStatus:  &oldStatus,
		NewStatus:  payment.Status,
		CreatedAt:  payment.UpdatedAt,
	})
}

func newMerchantTransactionID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

