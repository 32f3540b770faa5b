package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/app/repository"
	"github.com/vibast-solutions/ms-go-wallets/config"
	"go.opentelemetry.io/otel/attribute"
)

// Outcome is what a reconciliation handler did with one external event.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeRejectedTransition Outcome = "rejected_transition"
	OutcomeIgnored            Outcome = "ignored"
	OutcomeMissing            Outcome = "missing"
)

const (
	metadataTransactionID  = "transactionId"
	metadataSubscriptionID = "subscriptionId"
	metadataWalletID       = "walletId"
	metadataCurrency       = "currency"

	billingReasonCycle = "subscription_cycle"

	maxStatusAttempts = 3
)

type ledgerRepository interface {
	CompleteTransaction(ctx context.Context, id uint64, externalID *string, now time.Time) (*entity.Transaction, bool, error)
	FailTransaction(ctx context.Context, id uint64, reason string, now time.Time) (*entity.Transaction, bool, error)
	ApplyRefund(ctx context.Context, refund repository.RefundApplication) (*entity.Transaction, bool, error)
}

type reconcileTransactionRepository interface {
	Create(ctx context.Context, tx *entity.Transaction) error
	Update(ctx context.Context, tx *entity.Transaction) error
	FindByID(ctx context.Context, id uint64) (*entity.Transaction, error)
	FindByExternalTransactionID(ctx context.Context, externalID string) (*entity.Transaction, error)
	FindByExternalSessionID(ctx context.Context, sessionID string) (*entity.Transaction, error)
	FindPendingBySubscriptionID(ctx context.Context, subscriptionID uint64) (*entity.Transaction, error)
	UpdatePendingAmount(ctx context.Context, id uint64, amount int64, now time.Time) (bool, error)
}

type reconcileSubscriptionRepository interface {
	UpdateStatus(ctx context.Context, sub *entity.Subscription, from int32) (bool, error)
	FindByID(ctx context.Context, id uint64) (*entity.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*entity.Subscription, error)
}

type reconcilePaymentRepository interface {
	UpdateStatus(ctx context.Context, payment *entity.Payment, from int32) (bool, error)
	FindByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*entity.Payment, error)
}

type reconcileMandateRepository interface {
	UpdateStatus(ctx context.Context, mandate *entity.Mandate, from int32) (bool, error)
	FindByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*entity.Mandate, error)
	FindByMandateID(ctx context.Context, mandateID string) (*entity.Mandate, error)
}

type subscriptionCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Reconciler applies verified gateway events to the ledger. Every handler is a
// conditional write keyed on the stored status, so redelivery is a no-op.
type Reconciler struct {
	ledger        ledgerRepository
	transactions  reconcileTransactionRepository
	subscriptions reconcileSubscriptionRepository
	payments      reconcilePaymentRepository
	mandates      reconcileMandateRepository
	events        ledgerEventRepository
	notifier      notificationEnqueuer
	canceler      subscriptionCanceler
	policy        config.SubscriptionsConfig
	currency      string
	logger        logrus.FieldLogger
}

func NewReconciler(
	ledger ledgerRepository,
	transactions reconcileTransactionRepository,
	subscriptions reconcileSubscriptionRepository,
	payments reconcilePaymentRepository,
	mandates reconcileMandateRepository,
	events ledgerEventRepository,
	notifier notificationEnqueuer,
	canceler subscriptionCanceler,
	policy config.SubscriptionsConfig,
	defaultCurrency string,
) *Reconciler {
	return &Reconciler{
		ledger:        ledger,
		transactions:  transactions,
		subscriptions: subscriptions,
		payments:      payments,
		mandates:      mandates,
		events:        events,
		notifier:      notifier,
		canceler:      canceler,
		policy:        policy,
		currency:      strings.ToUpper(strings.TrimSpace(defaultCurrency)),
		logger:        factory.NewModuleLogger("reconciler"),
	}
}

func (r *Reconciler) ApplyCheckoutSession(ctx context.Context, session provider.CheckoutSession, outcome provider.CheckoutOutcome, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.checkout_session")
	span.SetAttributes(attribute.String("checkout.session_id", session.ID))
	defer func() { endSpan(span, err) }()

	tx, err := r.transactions.FindByExternalSessionID(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if tx == nil {
		tx, err = r.transactionFromMetadata(ctx, session.Metadata)
		if err != nil {
			return "", err
		}
	}
	if tx == nil {
		return OutcomeMissing, nil
	}

	switch outcome {
	case provider.CheckoutCompleted:
		if session.PaymentStatus != "paid" && session.PaymentStatus != "no_payment_required" {
			// Delayed payment methods settle through the async events.
			return OutcomeIgnored, nil
		}
		return r.completeTransaction(ctx, tx, session.PaymentIntentID, "checkout.completed", eventID)
	case provider.CheckoutAsyncSucceeded:
		return r.completeTransaction(ctx, tx, session.PaymentIntentID, "checkout.async_succeeded", eventID)
	case provider.CheckoutAsyncFailed:
		return r.failTransaction(ctx, tx, "checkout async payment failed", "checkout.async_failed", eventID)
	case provider.CheckoutExpired:
		return r.failTransaction(ctx, tx, "checkout session expired", "checkout.expired", eventID)
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) ApplyPaymentIntent(ctx context.Context, intent provider.PaymentIntent, succeeded bool, failureMessage string, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.payment_intent")
	span.SetAttributes(attribute.String("payment_intent.id", intent.ID))
	defer func() { endSpan(span, err) }()

	// Subscription invoices settle through the invoice events.
	if intent.InvoiceID != "" || intent.Metadata[metadataSubscriptionID] != "" {
		return OutcomeIgnored, nil
	}

	tx, err := r.transactions.FindByExternalTransactionID(ctx, intent.ID)
	if err != nil {
		return "", err
	}
	if tx == nil {
		tx, err = r.transactionFromMetadata(ctx, intent.Metadata)
		if err != nil {
			return "", err
		}
	}
	if tx == nil {
		return OutcomeMissing, nil
	}

	if succeeded {
		return r.completeTransaction(ctx, tx, intent.ID, "payment_intent.succeeded", eventID)
	}
	reason := strings.TrimSpace(failureMessage)
	if reason == "" {
		reason = "payment intent failed"
	}
	return r.failTransaction(ctx, tx, reason, "payment_intent.failed", eventID)
}

func (r *Reconciler) ApplyInvoicePaid(ctx context.Context, invoice provider.Invoice, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.invoice_paid")
	span.SetAttributes(attribute.String("invoice.id", invoice.ID))
	defer func() { endSpan(span, err) }()

	return retryStale(func() (Outcome, error) { return r.applyInvoicePaid(ctx, invoice, eventID) }, nil)
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, invoice provider.Invoice, eventID string) (Outcome, error) {
	sub, err := r.subscriptionForInvoice(ctx, invoice)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeMissing, nil
	}

	txOutcome, err := r.settleInvoiceTransaction(ctx, sub, invoice, eventID)
	if err != nil {
		return "", err
	}

	subOutcome, err := r.transitionSubscription(ctx, sub, entity.SubscriptionStatusActive, "invoice.paid", eventID, func(s *entity.Subscription) {
		s.FailedInvoiceCount = 0
		setPeriod(s, invoice.PeriodStart, invoice.PeriodEnd)
		if s.StartDate == nil && !invoice.PeriodStart.IsZero() {
			start := invoice.PeriodStart
			s.StartDate = &start
		}
	})
	if err != nil {
		return "", err
	}

	return mergeOutcomes(txOutcome, subOutcome), nil
}

// ApplyInvoiceFailed fails the billed transaction and records the attempted
// period and failure count. The status is left for later events unless the
// configured policy demotes ACTIVE to PAST_DUE or cancels at the threshold.
func (r *Reconciler) ApplyInvoiceFailed(ctx context.Context, invoice provider.Invoice, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.invoice_failed")
	span.SetAttributes(attribute.String("invoice.id", invoice.ID))
	defer func() { endSpan(span, err) }()

	return retryStale(func() (Outcome, error) { return r.applyInvoiceFailed(ctx, invoice, eventID) }, nil)
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, invoice provider.Invoice, eventID string) (Outcome, error) {
	sub, err := r.subscriptionForInvoice(ctx, invoice)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeMissing, nil
	}

	txOutcome := OutcomeIgnored
	tx, err := r.invoiceTransaction(ctx, sub, invoice, false)
	if err != nil {
		return "", err
	}
	if tx != nil {
		txOutcome, err = r.failTransaction(ctx, tx, "invoice payment failed", "invoice.payment_failed", eventID)
		if err != nil {
			return "", err
		}
	}

	if !sub.IsLive() {
		return mergeOutcomes(txOutcome, r.rejectTransition(entity.LedgerEntitySubscription, sub.ID, "invoice.payment_failed", sub.Status, sub.Status)), nil
	}

	failedCount := sub.FailedInvoiceCount + 1
	target := sub.Status
	if r.policy.PastDueOnFailedInvoice && target == entity.SubscriptionStatusActive {
		target = entity.SubscriptionStatusPastDue
	}
	escalate := r.policy.CancelAfterFailedInvoices > 0 && int(failedCount) >= r.policy.CancelAfterFailedInvoices
	if escalate {
		if sub.ExternalSubscriptionID != nil && r.canceler != nil {
			if err := r.canceler.CancelSubscription(ctx, *sub.ExternalSubscriptionID); err != nil {
				return "", gatewayFailure(err)
			}
		}
		target = entity.SubscriptionStatusCanceled
	}

	mutate := func(s *entity.Subscription) {
		s.FailedInvoiceCount = failedCount
		setPeriod(s, invoice.PeriodStart, invoice.PeriodEnd)
		if target == entity.SubscriptionStatusCanceled {
			now := time.Now().UTC()
			s.CanceledAt = &now
			s.EndDate = &now
		}
	}

	if target == sub.Status {
		oldStatus := sub.Status
		next := *sub
		mutate(&next)
		next.UpdatedAt = time.Now().UTC()
		applied, err := r.subscriptions.UpdateStatus(ctx, &next, oldStatus)
		if err != nil {
			return "", err
		}
		if !applied {
			return "", staleWrite(entity.LedgerEntitySubscription, sub.ID)
		}
		*sub = next
		r.recordEvent(ctx, entity.LedgerEntitySubscription, sub.ID, "invoice.payment_failed", &oldStatus, sub.Status, eventID)
		return mergeOutcomes(txOutcome, OutcomeApplied), nil
	}

	subOutcome, err := r.transitionSubscription(ctx, sub, target, "invoice.payment_failed", eventID, mutate)
	if err != nil {
		return "", err
	}
	return mergeOutcomes(txOutcome, subOutcome), nil
}

func (r *Reconciler) ApplyInvoiceActionRequired(ctx context.Context, invoice provider.Invoice, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.invoice_action_required")
	defer func() { endSpan(span, err) }()

	return retryStale(func() (Outcome, error) {
		sub, err := r.subscriptionForInvoice(ctx, invoice)
		if err != nil {
			return "", err
		}
		if sub == nil {
			return OutcomeMissing, nil
		}
		return r.transitionSubscription(ctx, sub, entity.SubscriptionStatusAwaitingAuthentication, "invoice.payment_action_required", eventID, nil)
	}, nil)
}

func (r *Reconciler) ApplySubscriptionDeleted(ctx context.Context, external provider.Subscription, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.subscription_deleted")
	defer func() { endSpan(span, err) }()

	return retryStale(func() (Outcome, error) { return r.applySubscriptionDeleted(ctx, external, eventID) }, nil)
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, external provider.Subscription, eventID string) (Outcome, error) {
	sub, err := r.findSubscription(ctx, external.ID, external.Metadata)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeMissing, nil
	}

	subOutcome, err := r.transitionSubscription(ctx, sub, entity.SubscriptionStatusCanceled, "subscription.deleted", eventID, func(s *entity.Subscription) {
		endedAt := time.Now().UTC()
		if external.EndedAt != nil {
			endedAt = external.EndedAt.UTC()
		}
		s.CanceledAt = &endedAt
		s.EndDate = &endedAt
	})
	if err != nil {
		return "", err
	}
	if subOutcome != OutcomeApplied {
		return subOutcome, nil
	}

	pending, err := r.transactions.FindPendingBySubscriptionID(ctx, sub.ID)
	if err != nil {
		return "", err
	}
	if pending != nil {
		if _, err := r.failTransaction(ctx, pending, "subscription canceled", "subscription.deleted", eventID); err != nil {
			return "", err
		}
	}
	return subOutcome, nil
}

// ApplyPhonePePayment handles a pay-in or payout callback by merchant transaction id.
func (r *Reconciler) ApplyPhonePePayment(ctx context.Context, status provider.PhonePeStatus, raw, eventID string) (Outcome, error) {
	payment, err := r.payments.FindByMerchantTransactionID(ctx, status.MerchantTransactionID)
	if err != nil {
		return "", err
	}
	if payment == nil {
		return OutcomeMissing, nil
	}
	return r.ApplyPaymentStatus(ctx, payment, status, raw, eventID, true)
}

// ApplyRefundUpdate settles a refund the gateway accepted as pending. Success
// debits the wallet through the ledger; failure clears the pending marker so
// the transaction can be refunded again.
func (r *Reconciler) ApplyRefundUpdate(ctx context.Context, refund provider.Refund, eventID string) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.refund_updated")
	span.SetAttributes(attribute.String("refund.id", refund.ID))
	defer func() { endSpan(span, err) }()

	tx, err := r.transactionFromMetadata(ctx, refund.Metadata)
	if err != nil {
		return "", err
	}
	if tx == nil && refund.PaymentIntentID != "" {
		tx, err = r.transactions.FindByExternalTransactionID(ctx, refund.PaymentIntentID)
		if err != nil {
			return "", err
		}
	}
	if tx == nil {
		return OutcomeMissing, nil
	}

	switch refund.Status {
	case provider.RefundStatusSucceeded:
		return r.settleRefund(ctx, tx, refund, eventID)
	case provider.RefundStatusFailed, provider.RefundStatusCanceled:
		if tx.RefundStatus != entity.RefundStatusPending {
			if tx.ExternalRefundID != nil && *tx.ExternalRefundID == refund.ID {
				r.logger.WithFields(logrus.Fields{
					"transaction_id": tx.ID,
					"refund_id":      refund.ID,
				}).Error("Gateway failed a refund that was already applied to the wallet")
			}
			return OutcomeIgnored, nil
		}
		reason := truncate(firstNonBlank(refund.FailureReason, "gateway refund "+refund.Status), 1024)
		tx.RefundStatus = entity.RefundStatusFailed
		tx.RefundReason = &reason
		tx.UpdatedAt = time.Now().UTC()
		if err := r.transactions.Update(ctx, tx); err != nil {
			return "", err
		}
		r.recordEvent(ctx, entity.LedgerEntityTransaction, tx.ID, "refund.failed", &tx.Status, tx.Status, eventID)
		return OutcomeApplied, nil
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) settleRefund(ctx context.Context, tx *entity.Transaction, refund provider.Refund, eventID string) (Outcome, error) {
	if tx.Amount <= 0 {
		return OutcomeIgnored, nil
	}
	now := time.Now().UTC()
	oldStatus := tx.Status
	item, applied, err := r.ledger.ApplyRefund(ctx, repository.RefundApplication{
		TransactionID:    tx.ID,
		Amount:           refund.Amount,
		Percentage:       int32((tx.RefundAmount + refund.Amount) * 100 / tx.Amount),
		ExternalRefundID: refund.ID,
		Reason:           derefString(tx.RefundReason),
		At:               now,
	})
	if errors.Is(err, repository.ErrInsufficientFunds) {
		r.logger.WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"refund_id":      refund.ID,
			"amount":         refund.Amount,
		}).Error("Gateway refund succeeded but the wallet could not be debited")
		return r.rejectTransition(entity.LedgerEntityTransaction, tx.ID, "refund.succeeded", tx.Status, tx.Status), nil
	}
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeDuplicate, nil
	}

	r.recordEvent(ctx, entity.LedgerEntityTransaction, item.ID, "refund.processed", &oldStatus, item.Status, eventID)
	r.notifier.Enqueue(ctx, item.UserID, entity.NotificationKindRefundProcessed, map[string]interface{}{
		"transactionId": item.ID,
		"amount":        majorUnits(refund.Amount),
		"currency":      item.Currency,
		"status":        entity.TransactionStatusName(item.Status),
	})
	return OutcomeApplied, nil
}

// ApplyPaymentStatus moves a PhonePe payment to the status reported by a
// callback or a status poll. Pay-ins settle their wallet transaction through
// the same guarded ledger path as card top-ups.
func (r *Reconciler) ApplyPaymentStatus(ctx context.Context, payment *entity.Payment, status provider.PhonePeStatus, raw, eventID string, fromCallback bool) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.phonepe_payment")
	span.SetAttributes(attribute.String("payment.merchant_transaction_id", payment.MerchantTransactionID))
	defer func() { endSpan(span, err) }()

	return retryStale(
		func() (Outcome, error) { return r.applyPaymentStatus(ctx, payment, status, raw, eventID, fromCallback) },
		func() (bool, error) {
			current, err := r.payments.FindByMerchantTransactionID(ctx, payment.MerchantTransactionID)
			if err != nil || current == nil {
				return false, err
			}
			*payment = *current
			return true, nil
		},
	)
}

func (r *Reconciler) applyPaymentStatus(ctx context.Context, payment *entity.Payment, status provider.PhonePeStatus, raw, eventID string, fromCallback bool) (Outcome, error) {
	target, ok := phonePePaymentTarget(status)
	if !ok {
		return OutcomeIgnored, nil
	}
	eventType := "phonepe.payment." + strings.ToLower(entity.PaymentStatusName(target))

	if target == entity.PaymentStatusSuccess && status.Amount > 0 && status.Amount != payment.Amount {
		r.logger.WithFields(logrus.Fields{
			"payment_id":      payment.ID,
			"expected_amount": payment.Amount,
			"reported_amount": status.Amount,
		}).Warn("PhonePe reported amount does not match payment")
		return r.rejectTransition(entity.LedgerEntityPayment, payment.ID, eventType, payment.Status, target), nil
	}

	if payment.Status == target {
		if payment.Kind == entity.PaymentKindPayIn && target == entity.PaymentStatusSuccess {
			// Heals a crash between the payment update and the wallet credit.
			if _, err := r.settlePayIn(ctx, payment, target, eventID); err != nil {
				return "", err
			}
		}
		return OutcomeDuplicate, nil
	}
	if !entity.CanTransitionPayment(payment.Status, target) {
		return r.rejectTransition(entity.LedgerEntityPayment, payment.ID, eventType, payment.Status, target), nil
	}

	oldStatus := payment.Status
	next := *payment
	next.Status = target
	if status.TransactionID != "" {
		next.ExternalTransactionID = stringPtr(status.TransactionID)
	}
	if status.ResponseCode != "" {
		next.ResponseCode = stringPtr(status.ResponseCode)
	}
	if raw != "" {
		if fromCallback {
			next.CallbackPayload = &raw
		} else {
			next.GatewayResponse = &raw
		}
	}
	if target == entity.PaymentStatusFailed {
		reason := truncate(phonePeFailureReason(status), 1024)
		next.FailureReason = &reason
	}
	next.UpdatedAt = time.Now().UTC()

	applied, err := r.payments.UpdateStatus(ctx, &next, oldStatus)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", staleWrite(entity.LedgerEntityPayment, payment.ID)
	}
	*payment = next
	r.recordEvent(ctx, entity.LedgerEntityPayment, payment.ID, eventType, &oldStatus, target, eventID)

	switch payment.Kind {
	case entity.PaymentKindPayIn:
		if _, err := r.settlePayIn(ctx, payment, target, eventID); err != nil {
			return "", err
		}
	case entity.PaymentKindPayoutUPI, entity.PaymentKindPayoutBank:
		r.notifyPayout(ctx, payment)
	}

	return OutcomeApplied, nil
}

// ApplyPhonePeMandate handles a mandate setup, execution or revoke callback.
func (r *Reconciler) ApplyPhonePeMandate(ctx context.Context, status provider.PhonePeStatus, raw, eventID string) (Outcome, error) {
	mandate, err := r.mandateForStatus(ctx, status)
	if err != nil {
		return "", err
	}
	if mandate == nil {
		return OutcomeMissing, nil
	}
	return r.ApplyMandateStatus(ctx, mandate, status, raw, eventID, true)
}

func (r *Reconciler) ApplyMandateStatus(ctx context.Context, mandate *entity.Mandate, status provider.PhonePeStatus, raw, eventID string, fromCallback bool) (result Outcome, err error) {
	ctx, span := tracer.Start(ctx, "reconciler.phonepe_mandate")
	span.SetAttributes(attribute.String("mandate.merchant_transaction_id", mandate.MerchantTransactionID))
	defer func() { endSpan(span, err) }()

	return retryStale(
		func() (Outcome, error) { return r.applyMandateStatus(ctx, mandate, status, raw, eventID, fromCallback) },
		func() (bool, error) {
			current, err := r.mandates.FindByMerchantTransactionID(ctx, mandate.MerchantTransactionID)
			if err != nil || current == nil {
				return false, err
			}
			*mandate = *current
			return true, nil
		},
	)
}

func (r *Reconciler) applyMandateStatus(ctx context.Context, mandate *entity.Mandate, status provider.PhonePeStatus, raw, eventID string, fromCallback bool) (Outcome, error) {
	target, ok := mandateTarget(mandate.Status, status)
	if !ok {
		return OutcomeIgnored, nil
	}
	eventType := "phonepe.mandate." + strings.ToLower(entity.MandateStatusName(target))

	if !entity.CanTransitionMandate(mandate.Status, target) {
		if mandate.Status == target {
			return OutcomeDuplicate, nil
		}
		return r.rejectTransition(entity.LedgerEntityMandate, mandate.ID, eventType, mandate.Status, target), nil
	}

	oldStatus := mandate.Status
	now := time.Now().UTC()
	next := *mandate
	next.Status = target
	if status.MandateID != "" {
		next.MandateID = stringPtr(status.MandateID)
	}
	if raw != "" {
		if fromCallback {
			next.CallbackPayload = &raw
		} else {
			next.GatewayResponse = &raw
		}
	}
	switch target {
	case entity.MandateStatusRevoked:
		next.RevokedAt = &now
	case entity.MandateStatusFailed:
		reason := truncate(phonePeFailureReason(status), 1024)
		next.FailureReason = &reason
	}
	next.UpdatedAt = now

	applied, err := r.mandates.UpdateStatus(ctx, &next, oldStatus)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", staleWrite(entity.LedgerEntityMandate, mandate.ID)
	}
	*mandate = next
	r.recordEvent(ctx, entity.LedgerEntityMandate, mandate.ID, eventType, &oldStatus, target, eventID)

	return OutcomeApplied, nil
}

// CompleteTransaction is the guarded PENDING -> SUCCESS write used by the
// reconcile job when it already holds the transaction.
func (r *Reconciler) CompleteTransaction(ctx context.Context, tx *entity.Transaction, externalID, eventType string) (Outcome, error) {
	return r.completeTransaction(ctx, tx, externalID, eventType, "")
}

func (r *Reconciler) FailTransaction(ctx context.Context, tx *entity.Transaction, reason, eventType string) (Outcome, error) {
	return r.failTransaction(ctx, tx, reason, eventType, "")
}

func (r *Reconciler) completeTransaction(ctx context.Context, tx *entity.Transaction, externalID, eventType, eventID string) (Outcome, error) {
	item, applied, err := r.ledger.CompleteTransaction(ctx, tx.ID, stringPtr(externalID), time.Now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeMissing, nil
	}
	if errors.Is(err, repository.ErrAlreadyExists) {
		r.logger.WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"external_id":    externalID,
		}).Warn("External transaction id already belongs to another transaction")
		return r.rejectTransition(entity.LedgerEntityTransaction, tx.ID, eventType, tx.Status, entity.TransactionStatusSuccess), nil
	}
	if err != nil {
		return "", err
	}

	if !applied {
		switch item.Status {
		case entity.TransactionStatusSuccess, entity.TransactionStatusRefunded, entity.TransactionStatusPartiallyRefunded:
			return OutcomeDuplicate, nil
		default:
			return r.rejectTransition(entity.LedgerEntityTransaction, item.ID, eventType, item.Status, entity.TransactionStatusSuccess), nil
		}
	}

	pending := entity.TransactionStatusPending
	r.recordEvent(ctx, entity.LedgerEntityTransaction, item.ID, eventType, &pending, item.Status, eventID)

	if item.AffectsWallet() {
		metrics.IncWalletCredit(gatewayForMethod(item.Method), item.Currency, item.Amount)
		r.notifier.Enqueue(ctx, item.UserID, entity.NotificationKindTopUpSucceeded, map[string]interface{}{
			"transactionId": item.ID,
			"amount":        majorUnits(item.Amount),
			"currency":      item.Currency,
		})
	}

	*tx = *item
	return OutcomeApplied, nil
}

func (r *Reconciler) failTransaction(ctx context.Context, tx *entity.Transaction, reason, eventType, eventID string) (Outcome, error) {
	item, applied, err := r.ledger.FailTransaction(ctx, tx.ID, reason, time.Now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", err
	}

	if !applied {
		if item.Status == entity.TransactionStatusFailed {
			return OutcomeDuplicate, nil
		}
		return r.rejectTransition(entity.LedgerEntityTransaction, item.ID, eventType, item.Status, entity.TransactionStatusFailed), nil
	}

	pending := entity.TransactionStatusPending
	r.recordEvent(ctx, entity.LedgerEntityTransaction, item.ID, eventType, &pending, item.Status, eventID)

	if item.AffectsWallet() && item.Type == entity.TransactionTypeTopUp {
		r.notifier.Enqueue(ctx, item.UserID, entity.NotificationKindTopUpFailed, map[string]interface{}{
			"transactionId": item.ID,
			"amount":        majorUnits(item.Amount),
			"currency":      item.Currency,
			"reason":        reason,
		})
	}

	*tx = *item
	return OutcomeApplied, nil
}

func (r *Reconciler) transitionSubscription(ctx context.Context, sub *entity.Subscription, to int32, eventType, eventID string, mutate func(*entity.Subscription)) (Outcome, error) {
	from := sub.Status
	if !entity.CanTransitionSubscription(from, to) {
		if from == to {
			return OutcomeDuplicate, nil
		}
		return r.rejectTransition(entity.LedgerEntitySubscription, sub.ID, eventType, from, to), nil
	}

	next := *sub
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = time.Now().UTC()
	applied, err := r.subscriptions.UpdateStatus(ctx, &next, from)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", staleWrite(entity.LedgerEntitySubscription, sub.ID)
	}
	*sub = next
	r.recordEvent(ctx, entity.LedgerEntitySubscription, sub.ID, eventType, &from, to, eventID)

	if from != to {
		if kind := subscriptionNotificationKind(to); kind != "" {
			r.notifier.Enqueue(ctx, sub.UserID, kind, map[string]interface{}{
				"subscriptionId": sub.ID,
				"planId":         sub.PlanID,
				"status":         entity.SubscriptionStatusName(to),
			})
		}
	}

	return OutcomeApplied, nil
}

// settleInvoiceTransaction marks the transaction billed by a paid invoice as
// SUCCESS. Renewal invoices with no staged transaction get one recorded,
// keyed by the invoice id so redelivery cannot record it twice.
func (r *Reconciler) settleInvoiceTransaction(ctx context.Context, sub *entity.Subscription, invoice provider.Invoice, eventID string) (Outcome, error) {
	tx, err := r.invoiceTransaction(ctx, sub, invoice, true)
	if err != nil {
		return "", err
	}

	if tx == nil {
		if invoice.ID == "" {
			return OutcomeIgnored, nil
		}
		now := time.Now().UTC()
		subID := sub.ID
		tx = &entity.Transaction{
			UserID:                 sub.UserID,
			Amount:                 invoice.AmountPaid,
			Currency:               r.invoiceCurrency(invoice),
			Method:                 entity.TransactionMethodCard,
			Type:                   entity.TransactionTypeSubscriptionRenewal,
			Status:                 entity.TransactionStatusPending,
			ExternalTransactionID:  stringPtr(invoice.ID),
			RefundStatus:           entity.RefundStatusNone,
			SubscriptionID:         &subID,
			NewPlanID:              uint64Ptr(sub.PlanID),
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := r.transactions.Create(ctx, tx); err != nil {
			if errors.Is(err, repository.ErrAlreadyExists) {
				return OutcomeDuplicate, nil
			}
			return "", err
		}
	} else if tx.Status == entity.TransactionStatusPending && tx.WalletID == nil && invoice.AmountPaid > 0 && tx.Amount != invoice.AmountPaid {
		// Prorated invoices bill less or more than the staged plan price.
		if _, err := r.transactions.UpdatePendingAmount(ctx, tx.ID, invoice.AmountPaid, time.Now().UTC()); err != nil {
			return "", err
		}
		tx.Amount = invoice.AmountPaid
	}

	return r.completeTransaction(ctx, tx, "", "invoice.paid", eventID)
}

// invoiceTransaction finds the local transaction billed by invoice: by invoice
// id, then by the staged transaction id in metadata, then (outside the renewal
// cycle) the subscription's pending transaction.
func (r *Reconciler) invoiceTransaction(ctx context.Context, sub *entity.Subscription, invoice provider.Invoice, paid bool) (*entity.Transaction, error) {
	if invoice.ID != "" {
		tx, err := r.transactions.FindByExternalTransactionID(ctx, invoice.ID)
		if err != nil || tx != nil {
			return tx, err
		}
	}
	if invoice.PaymentIntentID != "" {
		tx, err := r.transactions.FindByExternalTransactionID(ctx, invoice.PaymentIntentID)
		if err != nil || tx != nil {
			return tx, err
		}
	}

	tx, err := r.transactionFromMetadata(ctx, invoice.Metadata)
	if err != nil {
		return nil, err
	}
	if tx != nil && tx.SubscriptionID != nil && *tx.SubscriptionID == sub.ID && tx.Status == entity.TransactionStatusPending {
		return tx, nil
	}

	if paid && invoice.BillingReason == billingReasonCycle {
		return nil, nil
	}
	return r.transactions.FindPendingBySubscriptionID(ctx, sub.ID)
}

func (r *Reconciler) subscriptionForInvoice(ctx context.Context, invoice provider.Invoice) (*entity.Subscription, error) {
	return r.findSubscription(ctx, invoice.SubscriptionID, invoice.Metadata)
}

func (r *Reconciler) findSubscription(ctx context.Context, externalID string, metadata map[string]string) (*entity.Subscription, error) {
	if externalID != "" {
		sub, err := r.subscriptions.FindByExternalID(ctx, externalID)
		if err != nil || sub != nil {
			return sub, err
		}
	}

	id, ok := metadataID(metadata, metadataSubscriptionID)
	if !ok {
		return nil, nil
	}
	return r.subscriptions.FindByID(ctx, id)
}

func (r *Reconciler) transactionFromMetadata(ctx context.Context, metadata map[string]string) (*entity.Transaction, error) {
	id, ok := metadataID(metadata, metadataTransactionID)
	if !ok {
		return nil, nil
	}
	return r.transactions.FindByID(ctx, id)
}

func (r *Reconciler) mandateForStatus(ctx context.Context, status provider.PhonePeStatus) (*entity.Mandate, error) {
	if !strings.HasPrefix(status.MerchantTransactionID, revokePrefix) {
		mandate, err := r.mandates.FindByMerchantTransactionID(ctx, status.MerchantTransactionID)
		if err != nil || mandate != nil {
			return mandate, err
		}
	}
	if status.MandateID == "" {
		return nil, nil
	}
	return r.mandates.FindByMandateID(ctx, status.MandateID)
}

func (r *Reconciler) settlePayIn(ctx context.Context, payment *entity.Payment, target int32, eventID string) (Outcome, error) {
	if payment.TransactionID == nil {
		return OutcomeIgnored, nil
	}

	tx := &entity.Transaction{ID: *payment.TransactionID, Status: entity.TransactionStatusPending}
	switch target {
	case entity.PaymentStatusSuccess:
		return r.completeTransaction(ctx, tx, derefString(payment.ExternalTransactionID), "phonepe.payment.success", eventID)
	case entity.PaymentStatusFailed:
		return r.failTransaction(ctx, tx, derefString(payment.FailureReason), "phonepe.payment.failed", eventID)
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) notifyPayout(ctx context.Context, payment *entity.Payment) {
	kind := ""
	switch payment.Status {
	case entity.PaymentStatusSuccess:
		kind = entity.NotificationKindPayoutCompleted
	case entity.PaymentStatusFailed:
		kind = entity.NotificationKindPayoutFailed
	default:
		return
	}
	r.notifier.Enqueue(ctx, payment.UserID, kind, map[string]interface{}{
		"merchantTransactionId": payment.MerchantTransactionID,
		"amount":                majorUnits(payment.Amount),
		"status":                entity.PaymentStatusName(payment.Status),
	})
}

func (r *Reconciler) rejectTransition(entityType string, id uint64, eventType string, from, to int32) Outcome {
	metrics.IncRejectedTransition(entityType, eventType)
	r.logger.WithFields(logrus.Fields{
		"entity":     entityType,
		"entity_id":  id,
		"event_type": eventType,
		"from":       from,
		"to":         to,
	}).Warn("Rejected ledger transition")
	return OutcomeRejectedTransition
}

func (r *Reconciler) recordEvent(ctx context.Context, entityType string, id uint64, eventType string, oldStatus *int32, newStatus int32, eventID string) {
	_ = r.events.Create(ctx, &entity.LedgerEvent{
		EntityType:      entityType,
		EntityID:        id,
		EventType:       eventType,
		OldStatus:       oldStatus,
		NewStatus:       newStatus,
		ExternalEventID: stringPtr(eventID),
		CreatedAt:       time.Now().UTC(),
	})
}

func phonePePaymentTarget(status provider.PhonePeStatus) (int32, bool) {
	switch provider.ClassifyPhonePe(status) {
	case provider.PhonePeOutcomeSuccess:
		return entity.PaymentStatusSuccess, true
	case provider.PhonePeOutcomeFailed:
		return entity.PaymentStatusFailed, true
	case provider.PhonePeOutcomePending:
		if strings.EqualFold(status.State, "PROCESSING") {
			return entity.PaymentStatusProcessing, true
		}
		return entity.PaymentStatusPending, true
	default:
		return 0, false
	}
}

func mandateTarget(current int32, status provider.PhonePeStatus) (int32, bool) {
	if provider.IsPhonePeRevoked(status) {
		return entity.MandateStatusRevoked, true
	}
	switch provider.ClassifyPhonePe(status) {
	case provider.PhonePeOutcomeSuccess:
		if current == entity.MandateStatusPending {
			return entity.MandateStatusAuthorized, true
		}
		return entity.MandateStatusExecuted, true
	case provider.PhonePeOutcomeFailed:
		return entity.MandateStatusFailed, true
	default:
		return 0, false
	}
}

func phonePeFailureReason(status provider.PhonePeStatus) string {
	reason := strings.TrimSpace(status.Message)
	if reason == "" {
		reason = firstNonBlank(status.Code, status.State, "phonepe reported failure")
	}
	return reason
}

func subscriptionNotificationKind(status int32) string {
	switch status {
	case entity.SubscriptionStatusActive:
		return entity.NotificationKindSubscriptionActive
	case entity.SubscriptionStatusPastDue:
		return entity.NotificationKindSubscriptionPastDue
	case entity.SubscriptionStatusCanceled:
		return entity.NotificationKindSubscriptionCanceled
	case entity.SubscriptionStatusAwaitingAuthentication:
		return entity.NotificationKindSubscriptionActionReq
	default:
		return ""
	}
}

func gatewayForMethod(method string) string {
	if method == entity.TransactionMethodUPI {
		return provider.GatewayPhonePe
	}
	return provider.GatewayStripe
}

func setPeriod(sub *entity.Subscription, start, end time.Time) {
	if !start.IsZero() {
		s := start.UTC()
		sub.CurrentPeriodStart = &s
	}
	if !end.IsZero() {
		e := end.UTC()
		sub.CurrentPeriodEnd = &e
	}
}

// invoiceCurrency prefers the currency the gateway billed in, then the one
// stamped into metadata at staging, then the wallet default.
func (r *Reconciler) invoiceCurrency(invoice provider.Invoice) string {
	return strings.ToUpper(firstNonBlank(invoice.Currency, invoice.Metadata[metadataCurrency], r.currency))
}

// retryStale re-runs apply while its guarded status write loses to a
// concurrent writer. reload refreshes the caller's copy and reports whether
// the row still exists; handlers that look their rows up again pass nil.
func retryStale(apply func() (Outcome, error), reload func() (bool, error)) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		outcome, err := apply()
		if !errors.Is(err, ErrConcurrentUpdate) || attempt >= maxStatusAttempts {
			return outcome, err
		}
		if reload == nil {
			continue
		}
		found, err := reload()
		if err != nil {
			return "", err
		}
		if !found {
			return OutcomeMissing, nil
		}
	}
}

func staleWrite(entityType string, id uint64) error {
	return fmt.Errorf("%w: %s %d", ErrConcurrentUpdate, entityType, id)
}

// mergeOutcomes reports the most significant of two partial outcomes.
func mergeOutcomes(outcomes ...Outcome) Outcome {
	rank := map[Outcome]int{
		OutcomeIgnored:            0,
		OutcomeDuplicate:          1,
		OutcomeMissing:            2,
		OutcomeRejectedTransition: 3,
		OutcomeApplied:            4,
	}
	best := OutcomeIgnored
	for _, o := range outcomes {
		if rank[o] > rank[best] {
			best = o
		}
	}
	return best
}

func metadataID(metadata map[string]string, key string) (uint64, bool) {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
