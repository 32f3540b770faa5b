package service

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

const orphanedStagingReason = "staging record orphaned"

type jobsTransactionRepository interface {
	ListStalePending(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error)
	ListOrphanedPending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Transaction, error)
}

type jobsSubscriptionRepository interface {
	UpdateStatus(ctx context.Context, sub *entity.Subscription, from int32) (bool, error)
	ListOrphanedIncomplete(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Subscription, error)
}

type jobsPaymentRepository interface {
	ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Payment, error)
}

type topUpLookup interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*provider.CheckoutSession, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*provider.PaymentIntent, error)
}

type topUpReconciler interface {
	ApplyCheckoutSession(ctx context.Context, session provider.CheckoutSession, outcome provider.CheckoutOutcome, eventID string) (Outcome, error)
	ApplyPaymentIntent(ctx context.Context, intent provider.PaymentIntent, succeeded bool, failureMessage string, eventID string) (Outcome, error)
	FailTransaction(ctx context.Context, tx *entity.Transaction, reason, eventType string) (Outcome, error)
}

type paymentRefresher interface {
	RefreshPayment(ctx context.Context, payment *entity.Payment) error
}

type notificationDispatcher interface {
	RunDispatchBatch(ctx context.Context) (int, error)
}

// JobsService drives the background batches. Each run returns how many rows
// it moved so the caller can report it.
type JobsService struct {
	transactions  jobsTransactionRepository
	subscriptions jobsSubscriptionRepository
	payments      jobsPaymentRepository
	topUps        topUpLookup
	reconciler    topUpReconciler
	phonePe       paymentRefresher
	notifications notificationDispatcher
	events        ledgerEventRepository
	cfg           config.PaymentsConfig
	logger        logrus.FieldLogger
}

func NewJobsService(
	transactions jobsTransactionRepository,
	subscriptions jobsSubscriptionRepository,
	payments jobsPaymentRepository,
	topUps topUpLookup,
	reconciler topUpReconciler,
	phonePe paymentRefresher,
	notifications notificationDispatcher,
	events ledgerEventRepository,
	cfg config.PaymentsConfig,
) *JobsService {
	return &JobsService{
		transactions:  transactions,
		subscriptions: subscriptions,
		payments:      payments,
		topUps:        topUps,
		reconciler:    reconciler,
		phonePe:       phonePe,
		notifications: notifications,
		events:        events,
		cfg:           cfg,
		logger:        factory.NewModuleLogger("jobs"),
	}
}

// RunReconcileBatch polls the gateways for pending records whose callback
// never arrived and applies whatever terminal state they report.
func (s *JobsService) RunReconcileBatch(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	before := now.Add(-s.cfg.ReconcileStaleAfter)

	var firstErr error
	processed := 0

	txs, err := s.transactions.ListStalePending(ctx, before, s.batchSize())
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		outcome, err := s.reconcileTopUp(ctx, tx)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if outcome == OutcomeApplied {
			processed++
		}
	}

	payments, err := s.payments.ListForReconcile(ctx, before, s.batchSize())
	if err != nil {
		return processed, keepFirstErr(firstErr, err)
	}
	for _, payment := range payments {
		if payment == nil {
			continue
		}
		oldStatus := payment.Status
		if err := s.phonePe.RefreshPayment(ctx, payment); err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if payment.Status != oldStatus {
			processed++
		}
	}

	return processed, firstErr
}

func (s *JobsService) reconcileTopUp(ctx context.Context, tx *entity.Transaction) (Outcome, error) {
	if sessionID := strings.TrimSpace(derefString(tx.ExternalSessionID)); sessionID != "" {
		session, err := s.topUps.GetCheckoutSession(ctx, sessionID)
		if err != nil {
			return "", gatewayFailure(err)
		}
		switch session.Status {
		case "complete":
			return s.reconciler.ApplyCheckoutSession(ctx, *session, provider.CheckoutCompleted, "")
		case "expired":
			return s.reconciler.ApplyCheckoutSession(ctx, *session, provider.CheckoutExpired, "")
		default:
			return OutcomeIgnored, nil
		}
	}

	intentID := strings.TrimSpace(derefString(tx.ExternalTransactionID))
	if intentID == "" {
		return OutcomeIgnored, nil
	}
	intent, err := s.topUps.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return "", gatewayFailure(err)
	}
	switch intent.Status {
	case "succeeded":
		return s.reconciler.ApplyPaymentIntent(ctx, *intent, true, "", "")
	case "canceled":
		return s.reconciler.ApplyPaymentIntent(ctx, *intent, false, firstNonBlank(intent.LastError, "payment intent canceled"), "")
	case "requires_payment_method":
		if intent.LastError == "" {
			return OutcomeIgnored, nil
		}
		return s.reconciler.ApplyPaymentIntent(ctx, *intent, false, intent.LastError, "")
	default:
		return OutcomeIgnored, nil
	}
}

// RunExpireStagingBatch fails pending rows that were staged before a gateway
// call whose result never got recorded.
func (s *JobsService) RunExpireStagingBatch(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.cfg.PendingTimeout)

	var firstErr error
	processed := 0

	txs, err := s.transactions.ListOrphanedPending(ctx, cutoff, s.batchSize())
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		outcome, err := s.reconciler.FailTransaction(ctx, tx, orphanedStagingReason, "staging.expired")
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if outcome == OutcomeApplied {
			processed++
		}
	}

	subs, err := s.subscriptions.ListOrphanedIncomplete(ctx, cutoff, s.batchSize())
	if err != nil {
		return processed, keepFirstErr(firstErr, err)
	}
	for _, sub := range subs {
		if sub == nil || sub.Status != entity.SubscriptionStatusIncomplete {
			continue
		}

		oldStatus := sub.Status
		next := *sub
		next.Status = entity.SubscriptionStatusCanceled
		next.CanceledAt = &now
		next.EndDate = &now
		next.UpdatedAt = now
		applied, err := s.subscriptions.UpdateStatus(ctx, &next, oldStatus)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if !applied {
			// Activated by a webhook after the listing.
			s.logger.WithField("subscription_id", sub.ID).Info("Skipping staged subscription that changed state")
			continue
		}
		*sub = next

		_ = s.events.Create(ctx, &entity.LedgerEvent{
			EntityType: entity.LedgerEntitySubscription,
			EntityID:   sub.ID,
			EventType:  "staging.expired",
			OldStatus:  &oldStatus,
			NewStatus:  sub.Status,
			CreatedAt:  now,
		})
		processed++
	}

	if processed > 0 {
		s.logger.WithField("processed", processed).Info("Expired orphaned staging records")
	}

	return processed, firstErr
}

func (s *JobsService) RunNotificationsDispatchBatch(ctx context.Context) (int, error) {
	return s.notifications.RunDispatchBatch(ctx)
}

func (s *JobsService) batchSize() int32 {
	if s.cfg.JobBatchSize <= 0 {
		return defaultBatchSize
	}
	return s.cfg.JobBatchSize
}
