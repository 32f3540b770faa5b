package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/cache"
	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"go.opentelemetry.io/otel/attribute"
)

const defaultWebhookLockTTL = 30 * time.Second

type callbackVerifierRegistry interface {
	Get(gateway string) (provider.CallbackVerifier, error)
}

type gatewayCallbackRepository interface {
	Create(ctx context.Context, callback *entity.GatewayCallback) error
	Upsert(ctx context.Context, callback *entity.GatewayCallback) error
	FindByEvent(ctx context.Context, gateway, eventID string) (*entity.GatewayCallback, error)
}

type eventReconciler interface {
	ApplyCheckoutSession(ctx context.Context, session provider.CheckoutSession, outcome provider.CheckoutOutcome, eventID string) (Outcome, error)
	ApplyPaymentIntent(ctx context.Context, intent provider.PaymentIntent, succeeded bool, failureMessage string, eventID string) (Outcome, error)
	ApplyInvoicePaid(ctx context.Context, invoice provider.Invoice, eventID string) (Outcome, error)
	ApplyInvoiceFailed(ctx context.Context, invoice provider.Invoice, eventID string) (Outcome, error)
	ApplyInvoiceActionRequired(ctx context.Context, invoice provider.Invoice, eventID string) (Outcome, error)
	ApplySubscriptionDeleted(ctx context.Context, sub provider.Subscription, eventID string) (Outcome, error)
	ApplyRefundUpdate(ctx context.Context, refund provider.Refund, eventID string) (Outcome, error)
	ApplyPhonePePayment(ctx context.Context, status provider.PhonePeStatus, raw, eventID string) (Outcome, error)
	ApplyPhonePeMandate(ctx context.Context, status provider.PhonePeStatus, raw, eventID string) (Outcome, error)
}

type CallbackResult struct {
	Gateway   string
	EventID   string
	EventType string
	Outcome   Outcome
}

// WebhookService authenticates inbound gateway callbacks, audits them and
// routes each decoded event to exactly one reconciliation handler.
type WebhookService struct {
	registry   callbackVerifierRegistry
	callbacks  gatewayCallbackRepository
	reconciler eventReconciler
	locker     cache.Locker
	lockTTL    time.Duration
	logger     logrus.FieldLogger
}

func NewWebhookService(registry callbackVerifierRegistry, callbacks gatewayCallbackRepository, reconciler eventReconciler, locker cache.Locker, lockTTL time.Duration) *WebhookService {
	if locker == nil {
		locker = cache.NoopLocker{}
	}
	if lockTTL <= 0 {
		lockTTL = defaultWebhookLockTTL
	}

	return &WebhookService{
		registry:   registry,
		callbacks:  callbacks,
		reconciler: reconciler,
		locker:     locker,
		lockTTL:    lockTTL,
		logger:     factory.NewModuleLogger("webhooks"),
	}
}

// SignatureHeader names the header that carries the gateway's callback
// signature, or "" for an unknown gateway.
func (s *WebhookService) SignatureHeader(gateway string) string {
	verifier, err := s.registry.Get(gateway)
	if err != nil {
		return ""
	}
	return verifier.SignatureHeader()
}

// HandleCallback returns ErrCallbackRejected when the body cannot be
// authenticated or decoded, ErrCallbackInProgress when another worker holds
// the event, and a plain error when applying it failed and redelivery should
// be requested. Every other case is an acknowledged result.
func (s *WebhookService) HandleCallback(ctx context.Context, gateway string, payload []byte, signature string) (result *CallbackResult, err error) {
	started := time.Now()
	gateway = strings.ToLower(strings.TrimSpace(gateway))

	ctx, span := tracer.Start(ctx, "webhook.handle")
	span.SetAttributes(attribute.String("gateway", gateway))
	defer func() {
		endSpan(span, err)
		metrics.ObserveWebhook(gateway, webhookMetricOutcome(result, err), time.Since(started))
	}()

	verifier, err := s.registry.Get(gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}

	event, err := verifier.VerifyCallback(payload, signature)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"gateway": gateway,
			"reason":  err.Error(),
		}).Warn("Gateway callback rejected")
		errMsg := truncate(err.Error(), 1024)
		_ = s.callbacks.Create(ctx, &entity.GatewayCallback{
			Gateway:     gateway,
			EventType:   "unverified",
			Signature:   truncate(signature, 255),
			PayloadJSON: string(payload),
			Status:      entity.GatewayCallbackStatusRejected,
			Error:       &errMsg,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		})
		return nil, fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}

	result = &CallbackResult{Gateway: gateway, EventID: event.EventID(), EventType: event.EventType()}
	span.SetAttributes(attribute.String("event.id", result.EventID), attribute.String("event.type", result.EventType))

	existing, err := s.callbacks.FindByEvent(ctx, gateway, result.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil && (existing.Status == entity.GatewayCallbackStatusProcessed || existing.Status == entity.GatewayCallbackStatusIgnored) {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	lockKey := "webhook:" + gateway + ":" + result.EventID
	token, err := s.locker.TryLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, ErrCallbackInProgress
		}
		return nil, err
	}
	defer func() {
		if unlockErr := s.locker.Unlock(context.Background(), lockKey, token); unlockErr != nil {
			s.logger.WithError(unlockErr).WithField("event_id", result.EventID).Warn("Webhook lock release failed")
		}
	}()

	outcome, applyErr := s.dispatch(ctx, event)

	audit := &entity.GatewayCallback{
		Gateway:     gateway,
		EventID:     stringPtr(result.EventID),
		EventType:   truncate(result.EventType, 128),
		Signature:   truncate(signature, 255),
		PayloadJSON: string(payload),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	switch {
	case applyErr != nil:
		audit.Status = entity.GatewayCallbackStatusRejected
		audit.Error = stringPtr(truncate(applyErr.Error(), 1024))
	case outcome == OutcomeIgnored:
		audit.Status = entity.GatewayCallbackStatusIgnored
	case outcome == OutcomeMissing:
		audit.Status = entity.GatewayCallbackStatusRejected
		audit.Error = stringPtr("referenced ledger record not found")
	case outcome == OutcomeRejectedTransition:
		audit.Status = entity.GatewayCallbackStatusRejected
		audit.Error = stringPtr("transition not allowed from current status")
	default:
		audit.Status = entity.GatewayCallbackStatusProcessed
	}
	if err := s.callbacks.Upsert(ctx, audit); err != nil && applyErr == nil {
		s.logger.WithError(err).WithField("event_id", result.EventID).Warn("Gateway callback audit failed")
	}

	if applyErr != nil {
		return nil, applyErr
	}
	if outcome == OutcomeMissing {
		s.logger.WithFields(logrus.Fields{
			"gateway":    gateway,
			"event_id":   result.EventID,
			"event_type": result.EventType,
		}).Warn("Gateway callback references an unknown ledger record")
	}

	result.Outcome = outcome
	return result, nil
}

func (s *WebhookService) dispatch(ctx context.Context, event provider.Event) (Outcome, error) {
	eventID := event.EventID()

	switch e := event.(type) {
	case *provider.CheckoutSessionEvent:
		return s.reconciler.ApplyCheckoutSession(ctx, e.Session, e.Outcome, eventID)
	case *provider.PaymentIntentEvent:
		return s.reconciler.ApplyPaymentIntent(ctx, e.Intent, e.Succeeded, e.FailureMessage, eventID)
	case *provider.InvoiceEvent:
		if e.Paid {
			return s.reconciler.ApplyInvoicePaid(ctx, e.Invoice, eventID)
		}
		return s.reconciler.ApplyInvoiceFailed(ctx, e.Invoice, eventID)
	case *provider.InvoiceActionRequiredEvent:
		return s.reconciler.ApplyInvoiceActionRequired(ctx, e.Invoice, eventID)
	case *provider.SubscriptionDeletedEvent:
		return s.reconciler.ApplySubscriptionDeleted(ctx, e.Subscription, eventID)
	case *provider.RefundEvent:
		return s.reconciler.ApplyRefundUpdate(ctx, e.Refund, eventID)
	case *provider.PhonePePaymentEvent:
		return s.reconciler.ApplyPhonePePayment(ctx, e.Status, e.Raw, eventID)
	case *provider.PhonePeMandateEvent:
		return s.reconciler.ApplyPhonePeMandate(ctx, e.Status, e.Raw, eventID)
	default:
		return OutcomeIgnored, nil
	}
}

func webhookMetricOutcome(result *CallbackResult, err error) string {
	switch {
	case errors.Is(err, ErrCallbackRejected):
		return "rejected"
	case errors.Is(err, ErrCallbackInProgress):
		return "in_progress"
	case err != nil:
		return "error"
	case result == nil:
		return "unknown"
	default:
		return string(result.Outcome)
	}
}
