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
)

const (
	prorationAlwaysInvoice = "always_invoice"
	prorationNone          = "none"
	paymentAllowIncomplete = "allow_incomplete"
)

type createSubscriptionRequest interface {
	GetUserID() string
	GetPlanID() uint64
}

type changeSubscriptionRequest interface {
	GetUserID() string
	GetNewPlanID() uint64
}

type subscriptionRepository interface {
	Create(ctx context.Context, sub *entity.Subscription) error
	UpdateStatus(ctx context.Context, sub *entity.Subscription, from int32) (bool, error)
	UpdateBilling(ctx context.Context, sub *entity.Subscription) error
	FindLiveByUserID(ctx context.Context, userID string) (*entity.Subscription, error)
	FindLatestByUserID(ctx context.Context, userID string) (*entity.Subscription, error)
}

type subscriptionPlanRepository interface {
	FindByID(ctx context.Context, id uint64) (*entity.Plan, error)
}

type customerRepository interface {
	Create(ctx context.Context, customer *entity.Customer) error
	FindByUserID(ctx context.Context, userID string) (*entity.Customer, error)
}

type subscriptionTransactionRepository interface {
	Create(ctx context.Context, tx *entity.Transaction) error
	Update(ctx context.Context, tx *entity.Transaction) error
	UpdatePendingAmount(ctx context.Context, id uint64, amount int64, now time.Time) (bool, error)
}

type transactionFailer interface {
	FailTransaction(ctx context.Context, id uint64, reason string, now time.Time) (*entity.Transaction, bool, error)
}

type subscriptionGateway interface {
	CreateCustomer(ctx context.Context, input provider.CustomerInput) (string, error)
	CreateSubscription(ctx context.Context, input provider.SubscriptionInput) (*provider.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error)
	UpdateSubscriptionItem(ctx context.Context, input provider.SubscriptionItemUpdate) (*provider.Subscription, error)
}

type userDirectory interface {
	GetUser(ctx context.Context, userID string) (*provider.User, error)
}

type SubscriptionResult struct {
	Subscription  *entity.Subscription
	TransactionID uint64
	InvoiceID     string
	ClientSecret  string
}

// SubscriptionService runs the multi-step subscription flows against the
// billing gateway, keeping a local staging record for every external call.
type SubscriptionService struct {
	subscriptions subscriptionRepository
	plans         subscriptionPlanRepository
	customers     customerRepository
	transactions  subscriptionTransactionRepository
	ledger        transactionFailer
	gateway       subscriptionGateway
	users         userDirectory
	events        ledgerEventRepository
	logger        logrus.FieldLogger
}

func NewSubscriptionService(
	subscriptions subscriptionRepository,
	plans subscriptionPlanRepository,
	customers customerRepository,
	transactions subscriptionTransactionRepository,
	ledger transactionFailer,
	gateway subscriptionGateway,
	users userDirectory,
	events ledgerEventRepository,
) *SubscriptionService {
	return &SubscriptionService{
		subscriptions: subscriptions,
		plans:         plans,
		customers:     customers,
		transactions:  transactions,
		ledger:        ledger,
		gateway:       gateway,
		users:         users,
		events:        events,
		logger:        factory.NewModuleLogger("subscriptions"),
	}
}

// Create subscribes a user to a plan. A user holding a live subscription is
// rejected before any external call; upgrade or downgrade must be used.
func (s *SubscriptionService) Create(ctx context.Context, req createSubscriptionRequest) (result *SubscriptionResult, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.create")
	defer func() { endSpan(span, err) }()

	userID := strings.TrimSpace(req.GetUserID())
	if userID == "" || req.GetPlanID() == 0 {
		return nil, fmt.Errorf("%w: userId and planId are required", ErrInvalidRequest)
	}

	plan, err := s.plans.FindByID(ctx, req.GetPlanID())
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	if !plan.Active || plan.ExternalPriceID == "" {
		return nil, fmt.Errorf("%w: plan is not billable", ErrInvalidState)
	}

	live, err := s.subscriptions.FindLiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return nil, ErrSubscriptionExists
	}

	now := time.Now().UTC()
	sub := &entity.Subscription{
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    entity.SubscriptionStatusIncomplete,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.subscriptions.Create(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrSubscriptionExists
		}
		return nil, err
	}

	customerID, err := s.ensureCustomer(ctx, userID)
	if err != nil {
		s.cancelStaged(ctx, sub, nil, err.Error())
		return nil, err
	}

	planID := plan.ID
	subID := sub.ID
	tx := &entity.Transaction{
		UserID:         userID,
		Amount:         plan.Price,
		Currency:       plan.Currency,
		Method:         entity.TransactionMethodCard,
		Type:           entity.TransactionTypeSubscriptionCreate,
		Status:         entity.TransactionStatusPending,
		RefundStatus:   entity.RefundStatusNone,
		SubscriptionID: &subID,
		NewPlanID:      &planID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		s.cancelStaged(ctx, sub, nil, err.Error())
		return nil, err
	}

	external, err := s.gateway.CreateSubscription(ctx, provider.SubscriptionInput{
		CustomerID: customerID,
		PriceID:    plan.ExternalPriceID,
		Metadata: map[string]string{
			metadataSubscriptionID: formatID(sub.ID),
			metadataTransactionID:  formatID(tx.ID),
			metadataCurrency:       plan.Currency,
			"userId":               userID,
			"planId":               formatID(plan.ID),
		},
	})
	if err != nil {
		s.cancelStaged(ctx, sub, tx, err.Error())
		return nil, gatewayFailure(err)
	}

	sub.ExternalSubscriptionID = stringPtr(external.ID)
	sub.ExternalCustomerID = stringPtr(customerID)
	setPeriod(sub, external.CurrentPeriodStart, external.CurrentPeriodEnd)
	sub.UpdatedAt = time.Now().UTC()
	if err := s.subscriptions.UpdateBilling(ctx, sub); err != nil {
		return nil, err
	}

	tx.ExternalTransactionID = stringPtr(external.LatestInvoiceID)
	tx.ExternalSubscriptionID = stringPtr(external.ID)
	tx.UpdatedAt = time.Now().UTC()
	if err := s.transactions.Update(ctx, tx); err != nil {
		return nil, err
	}

	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType:      entity.LedgerEntitySubscription,
		EntityID:        sub.ID,
		EventType:       "subscription.created",
		NewStatus:       sub.Status,
		ExternalEventID: stringPtr(external.ID),
		CreatedAt:       time.Now().UTC(),
	})

	return &SubscriptionResult{
		Subscription:  sub,
		TransactionID: tx.ID,
		InvoiceID:     external.LatestInvoiceID,
		ClientSecret:  external.ClientSecret,
	}, nil
}

// Upgrade moves the subscription to another plan and bills the prorated
// difference immediately.
func (s *SubscriptionService) Upgrade(ctx context.Context, req changeSubscriptionRequest) (result *SubscriptionResult, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.upgrade")
	defer func() { endSpan(span, err) }()

	sub, plan, external, err := s.loadChange(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	oldPlanID := sub.PlanID
	newPlanID := plan.ID
	subID := sub.ID
	tx := &entity.Transaction{
		UserID:                 sub.UserID,
		Amount:                 plan.Price,
		Currency:               plan.Currency,
		Method:                 entity.TransactionMethodCard,
		Type:                   entity.TransactionTypeSubscriptionUpgrade,
		Status:                 entity.TransactionStatusPending,
		RefundStatus:           entity.RefundStatusNone,
		SubscriptionID:         &subID,
		OldPlanID:              &oldPlanID,
		NewPlanID:              &newPlanID,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, err
	}

	updated, err := s.gateway.UpdateSubscriptionItem(ctx, provider.SubscriptionItemUpdate{
		SubscriptionID:    external.ID,
		ItemID:            external.Items[0].ID,
		PriceID:           plan.ExternalPriceID,
		ProrationBehavior: prorationAlwaysInvoice,
		PaymentBehavior:   paymentAllowIncomplete,
		Metadata: map[string]string{
			metadataSubscriptionID: formatID(sub.ID),
			metadataTransactionID:  formatID(tx.ID),
			metadataCurrency:       plan.Currency,
			"planId":               formatID(plan.ID),
		},
	})
	if err != nil {
		if _, _, failErr := s.ledger.FailTransaction(ctx, tx.ID, err.Error(), time.Now().UTC()); failErr != nil {
			s.logger.WithError(failErr).WithField("transaction_id", tx.ID).Error("Failed to mark upgrade as failed")
		}
		return nil, gatewayFailure(err)
	}

	if updated.LatestInvoiceID != "" {
		tx.ExternalTransactionID = stringPtr(updated.LatestInvoiceID)
		tx.UpdatedAt = time.Now().UTC()
		if err := s.transactions.Update(ctx, tx); err != nil {
			return nil, err
		}
	}
	if updated.LatestInvoiceAmountDue != nil && *updated.LatestInvoiceAmountDue != tx.Amount {
		applied, err := s.transactions.UpdatePendingAmount(ctx, tx.ID, *updated.LatestInvoiceAmountDue, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if applied {
			tx.Amount = *updated.LatestInvoiceAmountDue
		}
	}

	if err := s.repoint(ctx, sub, plan, updated, "subscription.upgraded"); err != nil {
		return nil, err
	}

	return &SubscriptionResult{
		Subscription:  sub,
		TransactionID: tx.ID,
		InvoiceID:     updated.LatestInvoiceID,
		ClientSecret:  updated.ClientSecret,
	}, nil
}

// Downgrade swaps the plan without proration and ends the current trial, so
// the new rate applies from the next cycle.
func (s *SubscriptionService) Downgrade(ctx context.Context, req changeSubscriptionRequest) (result *SubscriptionResult, err error) {
	ctx, span := tracer.Start(ctx, "subscriptions.downgrade")
	defer func() { endSpan(span, err) }()

	sub, plan, external, err := s.loadChange(ctx, req)
	if err != nil {
		return nil, err
	}
	if external.IsEnded() {
		return nil, fmt.Errorf("%w: subscription has already ended", ErrInvalidState)
	}

	updated, err := s.gateway.UpdateSubscriptionItem(ctx, provider.SubscriptionItemUpdate{
		SubscriptionID:    external.ID,
		ItemID:            external.Items[0].ID,
		PriceID:           plan.ExternalPriceID,
		ProrationBehavior: prorationNone,
		EndTrialNow:       true,
		Metadata: map[string]string{
			metadataSubscriptionID: formatID(sub.ID),
			metadataCurrency:       plan.Currency,
			"planId":               formatID(plan.ID),
		},
	})
	if err != nil {
		return nil, gatewayFailure(err)
	}

	if err := s.repoint(ctx, sub, plan, updated, "subscription.downgraded"); err != nil {
		return nil, err
	}

	return &SubscriptionResult{Subscription: sub}, nil
}

func (s *SubscriptionService) Get(ctx context.Context, userID string) (*entity.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	sub, err := s.subscriptions.FindLatestByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// loadChange resolves everything a plan change needs and fails before any
// local write when the external subscription cannot be changed.
func (s *SubscriptionService) loadChange(ctx context.Context, req changeSubscriptionRequest) (*entity.Subscription, *entity.Plan, *provider.Subscription, error) {
	userID := strings.TrimSpace(req.GetUserID())
	if userID == "" || req.GetNewPlanID() == 0 {
		return nil, nil, nil, fmt.Errorf("%w: userId and newPlanId are required", ErrInvalidRequest)
	}

	sub, err := s.subscriptions.FindLiveByUserID(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	if sub == nil {
		return nil, nil, nil, ErrSubscriptionNotFound
	}
	if sub.ExternalSubscriptionID == nil {
		return nil, nil, nil, fmt.Errorf("%w: subscription is not linked to the gateway yet", ErrInvalidState)
	}

	plan, err := s.plans.FindByID(ctx, req.GetNewPlanID())
	if err != nil {
		return nil, nil, nil, err
	}
	if plan == nil {
		return nil, nil, nil, ErrPlanNotFound
	}
	if !plan.Active || plan.ExternalPriceID == "" {
		return nil, nil, nil, fmt.Errorf("%w: plan is not billable", ErrInvalidState)
	}
	if plan.ID == sub.PlanID {
		return nil, nil, nil, fmt.Errorf("%w: subscription is already on plan %d", ErrInvalidState, plan.ID)
	}

	external, err := s.gateway.GetSubscription(ctx, *sub.ExternalSubscriptionID)
	if err != nil {
		return nil, nil, nil, gatewayFailure(err)
	}
	if len(external.Items) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: subscription has no billable items", ErrInvalidState)
	}

	return sub, plan, external, nil
}

func (s *SubscriptionService) repoint(ctx context.Context, sub *entity.Subscription, plan *entity.Plan, external *provider.Subscription, eventType string) error {
	oldStatus := sub.Status
	sub.PlanID = plan.ID
	setPeriod(sub, external.CurrentPeriodStart, external.CurrentPeriodEnd)
	sub.UpdatedAt = time.Now().UTC()
	if err := s.subscriptions.UpdateBilling(ctx, sub); err != nil {
		return err
	}

	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType:      entity.LedgerEntitySubscription,
		EntityID:        sub.ID,
		EventType:       eventType,
		OldStatus:       &oldStatus,
		NewStatus:       sub.Status,
		ExternalEventID: stringPtr(external.ID),
		CreatedAt:       time.Now().UTC(),
	})
	return nil
}

func (s *SubscriptionService) ensureCustomer(ctx context.Context, userID string) (string, error) {
	existing, err := s.customers.FindByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ExternalCustomerID, nil
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, provider.ErrDirectoryNotFound) {
			return "", ErrUserNotFound
		}
		return "", gatewayFailure(err)
	}

	externalID, err := s.gateway.CreateCustomer(ctx, provider.CustomerInput{
		Email:    user.Email,
		Name:     user.Name,
		Metadata: map[string]string{"userId": userID},
	})
	if err != nil {
		return "", gatewayFailure(err)
	}

	now := time.Now().UTC()
	customer := &entity.Customer{
		UserID:             userID,
		ExternalCustomerID: externalID,
		Email:              user.Email,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.customers.Create(ctx, customer); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			existing, findErr := s.customers.FindByUserID(ctx, userID)
			if findErr == nil && existing != nil {
				return existing.ExternalCustomerID, nil
			}
		}
		return "", err
	}

	return externalID, nil
}

// cancelStaged releases the user's subscription slot after a failed creation.
func (s *SubscriptionService) cancelStaged(ctx context.Context, sub *entity.Subscription, tx *entity.Transaction, reason string) {
	now := time.Now().UTC()
	if tx != nil {
		if _, _, err := s.ledger.FailTransaction(ctx, tx.ID, reason, now); err != nil {
			s.logger.WithError(err).WithField("transaction_id", tx.ID).Error("Failed to mark staged transaction as failed")
		}
	}

	oldStatus := sub.Status
	next := *sub
	next.Status = entity.SubscriptionStatusCanceled
	next.CanceledAt = &now
	next.EndDate = &now
	next.UpdatedAt = now
	applied, err := s.subscriptions.UpdateStatus(ctx, &next, oldStatus)
	if err != nil {
		s.logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to cancel staged subscription")
		return
	}
	if !applied {
		s.logger.WithField("subscription_id", sub.ID).Warn("Staged subscription changed before it could be canceled")
		return
	}
	*sub = next

	_ = s.events.Create(ctx, &entity.LedgerEvent{
		EntityType: entity.LedgerEntitySubscription,
		EntityID:   sub.ID,
		EventType:  "subscription.staging_failed",
		OldStatus:  &oldStatus,
		NewStatus:  sub.Status,
		CreatedAt:  now,
	})
}
