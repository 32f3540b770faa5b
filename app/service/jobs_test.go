package service

import (
	"context"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

type jobsFixture struct {
	db         *memDB
	stripe     *fakeStripe
	phonepe    *fakePhonePe
	notifier   *recordingNotifier
	reconciler *Reconciler
	service    *JobsService
}

type countingDispatcher struct {
	calls int
}

func (d *countingDispatcher) RunDispatchBatch(context.Context) (int, error) {
	d.calls++
	return 3, nil
}

func newJobsFixture(dispatcher notificationDispatcher) *jobsFixture {
	db := newMemDB()
	stripe := newFakeStripe()
	phonepe := newFakePhonePe()
	notifier := &recordingNotifier{}
	reconciler := newTestReconciler(db, notifier, nil, config.SubscriptionsConfig{})
	phonePeService := NewPhonePeService(
		memPaymentRepo{db},
		memMandateRepo{db},
		memTransactionRepo{db},
		memWalletRepo{db},
		memLedger{db},
		phonepe,
		reconciler,
		memEventRepo{db},
		config.PayoutsConfig{},
	)
	if dispatcher == nil {
		dispatcher = &countingDispatcher{}
	}
	return &jobsFixture{
		db:         db,
		stripe:     stripe,
		phonepe:    phonepe,
		notifier:   notifier,
		reconciler: reconciler,
		service: NewJobsService(
			memTransactionRepo{db},
			memSubscriptionRepo{db},
			memPaymentRepo{db},
			stripe,
			reconciler,
			phonePeService,
			dispatcher,
			memEventRepo{db},
			config.PaymentsConfig{PendingTimeout: time.Hour, ReconcileStaleAfter: 10 * time.Minute, JobBatchSize: 10},
		),
	}
}

func (fx *jobsFixture) seedCardTopUp(userID string, amount int64, intentID, sessionID string, age time.Duration) *entity.Transaction {
	wallet := fx.db.wallet(userID)
	if wallet == nil {
		wallet = fx.db.seedWallet(userID, 0)
	}
	walletID := wallet.ID
	stamp := time.Now().UTC().Add(-age)
	tx := entity.Transaction{
		UserID:    userID,
		WalletID:  &walletID,
		Amount:    amount,
		Currency:  "INR",
		Method:    entity.TransactionMethodCard,
		Type:      entity.TransactionTypeTopUp,
		Status:    entity.TransactionStatusPending,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
	if intentID != "" {
		tx.ExternalTransactionID = &intentID
	}
	if sessionID != "" {
		tx.ExternalSessionID = &sessionID
	}
	return fx.db.seedTransaction(tx)
}

func TestReconcileCreditsSucceededIntent(t *testing.T) {
	fx := newJobsFixture(nil)
	tx := fx.seedCardTopUp("user-1", 500, "pi_stale", "", time.Hour)
	fx.stripe.intents["pi_stale"] = &provider.PaymentIntent{ID: "pi_stale", Status: "succeeded", Amount: 500, Currency: "INR"}

	processed, err := fx.service.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	if got := fx.db.transaction(tx.ID).Status; got != entity.TransactionStatusSuccess {
		t.Fatalf("expected SUCCESS, got %d", got)
	}
	if got := fx.db.wallet("user-1").Balance; got != 500 {
		t.Fatalf("expected balance 500, got %d", got)
	}

	// A second pass finds nothing left to do.
	processed, err = fx.service.RunReconcileBatch(context.Background())
	if err != nil || processed != 0 {
		t.Fatalf("expected an idle pass, got processed=%d err=%v", processed, err)
	}
	if got := fx.db.wallet("user-1").Balance; got != 500 {
		t.Fatalf("expected balance to stay 500, got %d", got)
	}
}

func TestReconcileFailsExpiredCheckoutSession(t *testing.T) {
	fx := newJobsFixture(nil)
	tx := fx.seedCardTopUp("user-1", 700, "", "cs_stale", time.Hour)
	fx.stripe.sessions["cs_stale"] = &provider.CheckoutSession{ID: "cs_stale", Status: "expired", AmountTotal: 700}

	processed, err := fx.service.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	stored := fx.db.transaction(tx.ID)
	if stored.Status != entity.TransactionStatusFailed || stored.FailureReason == nil {
		t.Fatalf("expected FAILED with reason, got %+v", stored)
	}
	if got := fx.db.wallet("user-1").Balance; got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestReconcileSkipsOpenAndFreshRecords(t *testing.T) {
	fx := newJobsFixture(nil)
	open := fx.seedCardTopUp("user-1", 300, "pi_open", "", time.Hour)
	fx.stripe.intents["pi_open"] = &provider.PaymentIntent{ID: "pi_open", Status: "requires_payment_method", Amount: 300}
	fresh := fx.seedCardTopUp("user-2", 300, "pi_fresh", "", time.Minute)
	fx.stripe.intents["pi_fresh"] = &provider.PaymentIntent{ID: "pi_fresh", Status: "succeeded", Amount: 300}

	processed, err := fx.service.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected nothing processed, got %d", processed)
	}
	if got := fx.db.transaction(open.ID).Status; got != entity.TransactionStatusPending {
		t.Fatalf("expected open intent to stay PENDING, got %d", got)
	}
	if got := fx.db.transaction(fresh.ID).Status; got != entity.TransactionStatusPending {
		t.Fatalf("expected fresh intent to stay PENDING, got %d", got)
	}
	if got := fx.stripe.callCount(); got != 1 {
		t.Fatalf("expected a single gateway lookup, got %d", got)
	}
}

func TestReconcileRefreshesPhonePePayout(t *testing.T) {
	fx := newJobsFixture(nil)
	stamp := time.Now().UTC().Add(-time.Hour)
	payment := fx.db.seedPayment(entity.Payment{
		UserID:                "driver-1",
		Kind:                  entity.PaymentKindPayoutUPI,
		MerchantTransactionID: "driver_payout_9",
		Amount:                1000,
		Status:                entity.PaymentStatusPending,
		CreatedAt:             stamp,
		UpdatedAt:             stamp,
	})
	fx.phonepe.statuses["driver_payout_9"] = provider.PhonePeStatus{
		Success:               true,
		Code:                  "PAYMENT_SUCCESS",
		MerchantTransactionID: "driver_payout_9",
		TransactionID:         "T77",
		Amount:                1000,
		State:                 "COMPLETED",
	}

	processed, err := fx.service.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	if got := (memPaymentRepo{fx.db}).get(payment.ID); got.Status != entity.PaymentStatusSuccess {
		t.Fatalf("expected payout SUCCESS, got %d", got.Status)
	}
	if kinds := fx.notifier.kinds(); len(kinds) != 1 || kinds[0] != entity.NotificationKindPayoutCompleted {
		t.Fatalf("expected a payout notification, got %v", kinds)
	}
}

func TestExpireStagingFailsOrphanedRecords(t *testing.T) {
	fx := newJobsFixture(nil)
	old := time.Now().UTC().Add(-2 * time.Hour)

	wallet := fx.db.seedWallet("user-1", 0)
	walletID := wallet.ID
	orphan := fx.db.seedTransaction(entity.Transaction{
		UserID:    "user-1",
		WalletID:  &walletID,
		Amount:    900,
		Currency:  "INR",
		Method:    entity.TransactionMethodCard,
		Type:      entity.TransactionTypeTopUp,
		Status:    entity.TransactionStatusPending,
		CreatedAt: old,
		UpdatedAt: old,
	})
	recent := fx.db.seedTransaction(entity.Transaction{
		UserID:    "user-1",
		WalletID:  &walletID,
		Amount:    900,
		Currency:  "INR",
		Method:    entity.TransactionMethodCard,
		Type:      entity.TransactionTypeTopUp,
		Status:    entity.TransactionStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	sub := fx.db.seedSubscription(entity.Subscription{
		UserID:    "user-2",
		PlanID:    1,
		Status:    entity.SubscriptionStatusIncomplete,
		CreatedAt: old,
		UpdatedAt: old,
	})

	processed, err := fx.service.RunExpireStagingBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 processed, got %d", processed)
	}
	if got := fx.db.transaction(orphan.ID); got.Status != entity.TransactionStatusFailed {
		t.Fatalf("expected orphan FAILED, got %d", got.Status)
	}
	if got := fx.db.transaction(recent.ID); got.Status != entity.TransactionStatusPending {
		t.Fatalf("expected recent staging row untouched, got %d", got.Status)
	}
	stored := fx.db.subscription(sub.ID)
	if stored.Status != entity.SubscriptionStatusCanceled || stored.CanceledAt == nil {
		t.Fatalf("expected orphaned subscription CANCELED, got %+v", stored)
	}
	events := fx.db.eventsFor(entity.LedgerEntitySubscription, sub.ID)
	if len(events) != 1 || events[0].EventType != "staging.expired" {
		t.Fatalf("expected a staging.expired event, got %+v", events)
	}

	// The freed slot lets the user subscribe again.
	if live, _ := (memSubscriptionRepo{fx.db}).FindLiveByUserID(context.Background(), "user-2"); live != nil {
		t.Fatalf("expected no live subscription, got %+v", live)
	}
}

func TestExpireStagingSkipsSubscriptionActivatedMidSweep(t *testing.T) {
	fx := newJobsFixture(nil)
	old := time.Now().UTC().Add(-2 * time.Hour)
	sub := fx.db.seedSubscription(entity.Subscription{
		UserID:    "user-3",
		PlanID:    1,
		Status:    entity.SubscriptionStatusIncomplete,
		CreatedAt: old,
		UpdatedAt: old,
	})

	// The first invoice lands after the sweep listed the row but before it
	// writes the cancellation.
	var activated Outcome
	fx.db.beforeSubscriptionWrite = func() {
		var err error
		activated, err = fx.reconciler.ApplyInvoicePaid(context.Background(), provider.Invoice{
			ID:            "in_staged",
			BillingReason: "subscription_create",
			AmountPaid:    999,
			Metadata:      map[string]string{metadataSubscriptionID: formatID(sub.ID)},
		}, "evt_in_staged")
		if err != nil {
			t.Errorf("activate: %v", err)
		}
	}

	processed, err := fx.service.RunExpireStagingBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activated != OutcomeApplied {
		t.Fatalf("expected activation to apply, got %s", activated)
	}
	if processed != 0 {
		t.Fatalf("expected nothing expired, got %d", processed)
	}
	stored := fx.db.subscription(sub.ID)
	if stored.Status != entity.SubscriptionStatusActive || stored.CanceledAt != nil {
		t.Fatalf("expected ACTIVE to survive the sweep, got %s", entity.SubscriptionStatusName(stored.Status))
	}
	for _, event := range fx.db.eventsFor(entity.LedgerEntitySubscription, sub.ID) {
		if event.EventType == "staging.expired" {
			t.Fatalf("expected no staging.expired event")
		}
	}
}

func TestNotificationsDispatchDelegates(t *testing.T) {
	dispatcher := &countingDispatcher{}
	fx := newJobsFixture(dispatcher)

	processed, err := fx.service.RunNotificationsDispatchBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 3 || dispatcher.calls != 1 {
		t.Fatalf("expected delegation, got processed=%d calls=%d", processed, dispatcher.calls)
	}
}
