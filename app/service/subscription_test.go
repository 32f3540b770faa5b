package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

type subscriptionReq struct {
	userID    string
	planID    uint64
	newPlanID uint64
}

func (r subscriptionReq) GetUserID() string    { return r.userID }
func (r subscriptionReq) GetPlanID() uint64    { return r.planID }
func (r subscriptionReq) GetNewPlanID() uint64 { return r.newPlanID }

type subscriptionFixture struct {
	db         *memDB
	stripe     *fakeStripe
	notifier   *recordingNotifier
	service    *SubscriptionService
	reconciler *Reconciler
	basic      *entity.Plan
	premium    *entity.Plan
}

func newSubscriptionFixture() *subscriptionFixture {
	return newSubscriptionFixtureWithPolicy(config.SubscriptionsConfig{})
}

func newSubscriptionFixtureWithPolicy(policy config.SubscriptionsConfig) *subscriptionFixture {
	db := newMemDB()
	stripe := newFakeStripe()
	notifier := &recordingNotifier{}
	directory := &fakeDirectory{users: map[string]*provider.User{
		"user-1": {ID: "user-1", Email: "one@example.com", Name: "One"},
		"user-2": {ID: "user-2", Email: "two@example.com", Name: "Two"},
	}}

	fx := &subscriptionFixture{
		db:       db,
		stripe:   stripe,
		notifier: notifier,
		service: NewSubscriptionService(
			memSubscriptionRepo{db},
			memPlanRepo{db},
			memCustomerRepo{db},
			memTransactionRepo{db},
			memLedger{db},
			stripe,
			directory,
			memEventRepo{db},
		),
		reconciler: newTestReconciler(db, notifier, stripe, policy),
	}
	fx.basic = db.seedPlan(entity.Plan{OwnerID: "owner", Name: "Basic", Price: 999, Currency: "INR", Duration: 1, DurationUnit: "month", ExternalProductID: "prod_b", ExternalPriceID: "price_basic", Active: true})
	fx.premium = db.seedPlan(entity.Plan{OwnerID: "owner", Name: "Premium", Price: 2999, Currency: "INR", Duration: 1, DurationUnit: "month", ExternalProductID: "prod_p", ExternalPriceID: "price_premium", Active: true})
	return fx
}

func (fx *subscriptionFixture) create(t *testing.T, userID string) *SubscriptionResult {
	t.Helper()
	res, err := fx.service.Create(context.Background(), subscriptionReq{userID: userID, planID: fx.basic.ID})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return res
}

func (fx *subscriptionFixture) payInvoice(t *testing.T, res *SubscriptionResult, invoiceID string) Outcome {
	t.Helper()
	now := time.Now().UTC()
	outcome, err := fx.reconciler.ApplyInvoicePaid(context.Background(), provider.Invoice{
		ID:             invoiceID,
		SubscriptionID: *res.Subscription.ExternalSubscriptionID,
		BillingReason:  "subscription_create",
		AmountPaid:     fx.basic.Price,
		PeriodStart:    now,
		PeriodEnd:      now.AddDate(0, 1, 0),
	}, "evt_"+invoiceID)
	if err != nil {
		t.Fatalf("apply invoice paid: %v", err)
	}
	return outcome
}

func TestCreateSubscriptionStagesIncomplete(t *testing.T) {
	fx := newSubscriptionFixture()

	res := fx.create(t, "user-1")

	sub := fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusIncomplete {
		t.Fatalf("expected INCOMPLETE, got %s", entity.SubscriptionStatusName(sub.Status))
	}
	if sub.ExternalSubscriptionID == nil || sub.ExternalCustomerID == nil {
		t.Fatalf("expected gateway ids to be stored: %+v", sub)
	}
	tx := fx.db.transaction(res.TransactionID)
	if tx.Status != entity.TransactionStatusPending || tx.Type != entity.TransactionTypeSubscriptionCreate {
		t.Fatalf("unexpected staged transaction: %+v", tx)
	}
	if tx.ExternalTransactionID == nil || *tx.ExternalTransactionID != res.InvoiceID {
		t.Fatalf("expected invoice id %q on transaction, got %v", res.InvoiceID, tx.ExternalTransactionID)
	}
	meta := fx.stripe.lastSubscriptionInput.Metadata
	if meta[metadataSubscriptionID] != formatID(sub.ID) || meta[metadataTransactionID] != formatID(tx.ID) {
		t.Fatalf("expected local ids in gateway metadata, got %v", meta)
	}
}

func TestCreateSubscriptionRejectsSecondLiveSubscription(t *testing.T) {
	fx := newSubscriptionFixture()
	fx.create(t, "user-1")
	calls := fx.stripe.callCount()

	_, err := fx.service.Create(context.Background(), subscriptionReq{userID: "user-1", planID: fx.premium.ID})
	if !errors.Is(err, ErrSubscriptionExists) {
		t.Fatalf("expected ErrSubscriptionExists, got %v", err)
	}
	if fx.stripe.callCount() != calls {
		t.Fatalf("expected no gateway calls, got %v", fx.stripe.calls[calls:])
	}
}

func TestCreateSubscriptionGatewayFailureReleasesSlot(t *testing.T) {
	fx := newSubscriptionFixture()
	fx.stripe.subscriptionErr = &provider.GatewayError{Gateway: "stripe", Op: "create_subscription", Kind: provider.GatewayErrorRejected, StatusCode: 402, Message: "card declined"}

	_, err := fx.service.Create(context.Background(), subscriptionReq{userID: "user-1", planID: fx.basic.ID})
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}

	sub, _ := memSubscriptionRepo{fx.db}.FindLatestByUserID(context.Background(), "user-1")
	if sub == nil || sub.Status != entity.SubscriptionStatusCanceled {
		t.Fatalf("expected staged subscription to be CANCELED, got %+v", sub)
	}
	pending, _ := memTransactionRepo{fx.db}.FindPendingBySubscriptionID(context.Background(), sub.ID)
	if pending != nil {
		t.Fatalf("expected no pending transaction left, got %+v", pending)
	}

	fx.stripe.subscriptionErr = nil
	fx.create(t, "user-1")
}

func TestInvoicePaidActivatesSubscription(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")

	if outcome := fx.payInvoice(t, res, res.InvoiceID); outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	sub := fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusActive || sub.CurrentPeriodEnd == nil || sub.StartDate == nil {
		t.Fatalf("unexpected subscription after payment: %+v", sub)
	}
	if tx := fx.db.transaction(res.TransactionID); tx.Status != entity.TransactionStatusSuccess {
		t.Fatalf("expected transaction SUCCESS, got %d", tx.Status)
	}

	// Redelivery settles nothing twice.
	fx.payInvoice(t, res, res.InvoiceID)
	if n := len(fx.db.eventsFor(entity.LedgerEntityTransaction, res.TransactionID)); n != 1 {
		t.Fatalf("expected a single transaction event, got %d", n)
	}
}

func TestRenewalInvoiceRecordsOneTransaction(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	renewal := provider.Invoice{
		ID:             "in_renewal",
		SubscriptionID: *res.Subscription.ExternalSubscriptionID,
		BillingReason:  billingReasonCycle,
		AmountPaid:     999,
		Metadata:       map[string]string{metadataCurrency: "INR"},
	}
	for i := 0; i < 2; i++ {
		if _, err := fx.reconciler.ApplyInvoicePaid(context.Background(), renewal, "evt_renewal"); err != nil {
			t.Fatalf("renewal delivery %d: %v", i+1, err)
		}
	}

	tx, _ := memTransactionRepo{fx.db}.FindByExternalTransactionID(context.Background(), "in_renewal")
	if tx == nil || tx.Type != entity.TransactionTypeSubscriptionRenewal || tx.Status != entity.TransactionStatusSuccess {
		t.Fatalf("expected settled renewal transaction, got %+v", tx)
	}
	count := 0
	for _, item := range fx.db.transactions {
		if item.Type == entity.TransactionTypeSubscriptionRenewal {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one renewal transaction, got %d", count)
	}
}

func TestSubscriptionTransitionsAreMonotonic(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	external := provider.Subscription{ID: *res.Subscription.ExternalSubscriptionID, Status: "canceled"}
	outcome, err := fx.reconciler.ApplySubscriptionDeleted(context.Background(), external, "evt_deleted")
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("expected deletion to apply, got %s err=%v", outcome, err)
	}

	// A late invoice.paid must not revive the subscription.
	_, err = fx.reconciler.ApplyInvoicePaid(context.Background(), provider.Invoice{
		ID:             "in_late",
		SubscriptionID: external.ID,
		BillingReason:  billingReasonCycle,
		AmountPaid:     999,
	}, "evt_late")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub := fx.db.subscription(res.Subscription.ID); sub.Status != entity.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED to stick, got %s", entity.SubscriptionStatusName(sub.Status))
	}

	// A second deletion is a duplicate.
	outcome, err = fx.reconciler.ApplySubscriptionDeleted(context.Background(), external, "evt_deleted_again")
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s err=%v", outcome, err)
	}
}

func TestInvoiceFailedKeepsStatusByDefault(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	failed := provider.Invoice{ID: "in_fail_1", SubscriptionID: *res.Subscription.ExternalSubscriptionID, BillingReason: billingReasonCycle}
	outcome, err := fx.reconciler.ApplyInvoiceFailed(context.Background(), failed, "evt_fail_1")
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s err=%v", outcome, err)
	}
	sub := fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusActive || sub.FailedInvoiceCount != 1 {
		t.Fatalf("expected ACTIVE with one failure, got %s count=%d", entity.SubscriptionStatusName(sub.Status), sub.FailedInvoiceCount)
	}
}

func TestInvoiceFailedMovesActiveToPastDueWhenConfigured(t *testing.T) {
	fx := newSubscriptionFixtureWithPolicy(config.SubscriptionsConfig{PastDueOnFailedInvoice: true})
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	failed := provider.Invoice{ID: "in_fail_1", SubscriptionID: *res.Subscription.ExternalSubscriptionID, BillingReason: billingReasonCycle}
	if _, err := fx.reconciler.ApplyInvoiceFailed(context.Background(), failed, "evt_fail_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub := fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusPastDue || sub.FailedInvoiceCount != 1 {
		t.Fatalf("expected PAST_DUE with one failure, got %s count=%d", entity.SubscriptionStatusName(sub.Status), sub.FailedInvoiceCount)
	}

	failed.ID = "in_fail_2"
	if _, err := fx.reconciler.ApplyInvoiceFailed(context.Background(), failed, "evt_fail_2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub = fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusPastDue || sub.FailedInvoiceCount != 2 {
		t.Fatalf("expected PAST_DUE with two failures, got %s count=%d", entity.SubscriptionStatusName(sub.Status), sub.FailedInvoiceCount)
	}
}

func TestInvoiceFailedEscalatesToCancel(t *testing.T) {
	fx := newSubscriptionFixtureWithPolicy(config.SubscriptionsConfig{CancelAfterFailedInvoices: 2})
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	failed := provider.Invoice{SubscriptionID: *res.Subscription.ExternalSubscriptionID, BillingReason: billingReasonCycle}
	for i, id := range []string{"in_fail_1", "in_fail_2"} {
		failed.ID = id
		if _, err := fx.reconciler.ApplyInvoiceFailed(context.Background(), failed, "evt_"+id); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	sub := fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusCanceled || sub.CanceledAt == nil {
		t.Fatalf("expected CANCELED after threshold, got %s", entity.SubscriptionStatusName(sub.Status))
	}
	found := false
	for _, call := range fx.stripe.calls {
		if call == "CancelSubscription" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the gateway subscription to be canceled")
	}
}

func TestInvoicePaidLosingToDeletionStaysCanceled(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	externalID := *res.Subscription.ExternalSubscriptionID

	// The deletion commits between the paid handler's read and its write.
	fx.db.beforeSubscriptionWrite = func() {
		if _, err := fx.reconciler.ApplySubscriptionDeleted(context.Background(), provider.Subscription{ID: externalID, Status: "canceled"}, "evt_deleted"); err != nil {
			t.Errorf("delete: %v", err)
		}
	}

	outcome := fx.payInvoice(t, res, res.InvoiceID)
	if outcome == OutcomeApplied {
		t.Fatalf("expected the activation to lose, got %s", outcome)
	}
	sub := fx.db.subscription(res.Subscription.ID)
	if sub.Status != entity.SubscriptionStatusCanceled {
		t.Fatalf("expected CANCELED to stick, got %s", entity.SubscriptionStatusName(sub.Status))
	}
	if live, _ := (memSubscriptionRepo{fx.db}).FindLiveByUserID(context.Background(), "user-1"); live != nil {
		t.Fatalf("expected no live subscription, got %+v", live)
	}
}

func TestRenewalCurrencyFallsBackToWalletDefault(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	cases := []struct {
		invoiceID string
		currency  string
		expected  string
	}{
		{invoiceID: "in_plain", expected: "INR"},
		{invoiceID: "in_billed_eur", currency: "eur", expected: "EUR"},
	}
	for _, tc := range cases {
		_, err := fx.reconciler.ApplyInvoicePaid(context.Background(), provider.Invoice{
			ID:             tc.invoiceID,
			SubscriptionID: *res.Subscription.ExternalSubscriptionID,
			BillingReason:  billingReasonCycle,
			AmountPaid:     999,
			Currency:       tc.currency,
		}, "evt_"+tc.invoiceID)
		if err != nil {
			t.Fatalf("%s: %v", tc.invoiceID, err)
		}
		tx, _ := memTransactionRepo{fx.db}.FindByExternalTransactionID(context.Background(), tc.invoiceID)
		if tx == nil || tx.Currency != tc.expected {
			t.Fatalf("%s: expected currency %s, got %+v", tc.invoiceID, tc.expected, tx)
		}
	}
}

func TestInvoiceActionRequired(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")

	outcome, err := fx.reconciler.ApplyInvoiceActionRequired(context.Background(), provider.Invoice{
		ID:             res.InvoiceID,
		SubscriptionID: *res.Subscription.ExternalSubscriptionID,
	}, "evt_3ds")
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s err=%v", outcome, err)
	}
	if sub := fx.db.subscription(res.Subscription.ID); sub.Status != entity.SubscriptionStatusAwaitingAuthentication {
		t.Fatalf("expected AWAITING_AUTHENTICATION, got %s", entity.SubscriptionStatusName(sub.Status))
	}
}

func TestUpgradeStagesProratedTransaction(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)

	upgraded, err := fx.service.Upgrade(context.Background(), subscriptionReq{userID: "user-1", newPlanID: fx.premium.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upgraded.Subscription.PlanID != fx.premium.ID {
		t.Fatalf("expected plan %d, got %d", fx.premium.ID, upgraded.Subscription.PlanID)
	}
	if fx.stripe.lastItemUpdate.ProrationBehavior != prorationAlwaysInvoice {
		t.Fatalf("expected always_invoice proration, got %q", fx.stripe.lastItemUpdate.ProrationBehavior)
	}
	tx := fx.db.transaction(upgraded.TransactionID)
	if tx.Type != entity.TransactionTypeSubscriptionUpgrade || tx.Status != entity.TransactionStatusPending {
		t.Fatalf("unexpected upgrade transaction: %+v", tx)
	}
	if tx.OldPlanID == nil || *tx.OldPlanID != fx.basic.ID || tx.NewPlanID == nil || *tx.NewPlanID != fx.premium.ID {
		t.Fatalf("expected plan change on transaction: %+v", tx)
	}
}

func TestUpgradeRecordsProratedAmount(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)
	prorated := int64(1350)
	fx.stripe.prorationAmount = &prorated

	upgraded, err := fx.service.Upgrade(context.Background(), subscriptionReq{userID: "user-1", newPlanID: fx.premium.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx := fx.db.transaction(upgraded.TransactionID)
	if tx.Amount != prorated {
		t.Fatalf("expected prorated amount %d, got %d", prorated, tx.Amount)
	}

	// The paid invoice is authoritative when it differs from the preview.
	outcome, err := fx.reconciler.ApplyInvoicePaid(context.Background(), provider.Invoice{
		ID:             *tx.ExternalTransactionID,
		SubscriptionID: *res.Subscription.ExternalSubscriptionID,
		BillingReason:  "subscription_update",
		AmountPaid:     1360,
	}, "evt_upgrade_paid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied && outcome != OutcomeDuplicate {
		t.Fatalf("unexpected outcome %s", outcome)
	}
	tx = fx.db.transaction(upgraded.TransactionID)
	if tx.Status != entity.TransactionStatusSuccess || tx.Amount != 1360 {
		t.Fatalf("expected settled upgrade for 1360, got status=%d amount=%d", tx.Status, tx.Amount)
	}
}

func TestDowngradeSkipsProration(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)
	if _, err := fx.service.Upgrade(context.Background(), subscriptionReq{userID: "user-1", newPlanID: fx.premium.ID}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	downgraded, err := fx.service.Downgrade(context.Background(), subscriptionReq{userID: "user-1", newPlanID: fx.basic.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if downgraded.Subscription.PlanID != fx.basic.ID {
		t.Fatalf("expected plan %d, got %d", fx.basic.ID, downgraded.Subscription.PlanID)
	}
	if fx.stripe.lastItemUpdate.ProrationBehavior != prorationNone || !fx.stripe.lastItemUpdate.EndTrialNow {
		t.Fatalf("unexpected downgrade update: %+v", fx.stripe.lastItemUpdate)
	}
}

func TestDowngradeCanceledSubscriptionLeavesStateUnchanged(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)
	if _, err := fx.reconciler.ApplySubscriptionDeleted(context.Background(), provider.Subscription{ID: *res.Subscription.ExternalSubscriptionID}, "evt_del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	before := fx.db.subscription(res.Subscription.ID)
	calls := fx.stripe.callCount()

	_, err := fx.service.Downgrade(context.Background(), subscriptionReq{userID: "user-1", newPlanID: fx.premium.ID})
	if err == nil {
		t.Fatalf("expected an error")
	}

	after := fx.db.subscription(res.Subscription.ID)
	if after.Status != before.Status || after.PlanID != before.PlanID {
		t.Fatalf("expected state unchanged, before=%+v after=%+v", before, after)
	}
	if fx.stripe.callCount() != calls {
		t.Fatalf("expected no gateway calls")
	}
}

func TestDowngradeEndedGatewaySubscriptionFails(t *testing.T) {
	fx := newSubscriptionFixture()
	res := fx.create(t, "user-1")
	fx.payInvoice(t, res, res.InvoiceID)
	fx.stripe.subscriptions[*res.Subscription.ExternalSubscriptionID].Status = "canceled"

	_, err := fx.service.Downgrade(context.Background(), subscriptionReq{userID: "user-1", newPlanID: fx.premium.ID})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	for _, call := range fx.stripe.calls {
		if call == "UpdateSubscriptionItem" {
			t.Fatalf("expected no item update")
		}
	}
	if sub := fx.db.subscription(res.Subscription.ID); sub.PlanID != fx.basic.ID {
		t.Fatalf("expected plan unchanged, got %d", sub.PlanID)
	}
}

func TestGetSubscription(t *testing.T) {
	fx := newSubscriptionFixture()

	if _, err := fx.service.Get(context.Background(), "user-2"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	res := fx.create(t, "user-2")
	sub, err := fx.service.Get(context.Background(), "user-2")
	if err != nil || sub.ID != res.Subscription.ID {
		t.Fatalf("expected subscription %d, got %+v err=%v", res.Subscription.ID, sub, err)
	}
}
