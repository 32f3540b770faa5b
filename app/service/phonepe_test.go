package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

type fakePhonePe struct {
	mu sync.Mutex

	payouts     []provider.PayoutRequest
	payoutErrAt map[int]error
	payoutState string
	onPayout    func(req provider.PayoutRequest)

	payInErr error
	statuses map[string]provider.PhonePeStatus

	mandateID string
	revoked   []string
}

func newFakePhonePe() *fakePhonePe {
	return &fakePhonePe{
		payoutErrAt: map[int]error{},
		payoutState: "PENDING",
		statuses:    map[string]provider.PhonePeStatus{},
		mandateID:   "MID-1",
	}
}

func (f *fakePhonePe) InitiatePayment(_ context.Context, req provider.PayInRequest) (*provider.PhonePeResult, error) {
	if f.payInErr != nil {
		return nil, f.payInErr
	}
	return &provider.PhonePeResult{
		Status: provider.PhonePeStatus{Success: true, Code: "PAYMENT_INITIATED", MerchantTransactionID: req.MerchantTransactionID, RedirectURL: "https://pay.example/" + req.MerchantTransactionID},
		Raw:    `{"code":"PAYMENT_INITIATED"}`,
	}, nil
}

func (f *fakePhonePe) Payout(_ context.Context, req provider.PayoutRequest) (*provider.PhonePeResult, error) {
	if f.onPayout != nil {
		f.onPayout(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	index := len(f.payouts)
	f.payouts = append(f.payouts, req)
	if err, ok := f.payoutErrAt[index]; ok {
		return nil, err
	}
	return &provider.PhonePeResult{
		Status: provider.PhonePeStatus{Success: true, Code: "PAYOUT_PENDING", MerchantTransactionID: req.MerchantTransactionID, TransactionID: "T-" + req.MerchantTransactionID, Amount: req.Amount, State: f.payoutState},
		Raw:    `{"code":"PAYOUT_PENDING"}`,
	}, nil
}

func (f *fakePhonePe) status(mtid string) (*provider.PhonePeResult, error) {
	status, ok := f.statuses[mtid]
	if !ok {
		return &provider.PhonePeResult{Status: provider.PhonePeStatus{MerchantTransactionID: mtid, State: "PENDING"}}, nil
	}
	return &provider.PhonePeResult{Status: status, Raw: `{}`}, nil
}

func (f *fakePhonePe) CheckStatus(_ context.Context, mtid string) (*provider.PhonePeResult, error) {
	return f.status(mtid)
}

func (f *fakePhonePe) CheckPayoutStatus(_ context.Context, mtid string) (*provider.PhonePeResult, error) {
	return f.status(mtid)
}

func (f *fakePhonePe) CreateMandate(_ context.Context, req provider.MandateRequest) (*provider.PhonePeResult, error) {
	return &provider.PhonePeResult{
		Status: provider.PhonePeStatus{Success: true, Code: "MANDATE_PENDING", MerchantTransactionID: req.MerchantTransactionID, MandateID: f.mandateID, RedirectURL: "https://pay.example/mandate"},
		Raw:    `{"code":"MANDATE_PENDING"}`,
	}, nil
}

func (f *fakePhonePe) RevokeMandate(_ context.Context, mandateID, mtid string) (*provider.PhonePeResult, error) {
	f.revoked = append(f.revoked, mandateID)
	return &provider.PhonePeResult{Status: provider.PhonePeStatus{Success: true, Code: "SUCCESS", MerchantTransactionID: mtid}, Raw: `{}`}, nil
}

func (f *fakePhonePe) CheckMandateStatus(_ context.Context, mtid string) (*provider.PhonePeResult, error) {
	return f.status(mtid)
}

type phonePeFixture struct {
	db         *memDB
	gateway    *fakePhonePe
	reconciler *Reconciler
	service    *PhonePeService
	sleeps     []time.Duration
}

func newPhonePeFixture(cfg config.PayoutsConfig) *phonePeFixture {
	db := newMemDB()
	gateway := newFakePhonePe()
	fx := &phonePeFixture{db: db, gateway: gateway}
	fx.reconciler = newTestReconciler(db, &recordingNotifier{}, nil, config.SubscriptionsConfig{})
	fx.service = NewPhonePeService(
		memPaymentRepo{db},
		memMandateRepo{db},
		memTransactionRepo{db},
		memWalletRepo{db},
		memLedger{db},
		gateway,
		fx.reconciler,
		memEventRepo{db},
		cfg,
	)
	fx.service.sleep = func(_ context.Context, d time.Duration) error {
		fx.sleeps = append(fx.sleeps, d)
		return nil
	}
	return fx
}

func upiPayout(userID string, amount int64) PayoutItem {
	return PayoutItem{UserID: userID, Amount: amount, PayeeType: "upi", VPA: userID + "@upi", Name: "Driver " + userID}
}

func TestBulkPayoutContinuesAfterFailedItem(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{BulkDelay: 500 * time.Millisecond, BulkMaxItems: 50})
	fx.gateway.payoutErrAt[2] = &provider.GatewayError{Gateway: "phonepe", Op: "payout", Kind: provider.GatewayErrorTimeout, Message: "timeout"}

	items := []PayoutItem{
		upiPayout("d1", 100),
		upiPayout("d2", 200),
		upiPayout("d3", 300),
		upiPayout("d4", 400),
		upiPayout("d5", 500),
	}
	result, err := fx.service.BulkPayout(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Total != 5 || result.Successful != 4 || result.Failed != 1 {
		t.Fatalf("expected 5/4/1, got %d/%d/%d", result.Total, result.Successful, result.Failed)
	}
	if len(fx.gateway.payouts) != 5 {
		t.Fatalf("expected all five payouts attempted, got %d", len(fx.gateway.payouts))
	}
	if fx.gateway.payouts[3].Amount != 400 || fx.gateway.payouts[4].Amount != 500 {
		t.Fatalf("expected items 4 and 5 to be attempted after the failure")
	}
	failed := result.Results[2]
	if failed.Error == "" || failed.Status != entity.PaymentStatusFailed || failed.UserID != "d3" {
		t.Fatalf("unexpected failed item result: %+v", failed)
	}
	if len(fx.sleeps) != 4 {
		t.Fatalf("expected a delay between each item, got %d", len(fx.sleeps))
	}
	for _, r := range result.Results {
		if !strings.HasPrefix(r.MerchantTransactionID, payoutUPIPrefix) {
			t.Fatalf("unexpected merchant transaction id %q", r.MerchantTransactionID)
		}
	}
}

func TestBulkPayoutValidation(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{BulkMaxItems: 2})

	if _, err := fx.service.BulkPayout(context.Background(), nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty batch, got %v", err)
	}
	_, err := fx.service.BulkPayout(context.Background(), []PayoutItem{upiPayout("a", 1), upiPayout("b", 1), upiPayout("c", 1)})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for oversized batch, got %v", err)
	}
	if len(fx.gateway.payouts) != 0 {
		t.Fatalf("expected no payouts")
	}
}

func TestPayoutValidatesPayee(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})

	_, err := fx.service.Payout(context.Background(), PayoutItem{UserID: "d1", Amount: 100, PayeeType: "BANK_ACCOUNT", Name: "Driver"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	payment, err := fx.service.Payout(context.Background(), PayoutItem{UserID: "d1", Amount: 100, PayeeType: "bank_account", AccountNumber: "123", IFSC: "hdfc0001", Name: "Driver"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Kind != entity.PaymentKindPayoutBank || !strings.HasPrefix(payment.MerchantTransactionID, payoutBankPrefix) {
		t.Fatalf("unexpected bank payout: %+v", payment)
	}
	if payment.RecipientIFSC == nil || *payment.RecipientIFSC != "HDFC0001" {
		t.Fatalf("expected normalized IFSC, got %v", payment.RecipientIFSC)
	}
}

func TestPayoutSettledImmediately(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})
	fx.gateway.payoutState = "COMPLETED"

	payment, err := fx.service.Payout(context.Background(), upiPayout("d1", 700))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Status != entity.PaymentStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", entity.PaymentStatusName(payment.Status))
	}
}

func TestPayoutCallbackDuringGatewayCallWins(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})
	var callback Outcome
	fx.gateway.onPayout = func(req provider.PayoutRequest) {
		var err error
		callback, err = fx.reconciler.ApplyPhonePePayment(context.Background(), provider.PhonePeStatus{
			Success:               true,
			Code:                  "PAYOUT_SUCCESS",
			MerchantTransactionID: req.MerchantTransactionID,
			TransactionID:         "T-callback",
		}, `{"code":"PAYOUT_SUCCESS"}`, "cb-"+req.MerchantTransactionID)
		if err != nil {
			t.Errorf("callback: %v", err)
		}
	}

	payment, err := fx.service.Payout(context.Background(), upiPayout("d1", 700))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if callback != OutcomeApplied {
		t.Fatalf("expected the callback to apply, got %s", callback)
	}
	if payment.Status != entity.PaymentStatusSuccess {
		t.Fatalf("expected SUCCESS returned, got %s", entity.PaymentStatusName(payment.Status))
	}
	stored := (memPaymentRepo{fx.db}).get(payment.ID)
	if stored.Status != entity.PaymentStatusSuccess {
		t.Fatalf("expected SUCCESS stored, got %s", entity.PaymentStatusName(stored.Status))
	}
	if stored.ExternalTransactionID == nil || *stored.ExternalTransactionID != "T-callback" {
		t.Fatalf("expected the callback reference to be kept, got %v", stored.ExternalTransactionID)
	}
	if stored.GatewayResponse == nil {
		t.Fatalf("expected the gateway response to be recorded")
	}
}

func TestInitiatePaymentAndPollCreditsWallet(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})
	fx.db.seedWallet("user-1", 0)

	payment, err := fx.service.InitiatePayment(context.Background(), walletReq{userID: "user-1", amount: 1500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Status != entity.PaymentStatusPending || payment.RedirectURL == nil {
		t.Fatalf("unexpected payment: %+v", payment)
	}
	if !strings.HasPrefix(payment.MerchantTransactionID, payInPrefix) {
		t.Fatalf("unexpected merchant transaction id %q", payment.MerchantTransactionID)
	}

	fx.gateway.statuses[payment.MerchantTransactionID] = provider.PhonePeStatus{
		Success:               true,
		Code:                  "PAYMENT_SUCCESS",
		MerchantTransactionID: payment.MerchantTransactionID,
		TransactionID:         "T900",
		Amount:                1500,
		State:                 "COMPLETED",
	}
	polled, err := fx.service.PaymentStatus(context.Background(), payment.MerchantTransactionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if polled.Status != entity.PaymentStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", entity.PaymentStatusName(polled.Status))
	}
	if got := fx.db.wallet("user-1").Balance; got != 1500 {
		t.Fatalf("expected balance 1500, got %d", got)
	}

	// Polling a settled payment does not credit again.
	if _, err := fx.service.PaymentStatus(context.Background(), payment.MerchantTransactionID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fx.db.wallet("user-1").Balance; got != 1500 {
		t.Fatalf("expected balance to stay 1500, got %d", got)
	}
}

func TestInitiatePaymentGatewayFailure(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})
	fx.db.seedWallet("user-1", 0)
	fx.gateway.payInErr = &provider.GatewayError{Gateway: "phonepe", Op: "pay", Kind: provider.GatewayErrorRejected, StatusCode: 400, Message: "bad request"}

	_, err := fx.service.InitiatePayment(context.Background(), walletReq{userID: "user-1", amount: 1500})
	if !errors.Is(err, ErrGatewayFailure) {
		t.Fatalf("expected ErrGatewayFailure, got %v", err)
	}
	txs, _ := memTransactionRepo{fx.db}.ListByUserID(context.Background(), "user-1", 10, 0)
	if len(txs) != 1 || txs[0].Status != entity.TransactionStatusFailed {
		t.Fatalf("expected the pay-in transaction to be FAILED, got %+v", txs)
	}
}

type mandateReq struct {
	userID    string
	amount    int64
	frequency string
	start     time.Time
	end       time.Time
	upi       string
	name      string
}

func (r mandateReq) GetUserID() string        { return r.userID }
func (r mandateReq) GetAmount() int64         { return r.amount }
func (r mandateReq) GetFrequency() string     { return r.frequency }
func (r mandateReq) GetStartDate() time.Time  { return r.start }
func (r mandateReq) GetEndDate() time.Time    { return r.end }
func (r mandateReq) GetRecipientUPI() string  { return r.upi }
func (r mandateReq) GetRecipientName() string { return r.name }
func (r mandateReq) GetPurpose() string       { return "rent" }
func (r mandateReq) GetNotes() string         { return "" }

func TestMandateLifecycle(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})
	start := time.Now().Add(24 * time.Hour)

	mandate, err := fx.service.CreateMandate(context.Background(), mandateReq{
		userID:    "user-1",
		amount:    50000,
		frequency: "monthly",
		start:     start,
		end:       start.AddDate(1, 0, 0),
		upi:       "owner@upi",
		name:      "Owner",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mandate.Status != entity.MandateStatusPending || mandate.Frequency != entity.MandateFrequencyMonthly {
		t.Fatalf("unexpected mandate: %+v", mandate)
	}

	fx.gateway.statuses[mandate.MerchantTransactionID] = provider.PhonePeStatus{Code: "MANDATE_SUCCESS", MerchantTransactionID: mandate.MerchantTransactionID, MandateID: "MID-1", State: "ACTIVE"}
	authorized, err := fx.service.MandateStatus(context.Background(), mandate.MerchantTransactionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authorized.Status != entity.MandateStatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", entity.MandateStatusName(authorized.Status))
	}

	revoked, err := fx.service.RevokeMandate(context.Background(), "MID-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revoked.Status != entity.MandateStatusRevoked || revoked.RevokedAt == nil {
		t.Fatalf("expected REVOKED, got %+v", revoked)
	}

	again, err := fx.service.RevokeMandate(context.Background(), "MID-1")
	if err != nil || again.Status != entity.MandateStatusRevoked {
		t.Fatalf("expected revoke to be idempotent, got %+v err=%v", again, err)
	}
	if len(fx.gateway.revoked) != 1 {
		t.Fatalf("expected a single gateway revoke, got %d", len(fx.gateway.revoked))
	}
}

func TestCreateMandateValidation(t *testing.T) {
	fx := newPhonePeFixture(config.PayoutsConfig{})
	start := time.Now()

	_, err := fx.service.CreateMandate(context.Background(), mandateReq{userID: "u", amount: 100, frequency: "hourly", start: start, end: start.Add(time.Hour), upi: "x@upi"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for frequency, got %v", err)
	}
	_, err = fx.service.CreateMandate(context.Background(), mandateReq{userID: "u", amount: 100, frequency: "DAILY", start: start, end: start, upi: "x@upi"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for dates, got %v", err)
	}
}
