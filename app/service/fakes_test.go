package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/entity"
	"github.com/vibast-solutions/ms-go-wallets/app/provider"
	"github.com/vibast-solutions/ms-go-wallets/app/repository"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

// memDB is a tiny in-memory stand-in for the MySQL schema. Every repo wrapper
// below reads and writes through it so ledger writes and plain updates see
// the same rows.
type memDB struct {
	mu     sync.Mutex
	nextID uint64

	wallets       map[uint64]*entity.Wallet
	transactions  map[uint64]*entity.Transaction
	subscriptions map[uint64]*entity.Subscription
	plans         map[uint64]*entity.Plan
	customers     map[string]*entity.Customer
	payments      map[uint64]*entity.Payment
	mandates      map[uint64]*entity.Mandate
	callbacks     map[string]*entity.GatewayCallback
	events        []*entity.LedgerEvent

	// beforeSubscriptionWrite runs once, outside the lock, ahead of the next
	// guarded subscription status write.
	beforeSubscriptionWrite func()
}

func newMemDB() *memDB {
	return &memDB{
		nextID:        1,
		wallets:       map[uint64]*entity.Wallet{},
		transactions:  map[uint64]*entity.Transaction{},
		subscriptions: map[uint64]*entity.Subscription{},
		plans:         map[uint64]*entity.Plan{},
		customers:     map[string]*entity.Customer{},
		payments:      map[uint64]*entity.Payment{},
		mandates:      map[uint64]*entity.Mandate{},
		callbacks:     map[string]*entity.GatewayCallback{},
	}
}

func (db *memDB) id() uint64 {
	id := db.nextID
	db.nextID++
	return id
}

func (db *memDB) wallet(userID string) *entity.Wallet {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, w := range db.wallets {
		if w.UserID == userID {
			copyItem := *w
			return &copyItem
		}
	}
	return nil
}

func (db *memDB) transaction(id uint64) *entity.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	item, ok := db.transactions[id]
	if !ok {
		return nil
	}
	copyItem := *item
	return &copyItem
}

func (db *memDB) subscription(id uint64) *entity.Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	item, ok := db.subscriptions[id]
	if !ok {
		return nil
	}
	copyItem := *item
	return &copyItem
}

func (db *memDB) eventsFor(entityType string, id uint64) []*entity.LedgerEvent {
	db.mu.Lock()
	defer db.mu.Unlock()
	items := make([]*entity.LedgerEvent, 0)
	for _, e := range db.events {
		if e.EntityType == entityType && e.EntityID == id {
			items = append(items, e)
		}
	}
	return items
}

func (db *memDB) seedWallet(userID string, balance int64) *entity.Wallet {
	db.mu.Lock()
	defer db.mu.Unlock()
	w := &entity.Wallet{ID: db.id(), UserID: userID, Currency: "INR", Balance: balance, TransactionIDs: []uint64{}}
	db.wallets[w.ID] = w
	copyItem := *w
	return &copyItem
}

func (db *memDB) seedPlan(plan entity.Plan) *entity.Plan {
	db.mu.Lock()
	defer db.mu.Unlock()
	plan.ID = db.id()
	db.plans[plan.ID] = &plan
	copyItem := plan
	return &copyItem
}

func (db *memDB) seedSubscription(sub entity.Subscription) *entity.Subscription {
	db.mu.Lock()
	defer db.mu.Unlock()
	sub.ID = db.id()
	db.subscriptions[sub.ID] = &sub
	copyItem := sub
	return &copyItem
}

func (db *memDB) seedTransaction(tx entity.Transaction) *entity.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx.ID = db.id()
	db.transactions[tx.ID] = &tx
	copyItem := tx
	return &copyItem
}

func (db *memDB) seedPayment(payment entity.Payment) *entity.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()
	payment.ID = db.id()
	db.payments[payment.ID] = &payment
	copyItem := payment
	return &copyItem
}

func (db *memDB) seedMandate(mandate entity.Mandate) *entity.Mandate {
	db.mu.Lock()
	defer db.mu.Unlock()
	mandate.ID = db.id()
	db.mandates[mandate.ID] = &mandate
	copyItem := mandate
	return &copyItem
}

// moveBalance mirrors the wallet half of the ledger repository writes.
func (db *memDB) moveBalance(walletID, txID uint64, delta int64, guard bool) error {
	w, ok := db.wallets[walletID]
	if !ok {
		return repository.ErrNotFound
	}
	if guard && w.Balance+delta < 0 {
		return repository.ErrInsufficientFunds
	}
	w.Balance += delta
	id := txID
	amount := delta
	w.LastTransactionID = &id
	w.LastTransactionAmount = &amount
	for _, existing := range w.TransactionIDs {
		if existing == txID {
			return nil
		}
	}
	w.TransactionIDs = append(w.TransactionIDs, txID)
	return nil
}

type memWalletRepo struct{ db *memDB }

func (r memWalletRepo) Create(_ context.Context, wallet *entity.Wallet) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, w := range r.db.wallets {
		if w.UserID == wallet.UserID {
			return repository.ErrAlreadyExists
		}
	}
	wallet.ID = r.db.id()
	copyItem := *wallet
	r.db.wallets[wallet.ID] = &copyItem
	return nil
}

func (r memWalletRepo) FindByUserID(_ context.Context, userID string) (*entity.Wallet, error) {
	return r.db.wallet(userID), nil
}

type memTransactionRepo struct{ db *memDB }

func (r memTransactionRepo) Create(_ context.Context, tx *entity.Transaction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if tx.ExternalTransactionID != nil {
		for _, item := range r.db.transactions {
			if item.ExternalTransactionID != nil && *item.ExternalTransactionID == *tx.ExternalTransactionID {
				return repository.ErrAlreadyExists
			}
		}
	}
	tx.ID = r.db.id()
	copyItem := *tx
	r.db.transactions[tx.ID] = &copyItem
	return nil
}

func (r memTransactionRepo) Update(_ context.Context, tx *entity.Transaction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.transactions[tx.ID]
	if !ok {
		return repository.ErrNotFound
	}
	current.ExternalTransactionID = tx.ExternalTransactionID
	current.ExternalSessionID = tx.ExternalSessionID
	current.ExternalSubscriptionID = tx.ExternalSubscriptionID
	current.SubscriptionID = tx.SubscriptionID
	current.OldPlanID = tx.OldPlanID
	current.NewPlanID = tx.NewPlanID
	current.RefundStatus = tx.RefundStatus
	current.RefundReason = tx.RefundReason
	current.FailureReason = tx.FailureReason
	current.UpdatedAt = tx.UpdatedAt
	return nil
}

func (r memTransactionRepo) UpdatePendingAmount(_ context.Context, id uint64, amount int64, now time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.transactions[id]
	if !ok || current.Status != entity.TransactionStatusPending || current.WalletID != nil {
		return false, nil
	}
	current.Amount = amount
	current.UpdatedAt = now
	return true, nil
}

func (r memTransactionRepo) FindByID(_ context.Context, id uint64) (*entity.Transaction, error) {
	return r.db.transaction(id), nil
}

func (r memTransactionRepo) find(match func(*entity.Transaction) bool) *entity.Transaction {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var found *entity.Transaction
	for _, item := range r.db.transactions {
		if match(item) && (found == nil || item.ID > found.ID) {
			found = item
		}
	}
	if found == nil {
		return nil
	}
	copyItem := *found
	return &copyItem
}

func (r memTransactionRepo) FindByExternalTransactionID(_ context.Context, externalID string) (*entity.Transaction, error) {
	return r.find(func(t *entity.Transaction) bool {
		return t.ExternalTransactionID != nil && *t.ExternalTransactionID == externalID
	}), nil
}

func (r memTransactionRepo) FindByExternalSessionID(_ context.Context, sessionID string) (*entity.Transaction, error) {
	return r.find(func(t *entity.Transaction) bool {
		return t.ExternalSessionID != nil && *t.ExternalSessionID == sessionID
	}), nil
}

func (r memTransactionRepo) FindPendingBySubscriptionID(_ context.Context, subscriptionID uint64) (*entity.Transaction, error) {
	return r.find(func(t *entity.Transaction) bool {
		return t.SubscriptionID != nil && *t.SubscriptionID == subscriptionID && t.Status == entity.TransactionStatusPending
	}), nil
}

func (r memTransactionRepo) list(match func(*entity.Transaction) bool, limit int32) []*entity.Transaction {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	items := make([]*entity.Transaction, 0)
	for _, item := range r.db.transactions {
		if match(item) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > int(limit) {
		items = items[:limit]
	}
	return items
}

func (r memTransactionRepo) ListByUserID(_ context.Context, userID string, limit, offset int32) ([]*entity.Transaction, error) {
	items := r.list(func(t *entity.Transaction) bool { return t.UserID == userID }, 0)
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	if int(offset) >= len(items) {
		return []*entity.Transaction{}, nil
	}
	items = items[offset:]
	if len(items) > int(limit) {
		items = items[:limit]
	}
	return items, nil
}

func (r memTransactionRepo) ListStalePending(_ context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	return r.list(func(t *entity.Transaction) bool {
		return t.Status == entity.TransactionStatusPending &&
			t.Method == entity.TransactionMethodCard &&
			t.WalletID != nil &&
			(t.ExternalTransactionID != nil || t.ExternalSessionID != nil) &&
			!t.UpdatedAt.After(before)
	}, limit), nil
}

func (r memTransactionRepo) ListOrphanedPending(_ context.Context, cutoff time.Time, limit int32) ([]*entity.Transaction, error) {
	return r.list(func(t *entity.Transaction) bool {
		return t.Status == entity.TransactionStatusPending &&
			t.ExternalTransactionID == nil &&
			t.ExternalSessionID == nil &&
			t.ExternalSubscriptionID == nil &&
			!t.CreatedAt.After(cutoff)
	}, limit), nil
}

type memLedger struct{ db *memDB }

func (l memLedger) CompleteTransaction(_ context.Context, id uint64, externalID *string, now time.Time) (*entity.Transaction, bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	current, ok := l.db.transactions[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if current.Status != entity.TransactionStatusPending {
		copyItem := *current
		return &copyItem, false, nil
	}
	if externalID != nil {
		for _, item := range l.db.transactions {
			if item.ID != id && item.ExternalTransactionID != nil && *item.ExternalTransactionID == *externalID {
				return nil, false, repository.ErrAlreadyExists
			}
		}
		current.ExternalTransactionID = externalID
	}
	if current.WalletID != nil {
		if err := l.db.moveBalance(*current.WalletID, current.ID, current.Amount, false); err != nil {
			return nil, false, err
		}
	}
	current.Status = entity.TransactionStatusSuccess
	current.FailureReason = nil
	current.UpdatedAt = now
	copyItem := *current
	return &copyItem, true, nil
}

func (l memLedger) FailTransaction(_ context.Context, id uint64, reason string, now time.Time) (*entity.Transaction, bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	current, ok := l.db.transactions[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if current.Status != entity.TransactionStatusPending {
		copyItem := *current
		return &copyItem, false, nil
	}
	current.Status = entity.TransactionStatusFailed
	current.FailureReason = &reason
	current.UpdatedAt = now
	copyItem := *current
	return &copyItem, true, nil
}

func (l memLedger) DebitWallet(_ context.Context, debit *entity.Transaction) error {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	if debit.WalletID == nil {
		return errors.New("debit transaction requires a wallet")
	}
	w, ok := l.db.wallets[*debit.WalletID]
	if !ok {
		return repository.ErrNotFound
	}
	if w.Balance+debit.Amount < 0 {
		return repository.ErrInsufficientFunds
	}
	debit.ID = l.db.id()
	copyItem := *debit
	l.db.transactions[debit.ID] = &copyItem
	return l.db.moveBalance(w.ID, debit.ID, debit.Amount, true)
}

func (l memLedger) ApplyRefund(_ context.Context, refund repository.RefundApplication) (*entity.Transaction, bool, error) {
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	current, ok := l.db.transactions[refund.TransactionID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if current.ExternalRefundID != nil && *current.ExternalRefundID == refund.ExternalRefundID {
		copyItem := *current
		return &copyItem, false, nil
	}
	if refund.Amount <= 0 || refund.Amount > current.RefundableAmount() {
		return nil, false, repository.ErrInsufficientFunds
	}
	newStatus := entity.TransactionStatusPartiallyRefunded
	if current.RefundAmount+refund.Amount == current.Amount {
		newStatus = entity.TransactionStatusRefunded
	}
	if current.WalletID != nil {
		if err := l.db.moveBalance(*current.WalletID, current.ID, -refund.Amount, true); err != nil {
			return nil, false, err
		}
	}
	refundID := refund.ExternalRefundID
	reason := refund.Reason
	at := refund.At
	current.Status = newStatus
	current.RefundAmount += refund.Amount
	current.RefundPercentage = refund.Percentage
	current.RefundStatus = entity.RefundStatusProcessed
	current.ExternalRefundID = &refundID
	current.RefundReason = &reason
	current.RefundedAt = &at
	copyItem := *current
	return &copyItem, true, nil
}

type memSubscriptionRepo struct{ db *memDB }

func (r memSubscriptionRepo) Create(_ context.Context, sub *entity.Subscription) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, item := range r.db.subscriptions {
		if item.UserID == sub.UserID && item.IsLive() {
			return repository.ErrAlreadyExists
		}
	}
	sub.ID = r.db.id()
	copyItem := *sub
	r.db.subscriptions[sub.ID] = &copyItem
	return nil
}

func (r memSubscriptionRepo) UpdateStatus(_ context.Context, sub *entity.Subscription, from int32) (bool, error) {
	r.db.mu.Lock()
	hook := r.db.beforeSubscriptionWrite
	r.db.beforeSubscriptionWrite = nil
	r.db.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.subscriptions[sub.ID]
	if !ok || current.Status != from {
		return false, nil
	}
	copyItem := *sub
	r.db.subscriptions[sub.ID] = &copyItem
	return true, nil
}

func (r memSubscriptionRepo) UpdateBilling(_ context.Context, sub *entity.Subscription) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.subscriptions[sub.ID]
	if !ok {
		return repository.ErrNotFound
	}
	current.PlanID = sub.PlanID
	if sub.ExternalSubscriptionID != nil {
		current.ExternalSubscriptionID = sub.ExternalSubscriptionID
	}
	if sub.ExternalCustomerID != nil {
		current.ExternalCustomerID = sub.ExternalCustomerID
	}
	if sub.CurrentPeriodStart != nil {
		current.CurrentPeriodStart = sub.CurrentPeriodStart
	}
	if sub.CurrentPeriodEnd != nil {
		current.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	current.UpdatedAt = sub.UpdatedAt
	return nil
}

func (r memSubscriptionRepo) FindByID(_ context.Context, id uint64) (*entity.Subscription, error) {
	return r.db.subscription(id), nil
}

func (r memSubscriptionRepo) find(match func(*entity.Subscription) bool) *entity.Subscription {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var found *entity.Subscription
	for _, item := range r.db.subscriptions {
		if match(item) && (found == nil || item.ID > found.ID) {
			found = item
		}
	}
	if found == nil {
		return nil
	}
	copyItem := *found
	return &copyItem
}

func (r memSubscriptionRepo) FindByExternalID(_ context.Context, externalID string) (*entity.Subscription, error) {
	return r.find(func(s *entity.Subscription) bool {
		return s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID == externalID
	}), nil
}

func (r memSubscriptionRepo) FindLiveByUserID(_ context.Context, userID string) (*entity.Subscription, error) {
	return r.find(func(s *entity.Subscription) bool { return s.UserID == userID && s.IsLive() }), nil
}

func (r memSubscriptionRepo) FindLatestByUserID(_ context.Context, userID string) (*entity.Subscription, error) {
	return r.find(func(s *entity.Subscription) bool { return s.UserID == userID }), nil
}

func (r memSubscriptionRepo) ListOrphanedIncomplete(_ context.Context, cutoff time.Time, limit int32) ([]*entity.Subscription, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	items := make([]*entity.Subscription, 0)
	for _, item := range r.db.subscriptions {
		if item.Status == entity.SubscriptionStatusIncomplete && item.ExternalSubscriptionID == nil && !item.CreatedAt.After(cutoff) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if len(items) > int(limit) {
		items = items[:limit]
	}
	return items, nil
}

type memPlanRepo struct{ db *memDB }

func (r memPlanRepo) Create(_ context.Context, plan *entity.Plan) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	plan.ID = r.db.id()
	copyItem := *plan
	r.db.plans[plan.ID] = &copyItem
	return nil
}

func (r memPlanRepo) Update(_ context.Context, plan *entity.Plan) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.plans[plan.ID]; !ok {
		return repository.ErrNotFound
	}
	copyItem := *plan
	r.db.plans[plan.ID] = &copyItem
	return nil
}

func (r memPlanRepo) FindByID(_ context.Context, id uint64) (*entity.Plan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.plans[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r memPlanRepo) ListActive(_ context.Context, limit, offset int32) ([]*entity.Plan, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	items := make([]*entity.Plan, 0)
	for _, item := range r.db.plans {
		if item.Active {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if int(offset) >= len(items) {
		return []*entity.Plan{}, nil
	}
	items = items[offset:]
	if len(items) > int(limit) {
		items = items[:limit]
	}
	return items, nil
}

type memCustomerRepo struct{ db *memDB }

func (r memCustomerRepo) Create(_ context.Context, customer *entity.Customer) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.customers[customer.UserID]; ok {
		return repository.ErrAlreadyExists
	}
	customer.ID = r.db.id()
	copyItem := *customer
	r.db.customers[customer.UserID] = &copyItem
	return nil
}

func (r memCustomerRepo) FindByUserID(_ context.Context, userID string) (*entity.Customer, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.customers[userID]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

type memPaymentRepo struct{ db *memDB }

func (r memPaymentRepo) Create(_ context.Context, payment *entity.Payment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	payment.ID = r.db.id()
	copyItem := *payment
	r.db.payments[payment.ID] = &copyItem
	return nil
}

func (r memPaymentRepo) UpdateStatus(_ context.Context, payment *entity.Payment, from int32) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.payments[payment.ID]
	if !ok || current.Status != from {
		return false, nil
	}
	copyItem := *payment
	keepString(&copyItem.ExternalTransactionID, current.ExternalTransactionID)
	keepString(&copyItem.RedirectURL, current.RedirectURL)
	keepString(&copyItem.GatewayResponse, current.GatewayResponse)
	keepString(&copyItem.CallbackPayload, current.CallbackPayload)
	keepString(&copyItem.ResponseCode, current.ResponseCode)
	r.db.payments[payment.ID] = &copyItem
	return true, nil
}

func (r memPaymentRepo) UpdateReferences(_ context.Context, payment *entity.Payment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.payments[payment.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.ExternalTransactionID == nil {
		current.ExternalTransactionID = payment.ExternalTransactionID
	}
	if payment.RedirectURL != nil {
		current.RedirectURL = payment.RedirectURL
	}
	if payment.GatewayResponse != nil {
		current.GatewayResponse = payment.GatewayResponse
	}
	current.UpdatedAt = payment.UpdatedAt
	return nil
}

func (r memPaymentRepo) FindByMerchantTransactionID(_ context.Context, merchantTransactionID string) (*entity.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, item := range r.db.payments {
		if item.MerchantTransactionID == merchantTransactionID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r memPaymentRepo) ListForReconcile(_ context.Context, before time.Time, limit int32) ([]*entity.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	items := make([]*entity.Payment, 0)
	for _, item := range r.db.payments {
		if !entity.IsTerminalPaymentStatus(item.Status) && !item.UpdatedAt.After(before) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if len(items) > int(limit) {
		items = items[:limit]
	}
	return items, nil
}

func (r memPaymentRepo) get(id uint64) *entity.Payment {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.payments[id]
	if !ok {
		return nil
	}
	copyItem := *item
	return &copyItem
}

type memMandateRepo struct{ db *memDB }

func (r memMandateRepo) Create(_ context.Context, mandate *entity.Mandate) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	mandate.ID = r.db.id()
	copyItem := *mandate
	r.db.mandates[mandate.ID] = &copyItem
	return nil
}

func (r memMandateRepo) UpdateStatus(_ context.Context, mandate *entity.Mandate, from int32) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.mandates[mandate.ID]
	if !ok || current.Status != from {
		return false, nil
	}
	copyItem := *mandate
	keepString(&copyItem.MandateID, current.MandateID)
	keepString(&copyItem.RedirectURL, current.RedirectURL)
	keepString(&copyItem.GatewayResponse, current.GatewayResponse)
	keepString(&copyItem.CallbackPayload, current.CallbackPayload)
	r.db.mandates[mandate.ID] = &copyItem
	return true, nil
}

func (r memMandateRepo) UpdateReferences(_ context.Context, mandate *entity.Mandate) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	current, ok := r.db.mandates[mandate.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.MandateID == nil {
		current.MandateID = mandate.MandateID
	}
	if mandate.RedirectURL != nil {
		current.RedirectURL = mandate.RedirectURL
	}
	if mandate.GatewayResponse != nil {
		current.GatewayResponse = mandate.GatewayResponse
	}
	current.UpdatedAt = mandate.UpdatedAt
	return nil
}

// keepString mirrors COALESCE(?, column): a nil write keeps the stored value.
func keepString(dst **string, stored *string) {
	if *dst == nil {
		*dst = stored
	}
}

func (r memMandateRepo) FindByMerchantTransactionID(_ context.Context, merchantTransactionID string) (*entity.Mandate, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, item := range r.db.mandates {
		if item.MerchantTransactionID == merchantTransactionID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r memMandateRepo) FindByMandateID(_ context.Context, mandateID string) (*entity.Mandate, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, item := range r.db.mandates {
		if item.MandateID != nil && *item.MandateID == mandateID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

type memCallbackRepo struct{ db *memDB }

func callbackKey(gateway string, eventID *string) string {
	if eventID == nil {
		return ""
	}
	return gateway + "/" + *eventID
}

func (r memCallbackRepo) Create(_ context.Context, callback *entity.GatewayCallback) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	callback.ID = r.db.id()
	copyItem := *callback
	key := callbackKey(callback.Gateway, callback.EventID)
	if key == "" {
		key = "unkeyed/" + formatID(callback.ID)
	}
	r.db.callbacks[key] = &copyItem
	return nil
}

func (r memCallbackRepo) Upsert(_ context.Context, callback *entity.GatewayCallback) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	key := callbackKey(callback.Gateway, callback.EventID)
	if existing, ok := r.db.callbacks[key]; ok {
		callback.ID = existing.ID
	} else {
		callback.ID = r.db.id()
	}
	copyItem := *callback
	r.db.callbacks[key] = &copyItem
	return nil
}

func (r memCallbackRepo) FindByEvent(_ context.Context, gateway, eventID string) (*entity.GatewayCallback, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	item, ok := r.db.callbacks[gateway+"/"+eventID]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

type memEventRepo struct{ db *memDB }

func (r memEventRepo) Create(_ context.Context, event *entity.LedgerEvent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	event.ID = r.db.id()
	copyItem := *event
	r.db.events = append(r.db.events, &copyItem)
	return nil
}

type sentNotification struct {
	UserID  string
	Kind    string
	Payload map[string]interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Enqueue(_ context.Context, userID, kind string, payload map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Kind: kind, Payload: payload})
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, item := range n.sent {
		out = append(out, item.Kind)
	}
	return out
}

// fakeStripe records every call so tests can assert what reached the gateway.
type fakeStripe struct {
	mu    sync.Mutex
	calls []string

	sessions      map[string]*provider.CheckoutSession
	intents       map[string]*provider.PaymentIntent
	subscriptions map[string]*provider.Subscription

	sessionErr      error
	intentErr       error
	subscriptionErr error
	updateErr       error
	refundErr       error
	refundStatus    string
	cancelErr       error
	prorationAmount *int64

	lastSubscriptionInput provider.SubscriptionInput
	lastItemUpdate        provider.SubscriptionItemUpdate
	lastRefund            provider.RefundInput
	lastPrice             provider.PriceInput
	seq                   int
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		sessions:      map[string]*provider.CheckoutSession{},
		intents:       map[string]*provider.PaymentIntent{},
		subscriptions: map[string]*provider.Subscription{},
		refundStatus:  "succeeded",
	}
}

func (f *fakeStripe) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeStripe) next(prefix string) string {
	f.seq++
	return prefix + formatID(uint64(f.seq))
}

func (f *fakeStripe) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, input provider.CheckoutSessionInput) (*provider.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateCheckoutSession")
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	session := &provider.CheckoutSession{
		ID:          f.next("cs_"),
		URL:         "https://checkout.example/pay",
		Status:      "open",
		Currency:    input.Currency,
		AmountTotal: input.Amount,
		Metadata:    input.Metadata,
	}
	f.sessions[session.ID] = session
	return session, nil
}

func (f *fakeStripe) GetCheckoutSession(_ context.Context, sessionID string) (*provider.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetCheckoutSession")
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, &provider.GatewayError{Gateway: provider.GatewayStripe, Op: "get_checkout_session", Kind: provider.GatewayErrorRejected, StatusCode: 404}
	}
	copyItem := *session
	return &copyItem, nil
}

func (f *fakeStripe) CreatePaymentIntent(_ context.Context, input provider.PaymentIntentInput) (*provider.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreatePaymentIntent")
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	intent := &provider.PaymentIntent{
		ID:           f.next("pi_"),
		ClientSecret: "secret_" + formatID(uint64(f.seq)),
		Status:       "requires_payment_method",
		Currency:     input.Currency,
		Amount:       input.Amount,
		Metadata:     input.Metadata,
	}
	f.intents[intent.ID] = intent
	return intent, nil
}

func (f *fakeStripe) GetPaymentIntent(_ context.Context, intentID string) (*provider.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetPaymentIntent")
	intent, ok := f.intents[intentID]
	if !ok {
		return nil, &provider.GatewayError{Gateway: provider.GatewayStripe, Op: "get_payment_intent", Kind: provider.GatewayErrorRejected, StatusCode: 404}
	}
	copyItem := *intent
	return &copyItem, nil
}

func (f *fakeStripe) CreateRefund(_ context.Context, input provider.RefundInput) (*provider.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateRefund")
	f.lastRefund = input
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &provider.Refund{ID: f.next("re_"), Status: f.refundStatus, Amount: input.Amount}, nil
}

func (f *fakeStripe) CreateCustomer(_ context.Context, _ provider.CustomerInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateCustomer")
	return f.next("cus_"), nil
}

func (f *fakeStripe) CreateProduct(_ context.Context, _ string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateProduct")
	return f.next("prod_"), nil
}

func (f *fakeStripe) UpdateProduct(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateProduct")
	return nil
}

func (f *fakeStripe) CreatePrice(_ context.Context, input provider.PriceInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreatePrice")
	f.lastPrice = input
	return f.next("price_"), nil
}

func (f *fakeStripe) CreateSubscription(_ context.Context, input provider.SubscriptionInput) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateSubscription")
	f.lastSubscriptionInput = input
	if f.subscriptionErr != nil {
		return nil, f.subscriptionErr
	}
	now := time.Now().UTC()
	sub := &provider.Subscription{
		ID:                 f.next("sub_"),
		CustomerID:         input.CustomerID,
		Status:             "incomplete",
		Items:              []provider.SubscriptionItem{{ID: f.next("si_"), PriceID: input.PriceID}},
		LatestInvoiceID:    f.next("in_"),
		ClientSecret:       "secret_sub",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Metadata:           input.Metadata,
	}
	f.subscriptions[sub.ID] = sub
	return sub, nil
}

func (f *fakeStripe) GetSubscription(_ context.Context, subscriptionID string) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetSubscription")
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, &provider.GatewayError{Gateway: provider.GatewayStripe, Op: "get_subscription", Kind: provider.GatewayErrorRejected, StatusCode: 404}
	}
	copyItem := *sub
	return &copyItem, nil
}

func (f *fakeStripe) UpdateSubscriptionItem(_ context.Context, input provider.SubscriptionItemUpdate) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateSubscriptionItem")
	f.lastItemUpdate = input
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	sub, ok := f.subscriptions[input.SubscriptionID]
	if !ok {
		return nil, &provider.GatewayError{Gateway: provider.GatewayStripe, Op: "update_subscription_item", Kind: provider.GatewayErrorRejected, StatusCode: 404}
	}
	sub.Items = []provider.SubscriptionItem{{ID: input.ItemID, PriceID: input.PriceID}}
	sub.LatestInvoiceAmountDue = nil
	if input.ProrationBehavior == prorationAlwaysInvoice {
		sub.LatestInvoiceID = f.next("in_")
		sub.LatestInvoiceAmountDue = f.prorationAmount
	}
	copyItem := *sub
	return &copyItem, nil
}

func (f *fakeStripe) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CancelSubscription")
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if sub, ok := f.subscriptions[subscriptionID]; ok {
		sub.Status = "canceled"
	}
	return nil
}

type fakeDirectory struct {
	users    map[string]*provider.User
	contests map[string]*provider.Contest
}

func (d *fakeDirectory) GetUser(_ context.Context, userID string) (*provider.User, error) {
	if u, ok := d.users[userID]; ok {
		return u, nil
	}
	return nil, provider.ErrDirectoryNotFound
}

func (d *fakeDirectory) GetContest(_ context.Context, contestID string) (*provider.Contest, error) {
	if c, ok := d.contests[contestID]; ok {
		return c, nil
	}
	return nil, provider.ErrDirectoryNotFound
}

func newTestReconciler(db *memDB, notifier *recordingNotifier, canceler subscriptionCanceler, policy config.SubscriptionsConfig) *Reconciler {
	return NewReconciler(
		memLedger{db},
		memTransactionRepo{db},
		memSubscriptionRepo{db},
		memPaymentRepo{db},
		memMandateRepo{db},
		memEventRepo{db},
		notifier,
		canceler,
		policy,
		"INR",
	)
}
