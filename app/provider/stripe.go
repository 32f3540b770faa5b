package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/vibast-solutions/ms-go-wallets/app/provider")

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	APIBaseURL                string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type CheckoutSessionInput struct {
	Amount            int64
	Currency          string
	ProductName       string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
	Status          string
	PaymentStatus   string
	Currency        string
	AmountTotal     int64
	Metadata        map[string]string
}

type PaymentIntentInput struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
	Currency     string
	InvoiceID    string
	Amount       int64
	LastError    string
	Metadata     map[string]string
}

type CustomerInput struct {
	Email    string
	Name     string
	Metadata map[string]string
}

type PriceInput struct {
	ProductID     string
	Amount        int64
	Currency      string
	Interval      string
	IntervalCount int32
}

type SubscriptionInput struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

type SubscriptionItem struct {
	ID      string
	PriceID string
}

type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Items              []SubscriptionItem
	LatestInvoiceID    string
	PaymentIntentID    string
	ClientSecret       string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	EndedAt            *time.Time
	Metadata           map[string]string

	// LatestInvoiceAmountDue is set when latest_invoice came back expanded.
	LatestInvoiceAmountDue *int64
}

// IsEnded reports whether the gateway no longer bills this subscription.
func (s *Subscription) IsEnded() bool {
	return s.Status == "canceled" || s.Status == "incomplete_expired" || s.EndedAt != nil
}

type SubscriptionItemUpdate struct {
	SubscriptionID    string
	ItemID            string
	PriceID           string
	ProrationBehavior string
	PaymentBehavior   string
	EndTrialNow       bool
	Metadata          map[string]string
}

type RefundInput struct {
	PaymentIntentID string
	Amount          int64
	Reason          string
	Metadata        map[string]string
}

// Refund statuses reported by the gateway.
const (
	RefundStatusSucceeded      = "succeeded"
	RefundStatusPending        = "pending"
	RefundStatusRequiresAction = "requires_action"
	RefundStatusFailed         = "failed"
	RefundStatusCanceled       = "canceled"
)

type Refund struct {
	ID              string
	Status          string
	Amount          int64
	PaymentIntentID string
	FailureReason   string
	Metadata        map[string]string
}

// StripeGateway is the hosted-checkout and recurring-billing gateway adapter.
type StripeGateway struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.stripe.com"
	}

	return &StripeGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *StripeGateway) Gateway() string {
	return GatewayStripe
}

func (g *StripeGateway) SignatureHeader() string {
	return "Stripe-Signature"
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, input CheckoutSessionInput) (*CheckoutSession, error) {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(input.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(input.Amount, 10))
	values.Set("line_items[0][price_data][product_data][name]", input.ProductName)
	values.Set("success_url", input.SuccessURL)
	values.Set("cancel_url", input.CancelURL)
	if input.ClientReferenceID != "" {
		values.Set("client_reference_id", input.ClientReferenceID)
	}
	setMetadata(values, "metadata", input.Metadata)
	setMetadata(values, "payment_intent_data[metadata]", input.Metadata)

	var payload stripeCheckoutSession
	if err := g.do(ctx, "create_checkout_session", http.MethodPost, "/v1/checkout/sessions", values, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, &GatewayError{Gateway: GatewayStripe, Op: "create_checkout_session", Kind: GatewayErrorInvalidResponse, Message: "checkout session id missing"}
	}

	session := payload.toSession()
	return &session, nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var payload stripeCheckoutSession
	if err := g.do(ctx, "get_checkout_session", http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, &payload); err != nil {
		return nil, err
	}
	session := payload.toSession()
	return &session, nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, input PaymentIntentInput) (*PaymentIntent, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(input.Amount, 10))
	values.Set("currency", strings.ToLower(input.Currency))
	values.Set("automatic_payment_methods[enabled]", "true")
	if input.Description != "" {
		values.Set("description", input.Description)
	}
	setMetadata(values, "metadata", input.Metadata)

	var payload stripePaymentIntent
	if err := g.do(ctx, "create_payment_intent", http.MethodPost, "/v1/payment_intents", values, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" || strings.TrimSpace(payload.ClientSecret) == "" {
		return nil, &GatewayError{Gateway: GatewayStripe, Op: "create_payment_intent", Kind: GatewayErrorInvalidResponse, Message: "payment intent id or client secret missing"}
	}

	intent := payload.toIntent()
	return &intent, nil
}

func (g *StripeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var payload stripePaymentIntent
	if err := g.do(ctx, "get_payment_intent", http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, &payload); err != nil {
		return nil, err
	}
	intent := payload.toIntent()
	return &intent, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, input CustomerInput) (string, error) {
	values := url.Values{}
	if input.Email != "" {
		values.Set("email", input.Email)
	}
	if input.Name != "" {
		values.Set("name", input.Name)
	}
	setMetadata(values, "metadata", input.Metadata)

	return g.createObject(ctx, "create_customer", "/v1/customers", values)
}

func (g *StripeGateway) CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error) {
	values := url.Values{}
	values.Set("name", name)
	setMetadata(values, "metadata", metadata)

	return g.createObject(ctx, "create_product", "/v1/products", values)
}

func (g *StripeGateway) UpdateProduct(ctx context.Context, productID, name string) error {
	values := url.Values{}
	values.Set("name", name)

	var payload stripeObject
	return g.do(ctx, "update_product", http.MethodPost, "/v1/products/"+url.PathEscape(productID), values, &payload)
}

// CreatePrice always creates a new recurring price; existing prices are never mutated.
func (g *StripeGateway) CreatePrice(ctx context.Context, input PriceInput) (string, error) {
	values := url.Values{}
	values.Set("product", input.ProductID)
	values.Set("currency", strings.ToLower(input.Currency))
	values.Set("unit_amount", strconv.FormatInt(input.Amount, 10))
	values.Set("recurring[interval]", input.Interval)
	values.Set("recurring[interval_count]", strconv.FormatInt(int64(input.IntervalCount), 10))

	return g.createObject(ctx, "create_price", "/v1/prices", values)
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, input SubscriptionInput) (*Subscription, error) {
	values := url.Values{}
	values.Set("customer", input.CustomerID)
	values.Set("items[0][price]", input.PriceID)
	values.Set("payment_behavior", "default_incomplete")
	values.Set("payment_settings[save_default_payment_method]", "on_subscription")
	values.Add("expand[]", "latest_invoice.payment_intent")
	setMetadata(values, "metadata", input.Metadata)

	var payload stripeSubscription
	if err := g.do(ctx, "create_subscription", http.MethodPost, "/v1/subscriptions", values, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, &GatewayError{Gateway: GatewayStripe, Op: "create_subscription", Kind: GatewayErrorInvalidResponse, Message: "subscription id missing"}
	}

	sub := payload.toSubscription()
	return &sub, nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var payload stripeSubscription
	if err := g.do(ctx, "get_subscription", http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &payload); err != nil {
		return nil, err
	}
	sub := payload.toSubscription()
	return &sub, nil
}

// UpdateSubscriptionItem swaps the billed price of one subscription item.
func (g *StripeGateway) UpdateSubscriptionItem(ctx context.Context, input SubscriptionItemUpdate) (*Subscription, error) {
	values := url.Values{}
	values.Set("items[0][id]", input.ItemID)
	values.Set("items[0][price]", input.PriceID)
	if input.ProrationBehavior != "" {
		values.Set("proration_behavior", input.ProrationBehavior)
	}
	if input.PaymentBehavior != "" {
		values.Set("payment_behavior", input.PaymentBehavior)
	}
	if input.EndTrialNow {
		values.Set("trial_end", "now")
	}
	values.Add("expand[]", "latest_invoice.payment_intent")
	setMetadata(values, "metadata", input.Metadata)

	var payload stripeSubscription
	if err := g.do(ctx, "update_subscription", http.MethodPost, "/v1/subscriptions/"+url.PathEscape(input.SubscriptionID), values, &payload); err != nil {
		return nil, err
	}
	sub := payload.toSubscription()
	return &sub, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	var payload stripeSubscription
	return g.do(ctx, "cancel_subscription", http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &payload)
}

func (g *StripeGateway) CreateRefund(ctx context.Context, input RefundInput) (*Refund, error) {
	values := url.Values{}
	values.Set("payment_intent", input.PaymentIntentID)
	values.Set("amount", strconv.FormatInt(input.Amount, 10))
	values.Set("reason", "requested_by_customer")
	metadata := make(map[string]string, len(input.Metadata)+1)
	for k, v := range input.Metadata {
		metadata[k] = v
	}
	if input.Reason != "" {
		metadata["reason"] = input.Reason
	}
	setMetadata(values, "metadata", metadata)

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := g.do(ctx, "create_refund", http.MethodPost, "/v1/refunds", values, &payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.ID) == "" {
		return nil, &GatewayError{Gateway: GatewayStripe, Op: "create_refund", Kind: GatewayErrorInvalidResponse, Message: "refund id missing"}
	}

	return &Refund{ID: payload.ID, Status: payload.Status, Amount: payload.Amount}, nil
}

func (g *StripeGateway) VerifyCallback(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is not configured", ErrInvalidSignature)
	}
	if !verifyStripeSignature(payload, signature, g.cfg.WebhookSecret, g.cfg.SignatureToleranceSeconds) {
		return nil, ErrInvalidSignature
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.Type) == "" {
		return nil, fmt.Errorf("%w: event id or type missing", ErrMalformedPayload)
	}

	header := EventHeader{ID: strings.TrimSpace(envelope.ID), Type: envelope.Type}
	object := envelope.Data.Object

	switch envelope.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var session stripeCheckoutSession
		if err := json.Unmarshal(object, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &CheckoutSessionEvent{EventHeader: header, Outcome: checkoutOutcome(envelope.Type), Session: session.toSession()}, nil
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripePaymentIntent
		if err := json.Unmarshal(object, &intent); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		converted := intent.toIntent()
		return &PaymentIntentEvent{
			EventHeader:    header,
			Succeeded:      envelope.Type == "payment_intent.succeeded",
			Intent:         converted,
			FailureMessage: converted.LastError,
		}, nil
	case "invoice.paid", "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(object, &invoice); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &InvoiceEvent{EventHeader: header, Paid: envelope.Type == "invoice.paid", Invoice: invoice.toInvoice()}, nil
	case "invoice.payment_action_required":
		var invoice stripeInvoice
		if err := json.Unmarshal(object, &invoice); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &InvoiceActionRequiredEvent{EventHeader: header, Invoice: invoice.toInvoice()}, nil
	case "refund.created", "refund.updated", "refund.failed", "charge.refund.updated":
		var refund stripeRefund
		if err := json.Unmarshal(object, &refund); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &RefundEvent{EventHeader: header, Refund: refund.toRefund()}, nil
	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(object, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return &SubscriptionDeletedEvent{EventHeader: header, Subscription: sub.toSubscription()}, nil
	default:
		return &UnknownEvent{EventHeader: header}, nil
	}
}

func (g *StripeGateway) createObject(ctx context.Context, op, path string, values url.Values) (string, error) {
	var payload stripeObject
	if err := g.do(ctx, op, http.MethodPost, path, values, &payload); err != nil {
		return "", err
	}
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		return "", &GatewayError{Gateway: GatewayStripe, Op: op, Kind: GatewayErrorInvalidResponse, Message: "object id missing"}
	}
	return id, nil
}

func (g *StripeGateway) do(ctx context.Context, op, method, path string, values url.Values, out interface{}) error {
	if strings.TrimSpace(g.cfg.SecretKey) == "" {
		return notConfigured(GatewayStripe, op, "stripe secret key")
	}

	ctx, span := tracer.Start(ctx, "stripe."+op)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("gateway.path", path))

	started := time.Now()
	err := g.send(ctx, op, method, path, values, out)
	metrics.ObserveGatewayCall(GatewayStripe, op, resultLabel(err), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *StripeGateway) send(ctx context.Context, op, method, path string, values url.Values, out interface{}) error {
	endpoint := g.cfg.APIBaseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(values.Encode())
	} else if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &GatewayError{Gateway: GatewayStripe, Op: op, Kind: GatewayErrorNetwork, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return transportError(GatewayStripe, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(GatewayStripe, op, err)
	}
	if resp.StatusCode >= 400 {
		return &GatewayError{
			Gateway:    GatewayStripe,
			Op:         op,
			Kind:       GatewayErrorRejected,
			StatusCode: resp.StatusCode,
			Message:    stripeErrorMessage(raw),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Gateway: GatewayStripe, Op: op, Kind: GatewayErrorInvalidResponse, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

type stripeObject struct {
	ID string `json:"id"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func (s stripeCheckoutSession) toSession() CheckoutSession {
	return CheckoutSession{
		ID:              strings.TrimSpace(s.ID),
		URL:             strings.TrimSpace(s.URL),
		PaymentIntentID: parseStringish(s.PaymentIntent),
		Status:          s.Status,
		PaymentStatus:   s.PaymentStatus,
		Currency:        strings.ToUpper(s.Currency),
		AmountTotal:     s.AmountTotal,
		Metadata:        s.Metadata,
	}
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	ClientSecret     string            `json:"client_secret"`
	Status           string            `json:"status"`
	Currency         string            `json:"currency"`
	Amount           int64             `json:"amount"`
	Invoice          json.RawMessage   `json:"invoice"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (p stripePaymentIntent) toIntent() PaymentIntent {
	intent := PaymentIntent{
		ID:           strings.TrimSpace(p.ID),
		ClientSecret: p.ClientSecret,
		Status:       p.Status,
		Currency:     strings.ToUpper(p.Currency),
		InvoiceID:    parseStringish(p.Invoice),
		Amount:       p.Amount,
		Metadata:     p.Metadata,
	}
	if p.LastPaymentError != nil {
		intent.LastError = p.LastPaymentError.Message
	}
	return intent
}

type stripeSubscription struct {
	ID       string          `json:"id"`
	Customer json.RawMessage `json:"customer"`
	Status   string          `json:"status"`
	Items    struct {
		Data []struct {
			ID    string `json:"id"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	LatestInvoice      json.RawMessage   `json:"latest_invoice"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	EndedAt            *int64            `json:"ended_at"`
	Metadata           map[string]string `json:"metadata"`
}

func (s stripeSubscription) toSubscription() Subscription {
	sub := Subscription{
		ID:                 strings.TrimSpace(s.ID),
		CustomerID:         parseStringish(s.Customer),
		Status:             s.Status,
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
		Metadata:           s.Metadata,
	}
	for _, item := range s.Items.Data {
		sub.Items = append(sub.Items, SubscriptionItem{ID: item.ID, PriceID: item.Price.ID})
		if sub.CurrentPeriodStart.IsZero() && item.CurrentPeriodStart > 0 {
			sub.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			sub.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
	}
	if s.EndedAt != nil && *s.EndedAt > 0 {
		endedAt := unixTime(*s.EndedAt)
		sub.EndedAt = &endedAt
	}
	sub.LatestInvoiceID, sub.PaymentIntentID, sub.ClientSecret, sub.LatestInvoiceAmountDue = parseExpandedInvoice(s.LatestInvoice)
	return sub
}

type stripeInvoice struct {
	ID            string            `json:"id"`
	Subscription  json.RawMessage   `json:"subscription"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	BillingReason string            `json:"billing_reason"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	PeriodStart   int64             `json:"period_start"`
	PeriodEnd     int64             `json:"period_end"`
	Metadata      map[string]string `json:"metadata"`

	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`

	// Newer API versions move the subscription link under parent.
	Parent struct {
		SubscriptionDetails struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`

	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (i stripeInvoice) toInvoice() Invoice {
	invoice := Invoice{
		ID:              strings.TrimSpace(i.ID),
		SubscriptionID:  parseStringish(i.Subscription),
		PaymentIntentID: parseStringish(i.PaymentIntent),
		BillingReason:   i.BillingReason,
		AmountPaid:      i.AmountPaid,
		AmountDue:       i.AmountDue,
		Currency:        strings.ToUpper(strings.TrimSpace(i.Currency)),
		PeriodStart:     unixTime(i.PeriodStart),
		PeriodEnd:       unixTime(i.PeriodEnd),
		Metadata:        make(map[string]string, len(i.Metadata)+len(i.SubscriptionDetails.Metadata)+len(i.Parent.SubscriptionDetails.Metadata)),
	}
	if invoice.SubscriptionID == "" {
		invoice.SubscriptionID = parseStringish(i.Parent.SubscriptionDetails.Subscription)
	}
	// The line period is the billed service period; the invoice period can be empty for the first invoice.
	if len(i.Lines.Data) > 0 && i.Lines.Data[0].Period.End > 0 {
		invoice.PeriodStart = unixTime(i.Lines.Data[0].Period.Start)
		invoice.PeriodEnd = unixTime(i.Lines.Data[0].Period.End)
	}
	for k, v := range i.Metadata {
		invoice.Metadata[k] = v
	}
	for k, v := range i.SubscriptionDetails.Metadata {
		invoice.Metadata[k] = v
	}
	for k, v := range i.Parent.SubscriptionDetails.Metadata {
		invoice.Metadata[k] = v
	}
	return invoice
}

func checkoutOutcome(eventType string) CheckoutOutcome {
	switch eventType {
	case "checkout.session.async_payment_succeeded":
		return CheckoutAsyncSucceeded
	case "checkout.session.async_payment_failed":
		return CheckoutAsyncFailed
	case "checkout.session.expired":
		return CheckoutExpired
	default:
		return CheckoutCompleted
	}
}

func setMetadata(values url.Values, prefix string, metadata map[string]string) {
	for k, v := range metadata {
		values.Set(prefix+"["+k+"]", v)
	}
}

func stripeErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
		if payload.Error.Code != "" {
			return payload.Error.Code + ": " + payload.Error.Message
		}
		return payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func unixTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// parseExpandedInvoice reads latest_invoice either as an id or as an object
// with an expanded payment_intent. amountDue is only known for the object form.
func parseExpandedInvoice(raw json.RawMessage) (invoiceID, intentID, clientSecret string, amountDue *int64) {
	if len(raw) == 0 || raw[0] != '{' {
		return parseStringish(raw), "", "", nil
	}
	var invoice struct {
		ID            string          `json:"id"`
		AmountDue     *int64          `json:"amount_due"`
		PaymentIntent json.RawMessage `json:"payment_intent"`
	}
	if json.Unmarshal(raw, &invoice) != nil {
		return "", "", "", nil
	}
	invoiceID = strings.TrimSpace(invoice.ID)
	if len(invoice.PaymentIntent) > 0 && invoice.PaymentIntent[0] == '{' {
		var intent struct {
			ID           string `json:"id"`
			ClientSecret string `json:"client_secret"`
		}
		if json.Unmarshal(invoice.PaymentIntent, &intent) == nil {
			return invoiceID, strings.TrimSpace(intent.ID), intent.ClientSecret, invoice.AmountDue
		}
	}
	return invoiceID, parseStringish(invoice.PaymentIntent), "", invoice.AmountDue
}

func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range strings.Split(signatureHeader, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "t=") {
			ts = strings.TrimSpace(strings.TrimPrefix(part, "t="))
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = append(v1, strings.TrimSpace(strings.TrimPrefix(part, "v1=")))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	expected := mac.Sum(nil)

	for _, sig := range v1 {
		candidate, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(candidate, expected) {
			return true
		}
	}

	return false
}

type stripeRefund struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	FailureReason string            `json:"failure_reason"`
	Metadata      map[string]string `json:"metadata"`
}

func (r stripeRefund) toRefund() Refund {
	return Refund{
		ID:              r.ID,
		Status:          r.Status,
		Amount:          r.Amount,
		PaymentIntentID: parseStringish(r.PaymentIntent),
		FailureReason:   r.FailureReason,
		Metadata:        r.Metadata,
	}
}

func parseStringish(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return strings.TrimSpace(s)
		}
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}
