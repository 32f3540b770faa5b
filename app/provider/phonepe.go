package provider

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/vibast-solutions/ms-go-wallets/app/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	PayeeTypeUPI         = "UPI"
	PayeeTypeBankAccount = "BANK_ACCOUNT"
)

type PhonePeConfig struct {
	MerchantID         string
	SaltKey            string
	SaltIndex          string
	BaseURL            string
	PayoutBaseURL      string
	CallbackURL        string
	RedirectURL        string
	MandateCallbackURL string
	PayTimeout         time.Duration
	PayoutTimeout      time.Duration
	BankPayoutTimeout  time.Duration
	MandateTimeout     time.Duration
}

type PayInRequest struct {
	MerchantTransactionID string
	UserID                string
	Amount                int64
}

type Payee struct {
	Type          string
	VPA           string
	AccountNumber string
	IFSC          string
	Name          string
}

type PayoutRequest struct {
	MerchantTransactionID string
	Amount                int64
	Purpose               string
	Notes                 string
	Payee                 Payee
}

type MandateRequest struct {
	MerchantTransactionID string
	UserID                string
	Amount                int64
	Frequency             string
	StartDate             time.Time
	EndDate               time.Time
	RecipientUPI          string
	RecipientName         string
	Purpose               string
	Notes                 string
}

// PhonePeResult is a decoded gateway response plus its raw body for audit.
type PhonePeResult struct {
	Status PhonePeStatus
	Raw    string
}

type PhonePeOutcome int

const (
	PhonePeOutcomeUnknown PhonePeOutcome = iota
	PhonePeOutcomePending
	PhonePeOutcomeSuccess
	PhonePeOutcomeFailed
)

// PhonePeGateway is the checksum-authenticated payout and mandate gateway adapter.
type PhonePeGateway struct {
	cfg    PhonePeConfig
	client *resty.Client
}

func NewPhonePeGateway(cfg PhonePeConfig) *PhonePeGateway {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.PayoutBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PayoutBaseURL), "/")
	if cfg.PayoutBaseURL == "" {
		cfg.PayoutBaseURL = cfg.BaseURL
	}
	if cfg.SaltIndex == "" {
		cfg.SaltIndex = "1"
	}
	if cfg.PayTimeout <= 0 {
		cfg.PayTimeout = 10 * time.Second
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = 15 * time.Second
	}
	if cfg.BankPayoutTimeout <= 0 {
		cfg.BankPayoutTimeout = 30 * time.Second
	}
	if cfg.MandateTimeout <= 0 {
		cfg.MandateTimeout = 15 * time.Second
	}

	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &PhonePeGateway{cfg: cfg, client: client}
}

func (g *PhonePeGateway) Gateway() string {
	return GatewayPhonePe
}

func (g *PhonePeGateway) SignatureHeader() string {
	return "X-VERIFY"
}

func (g *PhonePeGateway) InitiatePayment(ctx context.Context, req PayInRequest) (*PhonePeResult, error) {
	payload := map[string]interface{}{
		"merchantId":            g.cfg.MerchantID,
		"merchantTransactionId": req.MerchantTransactionID,
		"merchantUserId":        req.UserID,
		"amount":                req.Amount,
		"redirectUrl":           firstNonEmpty(g.cfg.RedirectURL, g.cfg.CallbackURL),
		"redirectMode":          "POST",
		"callbackUrl":           g.cfg.CallbackURL,
		"paymentInstrument": map[string]string{
			"type": "PAY_PAGE",
		},
	}

	result, err := g.post(ctx, "initiate_payment", g.cfg.BaseURL, "/pg/v1/pay", payload, g.cfg.PayTimeout)
	if err != nil {
		return nil, err
	}
	if result.Status.RedirectURL == "" {
		return nil, &GatewayError{Gateway: GatewayPhonePe, Op: "initiate_payment", Kind: GatewayErrorInvalidResponse, Message: "redirect url missing"}
	}
	return result, nil
}

// Payout sends money to a UPI handle or a bank account. Bank transfers use the
// payouts host and the longer bank timeout.
func (g *PhonePeGateway) Payout(ctx context.Context, req PayoutRequest) (*PhonePeResult, error) {
	payee := map[string]string{
		"type": req.Payee.Type,
		"name": req.Payee.Name,
	}
	switch req.Payee.Type {
	case PayeeTypeUPI:
		payee["vpa"] = req.Payee.VPA
	case PayeeTypeBankAccount:
		payee["accountNumber"] = req.Payee.AccountNumber
		payee["ifsc"] = req.Payee.IFSC
	default:
		return nil, &GatewayError{Gateway: GatewayPhonePe, Op: "payout", Kind: GatewayErrorRejected, Message: "unsupported payee type " + req.Payee.Type}
	}

	payload := map[string]interface{}{
		"merchantId":            g.cfg.MerchantID,
		"merchantTransactionId": req.MerchantTransactionID,
		"amount":                req.Amount,
		"purpose":               req.Purpose,
		"notes":                 req.Notes,
		"payee":                 payee,
	}

	if req.Payee.Type == PayeeTypeBankAccount {
		return g.post(ctx, "payout_bank", g.cfg.PayoutBaseURL, "/v1/disburse/account", payload, g.cfg.BankPayoutTimeout)
	}
	return g.post(ctx, "payout_upi", g.cfg.BaseURL, "/pg/v1/payout", payload, g.cfg.PayoutTimeout)
}

func (g *PhonePeGateway) CheckStatus(ctx context.Context, merchantTransactionID string) (*PhonePeResult, error) {
	path := "/pg/v1/status/" + url.PathEscape(g.cfg.MerchantID) + "/" + url.PathEscape(merchantTransactionID)
	return g.get(ctx, "check_status", path, g.cfg.PayTimeout)
}

func (g *PhonePeGateway) CheckPayoutStatus(ctx context.Context, merchantTransactionID string) (*PhonePeResult, error) {
	path := "/pg/v1/payout/status/" + url.PathEscape(g.cfg.MerchantID) + "/" + url.PathEscape(merchantTransactionID)
	return g.get(ctx, "check_payout_status", path, g.cfg.PayTimeout)
}

func (g *PhonePeGateway) CreateMandate(ctx context.Context, req MandateRequest) (*PhonePeResult, error) {
	callbackURL := firstNonEmpty(g.cfg.MandateCallbackURL, g.cfg.CallbackURL)
	payload := map[string]interface{}{
		"merchantId":            g.cfg.MerchantID,
		"merchantTransactionId": req.MerchantTransactionID,
		"merchantUserId":        req.UserID,
		"amount":                req.Amount,
		"recurring": map[string]string{
			"frequency": req.Frequency,
			"startDate": req.StartDate.Format("2006-01-02"),
			"endDate":   req.EndDate.Format("2006-01-02"),
		},
		"paymentInstrument": map[string]string{
			"type": "UPI",
			"vpa":  req.RecipientUPI,
			"name": req.RecipientName,
		},
		"purpose":     req.Purpose,
		"notes":       req.Notes,
		"callbackUrl": callbackURL,
		"redirectUrl": callbackURL,
	}

	result, err := g.post(ctx, "create_mandate", g.cfg.BaseURL, "/pg/v1/mandate", payload, g.cfg.MandateTimeout)
	if err != nil {
		return nil, err
	}
	if result.Status.RedirectURL == "" {
		return nil, &GatewayError{Gateway: GatewayPhonePe, Op: "create_mandate", Kind: GatewayErrorInvalidResponse, Message: "redirect url missing"}
	}
	return result, nil
}

func (g *PhonePeGateway) RevokeMandate(ctx context.Context, mandateID, merchantTransactionID string) (*PhonePeResult, error) {
	payload := map[string]interface{}{
		"merchantId":            g.cfg.MerchantID,
		"mandateId":             mandateID,
		"merchantTransactionId": merchantTransactionID,
	}
	return g.post(ctx, "revoke_mandate", g.cfg.BaseURL, "/pg/v1/mandate/revoke", payload, g.cfg.MandateTimeout)
}

func (g *PhonePeGateway) CheckMandateStatus(ctx context.Context, merchantTransactionID string) (*PhonePeResult, error) {
	path := "/pg/v1/status/" + url.PathEscape(g.cfg.MerchantID) + "/" + url.PathEscape(merchantTransactionID)
	return g.get(ctx, "check_mandate_status", path, g.cfg.MandateTimeout)
}

// VerifyCallback authenticates a `{"response": "<base64>"}` body against the
// X-VERIFY header and decodes the embedded status.
func (g *PhonePeGateway) VerifyCallback(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(g.cfg.SaltKey) == "" {
		return nil, fmt.Errorf("%w: phonepe salt key is not configured", ErrInvalidSignature)
	}

	var body struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || strings.TrimSpace(body.Response) == "" {
		return nil, fmt.Errorf("%w: response field missing", ErrInvalidSignature)
	}
	if !VerifyPhonePeChecksum(body.Response, signature, g.cfg.SaltKey) {
		return nil, ErrInvalidSignature
	}

	decoded, err := base64.StdEncoding.DecodeString(body.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var envelope phonePeEnvelope
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	status := envelope.toStatus()
	if status.MerchantTransactionID == "" {
		return nil, fmt.Errorf("%w: merchantTransactionId missing", ErrMalformedPayload)
	}

	eventType := firstNonEmpty(status.Code, status.State)
	header := EventHeader{ID: status.MerchantTransactionID + ":" + eventType, Type: eventType}
	if isMandateCallback(status) {
		return &PhonePeMandateEvent{EventHeader: header, Status: status, Raw: string(decoded)}, nil
	}
	return &PhonePePaymentEvent{EventHeader: header, Status: status, Raw: string(decoded)}, nil
}

// ClassifyPhonePe maps a PhonePe code/state pair onto a ledger outcome. State
// wins over code when both are present.
func ClassifyPhonePe(status PhonePeStatus) PhonePeOutcome {
	switch strings.ToUpper(strings.TrimSpace(status.State)) {
	case "COMPLETED", "SUCCESS", "ACTIVE":
		return PhonePeOutcomeSuccess
	case "FAILED", "DECLINED", "ERROR", "REVOKED", "CANCELLED", "EXPIRED":
		return PhonePeOutcomeFailed
	case "PENDING", "INITIATED", "PROCESSING", "CREATED":
		return PhonePeOutcomePending
	}

	switch strings.ToUpper(strings.TrimSpace(status.Code)) {
	case "PAYMENT_SUCCESS", "PAYOUT_SUCCESS", "MANDATE_SUCCESS", "SUCCESS":
		return PhonePeOutcomeSuccess
	case "PAYMENT_PENDING", "PAYMENT_INITIATED", "PAYOUT_PENDING", "MANDATE_PENDING":
		return PhonePeOutcomePending
	case "PAYMENT_ERROR", "PAYMENT_DECLINED", "TIMED_OUT", "TRANSACTION_NOT_FOUND",
		"PAYOUT_FAILED", "AUTHORIZATION_FAILED", "MANDATE_FAILED":
		return PhonePeOutcomeFailed
	}
	return PhonePeOutcomeUnknown
}

func IsPhonePeRevoked(status PhonePeStatus) bool {
	return strings.EqualFold(status.State, "REVOKED") || strings.EqualFold(status.Code, "MANDATE_REVOKED")
}

// PhonePeChecksum computes the X-VERIFY value: hex(SHA256(payload + path + salt)) + "###" + saltIndex.
// Callbacks are signed the same way with an empty path.
func PhonePeChecksum(base64Payload, path, saltKey, saltIndex string) string {
	sum := sha256.Sum256([]byte(base64Payload + path + saltKey))
	return hex.EncodeToString(sum[:]) + "###" + saltIndex
}

func VerifyPhonePeChecksum(base64Response, header, saltKey string) bool {
	claimed := strings.TrimSpace(strings.SplitN(header, "###", 2)[0])
	if claimed == "" || saltKey == "" {
		return false
	}
	sum := sha256.Sum256([]byte(base64Response + saltKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(claimed)), []byte(expected)) == 1
}

func (g *PhonePeGateway) post(ctx context.Context, op, baseURL, path string, payload interface{}, timeout time.Duration) (*PhonePeResult, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayError{Gateway: GatewayPhonePe, Op: op, Kind: GatewayErrorRejected, Message: err.Error()}
	}
	b64 := base64.StdEncoding.EncodeToString(encoded)

	return g.call(ctx, op, timeout, func(ctx context.Context) (*resty.Response, error) {
		return g.client.R().
			SetContext(ctx).
			SetHeader("X-VERIFY", PhonePeChecksum(b64, path, g.cfg.SaltKey, g.cfg.SaltIndex)).
			SetHeader("X-MERCHANT-ID", g.cfg.MerchantID).
			SetBody(map[string]string{"request": b64}).
			Post(baseURL + path)
	}, true)
}

func (g *PhonePeGateway) get(ctx context.Context, op, path string, timeout time.Duration) (*PhonePeResult, error) {
	return g.call(ctx, op, timeout, func(ctx context.Context) (*resty.Response, error) {
		return g.client.R().
			SetContext(ctx).
			SetHeader("X-VERIFY", PhonePeChecksum("", path, g.cfg.SaltKey, g.cfg.SaltIndex)).
			SetHeader("X-MERCHANT-ID", g.cfg.MerchantID).
			Get(g.cfg.BaseURL + path)
	}, false)
}

// call runs one request under its own deadline. A timeout is reported as a
// failed attempt; the same merchant transaction id is never retried here.
func (g *PhonePeGateway) call(ctx context.Context, op string, timeout time.Duration, send func(context.Context) (*resty.Response, error), requireSuccess bool) (*PhonePeResult, error) {
	if g.cfg.MerchantID == "" || g.cfg.SaltKey == "" || g.cfg.BaseURL == "" {
		return nil, notConfigured(GatewayPhonePe, op, "phonepe merchant credentials")
	}

	ctx, span := tracer.Start(ctx, "phonepe."+op)
	defer span.End()
	span.SetAttributes(attribute.String("gateway.op", op))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := g.exchange(ctx, op, send, requireSuccess)
	metrics.ObserveGatewayCall(GatewayPhonePe, op, resultLabel(err), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (g *PhonePeGateway) exchange(ctx context.Context, op string, send func(context.Context) (*resty.Response, error), requireSuccess bool) (*PhonePeResult, error) {
	resp, err := send(ctx)
	if err != nil {
		return nil, transportError(GatewayPhonePe, op, err)
	}

	var envelope phonePeEnvelope
	decodeErr := json.Unmarshal(resp.Body(), &envelope)

	if resp.IsError() {
		message := strings.TrimSpace(resp.String())
		if decodeErr == nil && envelope.Message != "" {
			message = envelope.Code + ": " + envelope.Message
		}
		return nil, &GatewayError{Gateway: GatewayPhonePe, Op: op, Kind: GatewayErrorRejected, StatusCode: resp.StatusCode(), Message: message}
	}
	if decodeErr != nil {
		return nil, &GatewayError{Gateway: GatewayPhonePe, Op: op, Kind: GatewayErrorInvalidResponse, StatusCode: resp.StatusCode(), Message: decodeErr.Error()}
	}
	if requireSuccess && !envelope.Success {
		return nil, &GatewayError{
			Gateway:    GatewayPhonePe,
			Op:         op,
			Kind:       GatewayErrorRejected,
			StatusCode: resp.StatusCode(),
			Message:    strings.TrimSpace(envelope.Code + ": " + envelope.Message),
		}
	}

	return &PhonePeResult{Status: envelope.toStatus(), Raw: resp.String()}, nil
}

type phonePeEnvelope struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		MerchantTransactionID string `json:"merchantTransactionId"`
		TransactionID         string `json:"transactionId"`
		MandateID             string `json:"mandateId"`
		Amount                int64  `json:"amount"`
		State                 string `json:"state"`
		Status                string `json:"status"`
		ResponseCode          string `json:"responseCode"`
		InstrumentResponse    struct {
			RedirectInfo struct {
				URL string `json:"url"`
			} `json:"redirectInfo"`
		} `json:"instrumentResponse"`
	} `json:"data"`
}

func (e phonePeEnvelope) toStatus() PhonePeStatus {
	return PhonePeStatus{
		Success:               e.Success,
		Code:                  strings.TrimSpace(e.Code),
		Message:               e.Message,
		MerchantTransactionID: strings.TrimSpace(e.Data.MerchantTransactionID),
		TransactionID:         strings.TrimSpace(e.Data.TransactionID),
		MandateID:             strings.TrimSpace(e.Data.MandateID),
		Amount:                e.Data.Amount,
		State:                 firstNonEmpty(e.Data.State, e.Data.Status),
		ResponseCode:          e.Data.ResponseCode,
		RedirectURL:           strings.TrimSpace(e.Data.InstrumentResponse.RedirectInfo.URL),
	}
}

func isMandateCallback(status PhonePeStatus) bool {
	return status.MandateID != "" ||
		strings.HasPrefix(status.MerchantTransactionID, "mandate_") ||
		strings.HasPrefix(status.MerchantTransactionID, "revoke_")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
