package provider

import "strings"

const (
	GatewayStripe  = "stripe"
	GatewayPhonePe = "phonepe"
)

// CallbackVerifier authenticates a raw callback body and decodes it into an Event.
type CallbackVerifier interface {
	Gateway() string
	SignatureHeader() string
	VerifyCallback(payload []byte, signature string) (Event, error)
}

type Registry struct {
	verifiers map[string]CallbackVerifier
}

func NewRegistry(verifiers ...CallbackVerifier) *Registry {
	items := make(map[string]CallbackVerifier, len(verifiers))
	for _, v := range verifiers {
		items[v.Gateway()] = v
	}
	return &Registry{verifiers: items}
}

func (r *Registry) Get(gateway string) (CallbackVerifier, error) {
	verifier, ok := r.verifiers[strings.ToLower(strings.TrimSpace(gateway))]
	if !ok {
		return nil, ErrGatewayNotSupported
	}
	return verifier, nil
}
