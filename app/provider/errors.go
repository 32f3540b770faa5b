package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrGatewayNotSupported = errors.New("gateway is not supported")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrMalformedPayload    = errors.New("malformed callback payload")
	ErrDirectoryNotFound   = errors.New("directory record not found")
)

type GatewayErrorKind string

const (
	GatewayErrorTimeout         GatewayErrorKind = "timeout"
	GatewayErrorNetwork         GatewayErrorKind = "network"
	GatewayErrorRejected        GatewayErrorKind = "rejected"
	GatewayErrorInvalidResponse GatewayErrorKind = "invalid_response"
	GatewayErrorNotConfigured   GatewayErrorKind = "not_configured"
)

// GatewayError is the failure half of every outbound gateway call.
type GatewayError struct {
	Gateway    string
	Op         string
	Kind       GatewayErrorKind
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s %s (status=%d): %s", e.Gateway, e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Gateway, e.Op, e.Kind, e.Message)
}

// AsGatewayError unwraps err into a *GatewayError when it carries one.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

func transportError(gateway, op string, err error) *GatewayError {
	kind := GatewayErrorNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = GatewayErrorTimeout
	}
	return &GatewayError{Gateway: gateway, Op: op, Kind: kind, Message: err.Error()}
}

func notConfigured(gateway, op, what string) *GatewayError {
	return &GatewayError{Gateway: gateway, Op: op, Kind: GatewayErrorNotConfigured, Message: what + " is not configured"}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if gwErr, ok := AsGatewayError(err); ok {
		return string(gwErr.Kind)
	}
	return "error"
}
