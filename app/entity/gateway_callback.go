package entity

import "time"

const (
	GatewayCallbackStatusProcessed int32 = 10
	GatewayCallbackStatusIgnored   int32 = 11
	GatewayCallbackStatusRejected  int32 = 20
)

// GatewayCallback stores every inbound callback as received.
type GatewayCallback struct {
	ID uint64

	Gateway   string
	EventID   *string
	EventType string
	Signature string

	PayloadJSON string
	Status      int32
	Error       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
