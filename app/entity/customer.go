package entity

import "time"

// Customer caches the gateway customer id created for a user.
type Customer struct {
	ID                 uint64
	UserID             string
	ExternalCustomerID string
	Email              string

	CreatedAt time.Time
	UpdatedAt time.Time
}
