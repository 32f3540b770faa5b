package entity

import "time"

const (
	DurationUnitDay   = "day"
	DurationUnitWeek  = "week"
	DurationUnitMonth = "month"
	DurationUnitYear  = "year"
)

type Plan struct {
	ID      uint64
	OwnerID string

	Name     string
	Price    int64
	Currency string

	Duration     int32
	DurationUnit string
	Features     []string

	ExternalProductID string
	ExternalPriceID   string

	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
