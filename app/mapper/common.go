package mapper

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amount renders minor units as a major-unit decimal string.
func Amount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefUint64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
