// Package utils provides small shared helpers.
package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateID generates a prefixed unique ID.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), uuid.New().String()[:8])
}

// GenerateTradeID generates a trade ID.
func GenerateTradeID() string {
	return GenerateID("trade")
}

// GenerateSessionID generates a session ID.
func GenerateSessionID() string {
	return GenerateID("session")
}

// Clamp bounds value to [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// PercentageChange returns (new-old)/old, or zero when old is zero.
func PercentageChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old)
}

// FormatDuration renders a duration compactly (e.g. "3h12m").
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%dm", h, m)
}
