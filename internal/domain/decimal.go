package domain

import (
	"github.com/shopspring/decimal"
)

// Precision limits for monetary and share values. Prices carry at most
// 4 decimal places; share quantities at most 8 (fractional shares).
const (
	PriceScale    = 4
	QuantityScale = 8
)

// ParsePrice parses and validates a limit price: positive, at most
// PriceScale decimal places.
func ParsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Message: "price must be a decimal number"}
	}
	if !d.IsPositive() {
		return decimal.Zero, &ValidationError{Message: "price must be greater than 0"}
	}
	if !d.Equal(d.Truncate(PriceScale)) {
		return decimal.Zero, &ValidationError{Message: "price must have at most 4 decimal places"}
	}
	return d, nil
}

// ParseQuantity parses and validates a share quantity: positive, at most
// QuantityScale decimal places.
func ParseQuantity(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ValidationError{Message: "quantity must be a decimal number"}
	}
	if !d.IsPositive() {
		return decimal.Zero, &ValidationError{Message: "quantity must be greater than 0"}
	}
	if !d.Equal(d.Truncate(QuantityScale)) {
		return decimal.Zero, &ValidationError{Message: "quantity must have at most 8 decimal places"}
	}
	return d, nil
}

// MinQuantity returns the smaller of two quantities.
func MinQuantity(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
