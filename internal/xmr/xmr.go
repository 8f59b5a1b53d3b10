// Package xmr provides fixed-point Monero amounts and the wallet wire types
// shared between the settlement engine and the wallet RPC client.
//
// Monero amounts have 12 decimal places. The wallet speaks atomic units
// (1 XMR = 1,000,000,000,000 piconero); the engine works in decimal XMR.
package xmr

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 12

var (
	ErrNegative = errors.New("xmr: negative amount")
	ErrOverflow = errors.New("xmr: amount exceeds atomic range")
)

var atomicPerXMR = decimal.New(1, Decimals)

// Parse converts a decimal string (e.g. "0.204") to an amount rounded down
// to atomic precision.
//
// Rules:
//   - Empty string returns zero
//   - Negative amounts are rejected
//   - Digits beyond 12 decimal places are truncated
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("xmr: parse %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d.Truncate(Decimals), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromAtomic converts piconero to XMR.
func FromAtomic(atomic uint64) decimal.Decimal {
	return decimal.NewFromUint64(atomic).Shift(-Decimals)
}

// ToAtomic converts an XMR amount to piconero, truncating sub-atomic digits.
func ToAtomic(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, ErrNegative
	}
	units := amount.Mul(atomicPerXMR).Truncate(0)
	if units.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, ErrOverflow
	}
	return units.BigInt().Uint64(), nil
}

// Format renders an amount with exactly 12 decimal places (e.g. "0.204000000000").
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(Decimals)
}

// Round rounds an amount half-up to atomic precision.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Decimals)
}
