package model

import (
	"math/big"
	"strings"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
)

// Amounts are non-negative arbitrary-precision integers carried as base-10
// strings (NUMERIC(78,0) in postgres). All arithmetic goes through math/big;
// no amount is ever computed in float or fixed-width integer space.

// ParseAmount parses s as a non-negative integer amount.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fault.MalformedAmount
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fault.MalformedAmount
	}
	if v.Sign() < 0 {
		return nil, fault.NonPositiveAmount
	}
	return v, nil
}

// ParsePositiveAmount parses s and rejects zero.
func ParsePositiveAmount(s string) (*big.Int, error) {
	v, err := ParseAmount(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, fault.NonPositiveAmount
	}
	return v, nil
}

// AmountString renders v for storage. Nil renders as "0".
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// AddAmounts returns a + b without mutating either.
func AddAmounts(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// SubAmounts returns a - b without mutating either.
func SubAmounts(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

// MinAmount returns the smaller of a and b (shared structure, do not mutate).
func MinAmount(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
