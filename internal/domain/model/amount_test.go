package model

import (
	"math/big"
	"testing"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "zero", in: "0", want: "0"},
		{name: "positive", in: "123456789", want: "123456789"},
		{name: "whitespace trimmed", in: "  42 ", want: "42"},
		{name: "78 digits", in: "999999999999999999999999999999999999999999999999999999999999999999999999999999", want: "999999999999999999999999999999999999999999999999999999999999999999999999999999"},
		{name: "empty", in: "", wantErr: fault.MalformedAmount},
		{name: "not a number", in: "12abc", wantErr: fault.MalformedAmount},
		{name: "decimal", in: "1.5", wantErr: fault.MalformedAmount},
		{name: "negative", in: "-1", wantErr: fault.NonPositiveAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParsePositiveAmountRejectsZero(t *testing.T) {
	_, err := ParsePositiveAmount("0")
	assert.ErrorIs(t, err, fault.NonPositiveAmount)

	v, err := ParsePositiveAmount("1")
	require.NoError(t, err)
	assert.Equal(t, "1", v.String())
}

func TestAmountString(t *testing.T) {
	assert.Equal(t, "0", AmountString(nil))
	assert.Equal(t, "7", AmountString(big.NewInt(7)))
}

func TestAmountArithmeticDoesNotMutate(t *testing.T) {
	a := big.NewInt(10)
	b := big.NewInt(3)

	assert.Equal(t, "13", AddAmounts(a, b).String())
	assert.Equal(t, "7", SubAmounts(a, b).String())
	assert.Equal(t, "10", a.String())
	assert.Equal(t, "3", b.String())
}

func TestMinAmount(t *testing.T) {
	a := big.NewInt(5)
	b := big.NewInt(9)
	assert.Equal(t, "5", MinAmount(a, b).String())
	assert.Equal(t, "5", MinAmount(b, a).String())
	assert.Equal(t, "5", MinAmount(a, a).String())
}
