package stream

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

const yearSecs = 365 * 24 * 3600

func TestComputeScaledRate(t *testing.T) {
	// 1 unit over a year: the truncated integer rate is zero, the scaled
	// rate is not.
	rate := computeScaledRate(big.NewInt(1), yearSecs)
	assert.Equal(t, "31709791983", rate.String())
	assert.Equal(t, "0", truncatedRate(big.NewInt(1), yearSecs).String())

	assert.Equal(t, "1000000000000000000", computeScaledRate(big.NewInt(600), 600).String())
}

func TestStreamedAmountExactAtWindowEnd(t *testing.T) {
	deposit := big.NewInt(1)
	rate := computeScaledRate(deposit, yearSecs)

	assert.Equal(t, "0", streamedAmount(deposit, rate, yearSecs, yearSecs-1).String())
	assert.Equal(t, "1", streamedAmount(deposit, rate, yearSecs, yearSecs).String())
	assert.Equal(t, "1", streamedAmount(deposit, rate, yearSecs, yearSecs+500).String())
}

func TestStreamedAmountFloorsMidWindow(t *testing.T) {
	// 10 units over 3 seconds: 3, 6, then the full 10 at the end.
	deposit := big.NewInt(10)
	rate := computeScaledRate(deposit, 3)

	assert.Equal(t, "0", streamedAmount(deposit, rate, 3, 0).String())
	assert.Equal(t, "3", streamedAmount(deposit, rate, 3, 1).String())
	assert.Equal(t, "6", streamedAmount(deposit, rate, 3, 2).String())
	assert.Equal(t, "10", streamedAmount(deposit, rate, 3, 3).String())
}

func TestStreamedAmountNeverNegativeNorAboveDeposit(t *testing.T) {
	deposit := big.NewInt(100)
	rate := computeScaledRate(deposit, 10)

	assert.Equal(t, "0", streamedAmount(deposit, rate, 10, -5).String())

	// An inflated rate still clamps to the deposit.
	inflated := new(big.Int).Mul(rate, big.NewInt(3))
	assert.Equal(t, "100", streamedAmount(deposit, inflated, 10, 9).String())
}

func TestExtensionSecs(t *testing.T) {
	// Rate of exactly one unit per second.
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	assert.Equal(t, int64(5), extensionSecs(big.NewInt(5), one))

	// ceil: 1 unit at 0.3 units/sec needs 4 seconds, not 3.
	rate := new(big.Int).Div(new(big.Int).Mul(big.NewInt(3), one), big.NewInt(10))
	assert.Equal(t, int64(4), extensionSecs(big.NewInt(1), rate))
}
