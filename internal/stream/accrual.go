package stream

import "math/big"

// Accrual math. The per-second rate is stored scaled by 10^18 so that small
// deposits over long windows never truncate to zero: a naive integer
// deposit/duration rate loses the whole deposit for e.g. 1 unit over a year.
// The informational RatePerSecond field is truncated and never used here.

// rateMultiplier is the fixed-point scale of Stream.ScaledRate.
var rateMultiplier = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// computeScaledRate returns deposit * 10^18 / durationSecs, floored.
func computeScaledRate(deposit *big.Int, durationSecs int64) *big.Int {
	scaled := new(big.Int).Mul(deposit, rateMultiplier)
	return scaled.Quo(scaled, big.NewInt(durationSecs))
}

// truncatedRate is the display-only rate per second.
func truncatedRate(deposit *big.Int, durationSecs int64) *big.Int {
	return new(big.Int).Quo(deposit, big.NewInt(durationSecs))
}

// streamedAmount returns the amount accrued after elapsed effective seconds.
// Exactness at the end of the window is structural: once elapsed reaches the
// duration the full deposit is returned, so flooring mid-window can never
// strand sub-unit remainders.
func streamedAmount(deposit, scaledRate *big.Int, durationSecs, elapsedSecs int64) *big.Int {
	if elapsedSecs <= 0 {
		return new(big.Int)
	}
	if elapsedSecs >= durationSecs {
		return new(big.Int).Set(deposit)
	}
	accrued := new(big.Int).Mul(scaledRate, big.NewInt(elapsedSecs))
	accrued.Quo(accrued, rateMultiplier)
	if accrued.Cmp(deposit) > 0 {
		accrued.Set(deposit)
	}
	return accrued
}

// extensionSecs returns how many seconds the accrual window must grow to
// cover added units at the existing scaled rate: ceil(added * 10^18 / rate).
func extensionSecs(added, scaledRate *big.Int) int64 {
	num := new(big.Int).Mul(added, rateMultiplier)
	quo, rem := new(big.Int).QuoRem(num, scaledRate, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo.Int64()
}
