package trust

import (
	"math"
	"math/big"
	"time"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

// ScoreScale is the fixed integer scale of the composite trust score.
const ScoreScale = 10000

// Composite score weights.
const (
	weightReputation  = 0.50
	weightStake       = 0.30
	weightEndorsement = 0.20
)

const (
	// Reputation decays 5% per elapsed 14-day period of inactivity, compounding.
	decayPerPeriod = 0.05
	decayPeriod    = 14 * 24 * time.Hour

	// Each dispute lost removes 10% of reputation, floored at zero.
	disputeLossPenalty = 0.10

	// Endorsement contributions lose 10% per hop of graph distance.
	hopDecay = 0.10

	// maxEndorsementHops bounds the breadth-first traversal; the endorsement
	// graph may contain cycles, so the visited set plus this cap guarantee
	// termination.
	maxEndorsementHops = 3

	// endorsementCap is the number of most recent active endorsements per
	// endorsee considered in scoring.
	endorsementCap = 10
)

// reputationFactor computes the normalized [0,1] reputation component:
// success rate, scaled by a capped logarithmic volume factor, an inactivity
// decay factor and the dispute-loss penalty.
func reputationFactor(rec *model.TrustRecord, refVolume *big.Int, now time.Time) float64 {
	if rec == nil || rec.TotalTransactions == 0 {
		return 0
	}

	successRate := float64(rec.SuccessfulTransactions) / float64(rec.TotalTransactions)

	volume, ok := new(big.Int).SetString(rec.TotalVolume, 10)
	if !ok {
		volume = new(big.Int)
	}
	vf := volumeFactor(volume, refVolume)

	periods := int64(0)
	if now.After(rec.LastActivityAt) {
		periods = int64(now.Sub(rec.LastActivityAt) / decayPeriod)
	}
	recency := math.Pow(1-decayPerPeriod, float64(periods))

	disputes := 1 - disputeLossPenalty*float64(rec.DisputesLost)
	if disputes < 0 {
		disputes = 0
	}

	return clamp01(successRate * vf * recency * disputes)
}

// volumeFactor maps cumulative volume to [0,1] logarithmically, saturating at
// the reference volume.
func volumeFactor(volume, refVolume *big.Int) float64 {
	if volume.Sign() <= 0 {
		return 0
	}
	if refVolume == nil || refVolume.Sign() <= 0 || volume.Cmp(refVolume) >= 0 {
		return 1
	}
	v := bigToFloat(volume)
	ref := bigToFloat(refVolume)
	return clamp01(math.Log10(1+v) / math.Log10(1+ref))
}

// stakeFactor is min(1, sqrt(staked/reference)): diminishing returns above
// the reference stake, zero without any stake.
func stakeFactor(staked, refStake *big.Int) float64 {
	if staked == nil || staked.Sign() <= 0 {
		return 0
	}
	if refStake == nil || refStake.Sign() <= 0 || staked.Cmp(refStake) >= 0 {
		return 1
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(staked), new(big.Float).SetInt(refStake))
	r, _ := ratio.Float64()
	return clamp01(math.Sqrt(r))
}

// compositeScore assembles the weighted components into the 0..ScoreScale range.
func compositeScore(reputation, stake, endorsement float64) int64 {
	total := weightReputation*reputation + weightStake*stake + weightEndorsement*endorsement
	score := int64(math.Round(clamp01(total) * ScoreScale))
	if score > ScoreScale {
		score = ScoreScale
	}
	return score
}

// componentScale renders one normalized component on the score scale.
func componentScale(f float64) int64 {
	return int64(math.Round(clamp01(f) * ScoreScale))
}

func clamp01(f float64) float64 {
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// bigToFloat converts for logarithmic scaling only; overflow to +Inf is fine
// because every consumer clamps to [0,1].
func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
