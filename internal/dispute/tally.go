package dispute

import (
	"math/big"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

// tally decides a round's outcome from its ballots. Assisted-tier rounds are
// decided by head count; community-tier rounds by stake x trust weight. A tie
// or an empty round falls back to the advisory ruling when one exists, and
// otherwise to the refund side, which returns funds to the paying party.
func tally(d *model.Dispute, votes []model.Vote) model.DisputeOutcome {
	forClient := new(big.Int)
	forProvider := new(big.Int)
	one := big.NewInt(1)

	for _, v := range votes {
		if !v.Cast() {
			continue
		}
		w := one
		if d.Tier == model.TierCommunity {
			parsed, err := model.ParseAmount(v.Weight)
			if err != nil || parsed.Sign() <= 0 {
				parsed = one
			}
			w = parsed
		}
		switch v.Choice {
		case model.OutcomeForClient:
			forClient.Add(forClient, w)
		case model.OutcomeForProvider:
			forProvider.Add(forProvider, w)
		}
	}

	switch forClient.Cmp(forProvider) {
	case 1:
		return model.OutcomeForClient
	case -1:
		return model.OutcomeForProvider
	}
	if d.PreliminaryRuling == model.OutcomeForClient || d.PreliminaryRuling == model.OutcomeForProvider {
		return d.PreliminaryRuling
	}
	return model.OutcomeForClient
}

// splitVotes partitions the cast ballots into the side that carried the
// outcome and the side that lost. Uncast ballots belong to neither.
func splitVotes(votes []model.Vote, outcome model.DisputeOutcome) (majority, minority []model.Vote) {
	for _, v := range votes {
		if !v.Cast() {
			continue
		}
		if v.Choice == outcome {
			majority = append(majority, v)
		} else {
			minority = append(minority, v)
		}
	}
	return majority, minority
}
