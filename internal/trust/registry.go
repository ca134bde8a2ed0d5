// Package trust implements the trust registry: agent identity, the composite
// trust score, stake custody with a withdrawal cooldown, and the bounded
// endorsement graph.
package trust

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/agoramesh-ai/settlement/internal/cache"
	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/metrics"
	"github.com/agoramesh-ai/settlement/internal/store"
)

// Params are the scoring and staking constants of the registry.
type Params struct {
	// ReferenceStake saturates the stake factor; ReferenceVolume saturates
	// the volume factor of the reputation component.
	ReferenceStake  *big.Int
	ReferenceVolume *big.Int
	// StakeToken denominates collateral.
	StakeToken string
	// WithdrawCooldown is the delay between requesting and executing a stake
	// withdrawal.
	WithdrawCooldown time.Duration
	ScoreCacheSize   int
	ScoreCacheTTL    time.Duration
}

// DefaultParams returns production constants: 7-day cooldown, references of
// 10^21 base units.
func DefaultParams() Params {
	ref := new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
	return Params{
		ReferenceStake:   ref,
		ReferenceVolume:  new(big.Int).Set(ref),
		StakeToken:       "credit",
		WithdrawCooldown: 7 * 24 * time.Hour,
		ScoreCacheSize:   8192,
		ScoreCacheTTL:    30 * time.Second,
	}
}

// Engine is the trust registry. All mutations run as single atomic
// transactions; every precondition is re-validated against current state
// inside the transaction.
type Engine struct {
	db      store.TxRunner
	agents  store.AgentRepository
	trust   store.TrustRepository
	ledger  *custody.Ledger
	journal store.EventRepository
	pub     events.Publisher
	scores  *cache.LRU[string, int64]
	params  Params
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates a trust registry engine.
func New(
	db store.TxRunner,
	agents store.AgentRepository,
	trustRepo store.TrustRepository,
	ledger *custody.Ledger,
	journal store.EventRepository,
	pub events.Publisher,
	params Params,
	logger *slog.Logger,
) *Engine {
	if params.ScoreCacheSize <= 0 {
		params.ScoreCacheSize = 8192
	}
	if params.ScoreCacheTTL <= 0 {
		params.ScoreCacheTTL = 30 * time.Second
	}
	return &Engine{
		db:      db,
		agents:  agents,
		trust:   trustRepo,
		ledger:  ledger,
		journal: journal,
		pub:     pub,
		scores:  cache.NewLRU[string, int64](params.ScoreCacheSize, params.ScoreCacheTTL),
		params:  params,
		logger:  logger.With("component", "trust"),
		nowFn:   time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.nowFn = fn }

// RegisterAgent creates an identity and its empty trust record. One agent per
// owning principal.
func (e *Engine) RegisterAgent(ctx context.Context, owner, did, metadataCID string) (*model.Agent, error) {
	if err := model.ValidateDID(did); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("owner: %w", fault.MalformedDID)
	}

	now := e.nowFn()
	agent := &model.Agent{
		DID:         did,
		Owner:       owner,
		MetadataCID: metadataCID,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		if existing, err := e.agents.GetTx(ctx, tx, did); err != nil {
			return err
		} else if existing != nil {
			return fault.AgentExists
		}
		if existing, err := e.agents.GetByOwnerTx(ctx, tx, owner); err != nil {
			return err
		} else if existing != nil {
			return fault.AgentExists
		}

		if err := e.agents.CreateTx(ctx, tx, agent); err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		rec := &model.TrustRecord{
			DID:                   did,
			TotalVolume:           "0",
			StakedAmount:          "0",
			PendingWithdrawAmount: "0",
			LastActivityAt:        now,
			UpdatedAt:             now,
		}
		if err := e.trust.CreateTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("create trust record: %w", err)
		}
		return e.append(ctx, tx, model.EventAgentRegistered, did, map[string]string{"owner": owner}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.AgentsRegistered.Inc()
	e.logger.Info("agent registered", "did", did, "owner", owner)
	return agent, nil
}

// UpdateMetadata replaces the agent's capability descriptor CID.
func (e *Engine) UpdateMetadata(ctx context.Context, caller, did, metadataCID string) error {
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.ownedAgentTx(ctx, tx, caller, did)
		if err != nil {
			return err
		}
		agent.MetadataCID = metadataCID
		agent.UpdatedAt = e.nowFn()
		return e.agents.UpdateTx(ctx, tx, agent)
	})
}

// Deactivate retires the agent. The record is kept; only the flag flips.
func (e *Engine) Deactivate(ctx context.Context, caller, did string) error {
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.ownedAgentTx(ctx, tx, caller, did)
		if err != nil {
			return err
		}
		if !agent.IsActive {
			return fault.AgentInactive
		}
		agent.IsActive = false
		agent.UpdatedAt = now
		if err := e.agents.UpdateTx(ctx, tx, agent); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventAgentDeactivated, did, nil, now)
	})
	if err == nil {
		e.scores.Remove(did)
	}
	return err
}

// RecordTransaction reports a completed off-chain task. Settlement-oracle
// role only.
func (e *Engine) RecordTransaction(ctx context.Context, as model.Role, did, volume string, successful bool) error {
	if !as.Allowed(model.OpRecordTransaction) {
		return fault.NotOracle
	}
	vol, err := model.ParseAmount(volume)
	if err != nil {
		return err
	}

	now := e.nowFn()
	err = e.db.RunTx(ctx, func(tx *sql.Tx) error {
		rec, err := e.trustRecordTx(ctx, tx, did)
		if err != nil {
			return err
		}
		total, err := model.ParseAmount(rec.TotalVolume)
		if err != nil {
			return fmt.Errorf("stored volume: %w", err)
		}

		rec.TotalTransactions++
		if successful {
			rec.SuccessfulTransactions++
		}
		rec.TotalVolume = model.AddAmounts(total, vol).String()
		rec.LastActivityAt = now
		rec.UpdatedAt = now
		if err := e.trust.UpdateTx(ctx, tx, rec); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventTransactionRecorded, did, map[string]any{
			"volume":     volume,
			"successful": successful,
		}, now)
	})
	if err != nil {
		return err
	}

	metrics.TransactionsRecorded.WithLabelValues(fmt.Sprintf("%t", successful)).Inc()
	e.scores.Remove(did)
	return nil
}

// DepositStake moves collateral from the owner's custody account into the
// agent's stake account.
func (e *Engine) DepositStake(ctx context.Context, caller, did, amount string) error {
	amt, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return err
	}

	now := e.nowFn()
	err = e.db.RunTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.ownedAgentTx(ctx, tx, caller, did)
		if err != nil {
			return err
		}
		rec, err := e.trustRecordTx(ctx, tx, did)
		if err != nil {
			return err
		}
		staked, err := model.ParseAmount(rec.StakedAmount)
		if err != nil {
			return fmt.Errorf("stored stake: %w", err)
		}

		if err := e.ledger.TransferTx(ctx, tx, agent.Owner, custody.StakeAccount(did), e.params.StakeToken, amt); err != nil {
			return err
		}
		rec.StakedAmount = model.AddAmounts(staked, amt).String()
		rec.UpdatedAt = now
		if err := e.trust.UpdateTx(ctx, tx, rec); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventStakeDeposited, did, map[string]string{"amount": amount}, now)
	})
	if err != nil {
		return err
	}
	e.scores.Remove(did)
	return nil
}

// RequestWithdraw starts the withdrawal cooldown for up to the staked amount.
// A repeated request replaces the pending one and restarts the clock.
func (e *Engine) RequestWithdraw(ctx context.Context, caller, did, amount string) error {
	amt, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return err
	}

	now := e.nowFn()
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.ownedAgentTx(ctx, tx, caller, did); err != nil {
			return err
		}
		rec, err := e.trustRecordTx(ctx, tx, did)
		if err != nil {
			return err
		}
		staked, err := model.ParseAmount(rec.StakedAmount)
		if err != nil {
			return fmt.Errorf("stored stake: %w", err)
		}
		if staked.Cmp(amt) < 0 {
			return fault.InsufficientStake
		}

		rec.PendingWithdrawAmount = amt.String()
		rec.StakeWithdrawRequestAt = now
		rec.UpdatedAt = now
		return e.trust.UpdateTx(ctx, tx, rec)
	})
}

// ExecuteWithdraw releases the pending withdrawal after the cooldown. The
// amount is re-clamped to the current stake because slashes may have landed
// during the cooldown.
func (e *Engine) ExecuteWithdraw(ctx context.Context, caller, did string) (string, error) {
	now := e.nowFn()
	var withdrawn string

	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.ownedAgentTx(ctx, tx, caller, did)
		if err != nil {
			return err
		}
		rec, err := e.trustRecordTx(ctx, tx, did)
		if err != nil {
			return err
		}
		if !rec.HasPendingWithdraw() {
			return fault.NoPendingWithdraw
		}
		if now.Before(rec.StakeWithdrawRequestAt.Add(e.params.WithdrawCooldown)) {
			return fault.CooldownActive
		}

		staked, err := model.ParseAmount(rec.StakedAmount)
		if err != nil {
			return fmt.Errorf("stored stake: %w", err)
		}
		pending, err := model.ParseAmount(rec.PendingWithdrawAmount)
		if err != nil {
			return fmt.Errorf("stored pending withdrawal: %w", err)
		}
		amount := model.MinAmount(pending, staked)

		if err := e.ledger.TransferTx(ctx, tx, custody.StakeAccount(did), agent.Owner, e.params.StakeToken, amount); err != nil {
			return err
		}
		rec.StakedAmount = model.SubAmounts(staked, amount).String()
		rec.PendingWithdrawAmount = "0"
		rec.StakeWithdrawRequestAt = time.Time{}
		rec.UpdatedAt = now
		if err := e.trust.UpdateTx(ctx, tx, rec); err != nil {
			return err
		}
		withdrawn = amount.String()
		return e.append(ctx, tx, model.EventStakeWithdrawn, did, map[string]string{"amount": withdrawn}, now)
	})
	if err != nil {
		return "", err
	}
	e.scores.Remove(did)
	return withdrawn, nil
}

// Slash forcibly reduces an agent's stake, moving it to the treasury.
// Privileged: arbiter or settlement-oracle role.
func (e *Engine) Slash(ctx context.Context, as model.Role, did, amount, reason string) error {
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		return e.SlashTx(ctx, tx, as, did, amount, reason)
	})
}

// SlashTx is the transactional form of Slash, composed by the dispute engine
// so that slashing commits atomically with dispute resolution.
func (e *Engine) SlashTx(ctx context.Context, tx *sql.Tx, as model.Role, did, amount, reason string) error {
	if !as.Allowed(model.OpSlash) {
		return fault.NotArbiter
	}
	amt, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return err
	}

	rec, err := e.trustRecordTx(ctx, tx, did)
	if err != nil {
		return err
	}
	staked, err := model.ParseAmount(rec.StakedAmount)
	if err != nil {
		return fmt.Errorf("stored stake: %w", err)
	}
	if staked.Cmp(amt) < 0 {
		return fault.InsufficientStake
	}

	if err := e.ledger.TransferTx(ctx, tx, custody.StakeAccount(did), custody.TreasuryAccount, e.params.StakeToken, amt); err != nil {
		return err
	}

	now := e.nowFn()
	remaining := model.SubAmounts(staked, amt)
	rec.StakedAmount = remaining.String()
	// A pending withdrawal may not exceed the remaining stake.
	if rec.HasPendingWithdraw() {
		pending, err := model.ParseAmount(rec.PendingWithdrawAmount)
		if err == nil && pending.Cmp(remaining) > 0 {
			rec.PendingWithdrawAmount = remaining.String()
		}
	}
	rec.UpdatedAt = now
	if err := e.trust.UpdateTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := e.append(ctx, tx, model.EventStakeSlashed, did, map[string]string{
		"amount": amount,
		"reason": reason,
	}, now); err != nil {
		return err
	}

	metrics.StakeSlashes.WithLabelValues(reason).Inc()
	e.scores.Remove(did)
	e.logger.Warn("stake slashed", "did", did, "amount", amount, "reason", reason)
	return nil
}

// RecordDisputeOutcomeTx applies a resolved dispute to both parties' trust
// records. Arbiter role only; runs inside the dispute resolution transaction.
func (e *Engine) RecordDisputeOutcomeTx(ctx context.Context, tx *sql.Tx, as model.Role, winnerDID, loserDID string) error {
	if !as.Allowed(model.OpDisputeOutcome) {
		return fault.NotArbiter
	}
	now := e.nowFn()

	winner, err := e.trustRecordTx(ctx, tx, winnerDID)
	if err != nil {
		return err
	}
	loser, err := e.trustRecordTx(ctx, tx, loserDID)
	if err != nil {
		return err
	}

	winner.DisputesWon++
	winner.LastActivityAt = now
	winner.UpdatedAt = now
	loser.DisputesLost++
	loser.LastActivityAt = now
	loser.UpdatedAt = now

	if err := e.trust.UpdateTx(ctx, tx, winner); err != nil {
		return err
	}
	if err := e.trust.UpdateTx(ctx, tx, loser); err != nil {
		return err
	}

	e.scores.Remove(winnerDID)
	e.scores.Remove(loserDID)
	return nil
}

// RewardJurorTx credits a majority juror with a successful zero-volume
// transaction, bumping reputation. Arbiter role only.
func (e *Engine) RewardJurorTx(ctx context.Context, tx *sql.Tx, as model.Role, did string) error {
	if !as.Allowed(model.OpDisputeOutcome) {
		return fault.NotArbiter
	}
	rec, err := e.trustRecordTx(ctx, tx, did)
	if err != nil {
		return err
	}
	now := e.nowFn()
	rec.TotalTransactions++
	rec.SuccessfulTransactions++
	rec.LastActivityAt = now
	rec.UpdatedAt = now
	if err := e.trust.UpdateTx(ctx, tx, rec); err != nil {
		return err
	}
	e.scores.Remove(did)
	return nil
}

// Endorse records a directed trust vouch. Self-endorsement is rejected; both
// parties must be registered and the endorsee active.
func (e *Engine) Endorse(ctx context.Context, caller, endorserDID, endorseeDID, message string) error {
	if endorserDID == endorseeDID {
		return fault.SelfEndorsement
	}

	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		endorser, err := e.ownedAgentTx(ctx, tx, caller, endorserDID)
		if err != nil {
			return err
		}
		if !endorser.IsActive {
			return fault.AgentInactive
		}
		endorsee, err := e.agents.GetTx(ctx, tx, endorseeDID)
		if err != nil {
			return err
		}
		if endorsee == nil {
			return fault.AgentNotRegistered
		}
		if !endorsee.IsActive {
			return fault.AgentInactive
		}

		if err := e.trust.InsertEndorsementTx(ctx, tx, &model.Endorsement{
			EndorserDID: endorserDID,
			EndorseeDID: endorseeDID,
			Message:     message,
			Active:      true,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventEndorsed, endorseeDID, map[string]string{
			"endorser": endorserDID,
		}, now)
	})
	if err != nil {
		return err
	}
	e.scores.Remove(endorseeDID)
	return nil
}

// RevokeEndorsement deactivates the most recent active endorsement on the
// edge. History is preserved.
func (e *Engine) RevokeEndorsement(ctx context.Context, caller, endorserDID, endorseeDID string) error {
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.ownedAgentTx(ctx, tx, caller, endorserDID); err != nil {
			return err
		}
		revoked, err := e.trust.RevokeEndorsementTx(ctx, tx, endorserDID, endorseeDID, now.Unix())
		if err != nil {
			return err
		}
		if !revoked {
			return fault.EndorsementMissing
		}
		return e.append(ctx, tx, model.EventEndorsementRevoked, endorseeDID, map[string]string{
			"endorser": endorserDID,
		}, now)
	})
	if err != nil {
		return err
	}
	e.scores.Remove(endorseeDID)
	return nil
}

// --- queries ---

// GetAgent returns the identity record, or nil if unregistered.
func (e *Engine) GetAgent(ctx context.Context, did string) (*model.Agent, error) {
	return e.agents.Get(ctx, did)
}

// IsAgentActive reports whether did resolves to an active agent.
func (e *Engine) IsAgentActive(ctx context.Context, did string) (bool, error) {
	agent, err := e.agents.Get(ctx, did)
	if err != nil {
		return false, err
	}
	return agent != nil && agent.IsActive, nil
}

// TrustScore returns the composite 0..10000 score. Unregistered agents score
// zero; results are cached briefly and invalidated by every trust mutation.
func (e *Engine) TrustScore(ctx context.Context, did string) (int64, error) {
	if score, ok := e.scores.Get(did); ok {
		metrics.ScoreCacheHits.Inc()
		return score, nil
	}

	details, err := e.TrustDetails(ctx, did)
	if err != nil {
		return 0, err
	}
	e.scores.Put(did, details.Score)
	return details.Score, nil
}

// TrustDetails computes the score and its components, uncached.
func (e *Engine) TrustDetails(ctx context.Context, did string) (*model.TrustDetails, error) {
	metrics.ScoreComputations.Inc()

	rec, err := e.trust.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &model.TrustDetails{DID: did, TotalVolume: "0", StakedAmount: "0"}, nil
	}

	now := e.nowFn()
	rep := reputationFactor(rec, e.params.ReferenceVolume, now)

	staked, err := model.ParseAmount(rec.StakedAmount)
	if err != nil {
		return nil, fmt.Errorf("stored stake: %w", err)
	}
	stake := stakeFactor(staked, e.params.ReferenceStake)

	endorse, err := e.endorsementFactor(ctx, did, now)
	if err != nil {
		return nil, err
	}

	return &model.TrustDetails{
		DID:                    did,
		Score:                  compositeScore(rep, stake, endorse),
		ReputationComponent:    componentScale(rep),
		StakeComponent:         componentScale(stake),
		EndorsementComponent:   componentScale(endorse),
		TotalTransactions:      rec.TotalTransactions,
		SuccessfulTransactions: rec.SuccessfulTransactions,
		TotalVolume:            rec.TotalVolume,
		StakedAmount:           rec.StakedAmount,
		DisputesWon:            rec.DisputesWon,
		DisputesLost:           rec.DisputesLost,
	}, nil
}

// endorsementFactor walks the endorsement graph breadth-first from the
// subject, up to maxEndorsementHops hops. Each endorser contributes its own
// reputation decayed 10% per hop; a node is visited at most once per
// traversal, so cycles terminate. The sum is capped at 1.
func (e *Engine) endorsementFactor(ctx context.Context, did string, now time.Time) (float64, error) {
	type node struct {
		did string
		hop int
	}

	visited := map[string]bool{did: true}
	queue := []node{{did: did, hop: 0}}
	sum := 0.0

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.hop >= maxEndorsementHops {
			continue
		}

		endorsements, err := e.trust.ActiveEndorsements(ctx, n.did, endorsementCap)
		if err != nil {
			return 0, fmt.Errorf("endorsements of %s: %w", n.did, err)
		}
		for _, en := range endorsements {
			if visited[en.EndorserDID] {
				continue
			}
			visited[en.EndorserDID] = true
			hop := n.hop + 1

			rec, err := e.trust.Get(ctx, en.EndorserDID)
			if err != nil {
				return 0, err
			}
			if rec != nil {
				sum += reputationFactor(rec, e.params.ReferenceVolume, now) * math.Pow(1-hopDecay, float64(hop))
			}
			queue = append(queue, node{did: en.EndorserDID, hop: hop})
		}
	}

	return clamp01(sum), nil
}

// GetTrustRecordTx exposes a locked trust record read for sibling engines
// (juror eligibility re-validation inside dispute transactions).
func (e *Engine) GetTrustRecordTx(ctx context.Context, tx *sql.Tx, did string) (*model.TrustRecord, error) {
	return e.trust.GetTx(ctx, tx, did)
}

// StakeToken returns the collateral denomination.
func (e *Engine) StakeToken() string { return e.params.StakeToken }

// --- helpers ---

// ownedAgentTx loads the agent and verifies the caller owns it.
func (e *Engine) ownedAgentTx(ctx context.Context, tx *sql.Tx, caller, did string) (*model.Agent, error) {
	agent, err := e.agents.GetTx(ctx, tx, did)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fault.AgentNotRegistered
	}
	if agent.Owner != caller {
		return nil, fault.NotAgentOwner
	}
	return agent, nil
}

// trustRecordTx loads the trust record, failing for unregistered agents.
func (e *Engine) trustRecordTx(ctx context.Context, tx *sql.Tx, did string) (*model.TrustRecord, error) {
	rec, err := e.trust.GetTx(ctx, tx, did)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fault.AgentNotRegistered
	}
	return rec, nil
}

func (e *Engine) append(ctx context.Context, tx *sql.Tx, kind model.EventKind, entityID string, payload any, at time.Time) error {
	ev := model.NewEvent(kind, entityID, payload, at)
	if err := e.journal.AppendTx(ctx, tx, &ev); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if e.pub != nil {
		// The journal row is authoritative; a publish on a transaction that
		// later rolls back is only a spurious notification.
		e.pub.Publish(ctx, ev)
	}
	return nil
}
