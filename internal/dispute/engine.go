// Package dispute implements tiered arbitration over escrows and streams.
// Low-value disputes resolve by objective rules, mid-value disputes get an
// advisory oracle ruling plus a small juror panel, and high-value disputes go
// to a stake-weighted community panel with sealed ballots. Resolution settles
// the disputed record, distributes the arbitration fee to majority jurors,
// and slashes the minority, all in one transaction.
package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/escrow"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/metrics"
	"github.com/agoramesh-ai/settlement/internal/store"
	"github.com/agoramesh-ai/settlement/internal/stream"
	"github.com/agoramesh-ai/settlement/internal/trust"
	"github.com/google/uuid"
)

const (
	assistedPanel  = 3
	communityPanel = 5
	maxPanel       = 11
	feeDenominator = 10000
)

// Params govern tier routing, juror eligibility, and round economics.
type Params struct {
	// Tier1MaxAmount and Tier2MaxAmount are inclusive upper bounds, as
	// base-unit integer strings, routing disputes to tiers 1 and 2.
	Tier1MaxAmount string
	Tier2MaxAmount string
	// VotingWindow is how long a round accepts ballots.
	VotingWindow time.Duration
	// AppealWindow is how long a resolved, non-final round waits before it
	// can be finalized and settled.
	AppealWindow time.Duration
	// MaxAppealRounds is the last appealable round index; reaching it makes
	// resolution final immediately.
	MaxAppealRounds int
	// FeeBps is the arbitration fee in basis points of the disputed amount,
	// carved from the disputed record's custody.
	FeeBps int64
	// MinoritySlashBps is the stake fraction slashed from jurors who voted
	// against the final outcome, in basis points of the round's stake bar.
	MinoritySlashBps int64
	// MinJurorStake is the round-0 stake bar for panel eligibility; appeals
	// double it each round.
	MinJurorStake string
	// MinJurorScore is the minimum composite trust score for panel eligibility.
	MinJurorScore int64
	// DeliveryGrace is how long a confirmed delivery may sit unchallenged
	// before the automatic tier rules release in the provider's favor.
	DeliveryGrace time.Duration
}

// DefaultParams mirror the deployed tier thresholds: 100 and 10000 whole
// tokens at 18 decimals.
func DefaultParams() Params {
	return Params{
		Tier1MaxAmount:   "100000000000000000000",
		Tier2MaxAmount:   "10000000000000000000000",
		VotingWindow:     72 * time.Hour,
		AppealWindow:     48 * time.Hour,
		MaxAppealRounds:  2,
		FeeBps:           500,
		MinoritySlashBps: 1000,
		MinJurorStake:    "1000000000000000000000",
		MinJurorScore:    4000,
		DeliveryGrace:    72 * time.Hour,
	}
}

// Engine is the arbitration coordinator.
type Engine struct {
	db        store.TxRunner
	disputes  store.DisputeRepository
	agents    store.AgentRepository
	trustRepo store.TrustRepository
	escrows   store.EscrowRepository
	streams   store.StreamRepository
	trust     *trust.Engine
	escrowEng *escrow.Engine
	streamEng *stream.Engine
	ledger    *custody.Ledger
	journal   store.EventRepository
	pub       events.Publisher
	oracle    ArbiterOracle
	params    Params
	logger    *slog.Logger
	nowFn     func() time.Time
}

// New creates the arbitration engine.
func New(
	db store.TxRunner,
	disputes store.DisputeRepository,
	agents store.AgentRepository,
	trustRepo store.TrustRepository,
	escrows store.EscrowRepository,
	streams store.StreamRepository,
	trustEng *trust.Engine,
	escrowEng *escrow.Engine,
	streamEng *stream.Engine,
	ledger *custody.Ledger,
	journal store.EventRepository,
	pub events.Publisher,
	oracle ArbiterOracle,
	params Params,
	logger *slog.Logger,
) *Engine {
	if oracle == nil {
		oracle = NoopOracle{}
	}
	return &Engine{
		db:        db,
		disputes:  disputes,
		agents:    agents,
		trustRepo: trustRepo,
		escrows:   escrows,
		streams:   streams,
		trust:     trustEng,
		escrowEng: escrowEng,
		streamEng: streamEng,
		ledger:    ledger,
		journal:   journal,
		pub:       pub,
		oracle:    oracle,
		params:    params,
		logger:    logger.With("component", "dispute"),
		nowFn:     time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.nowFn = fn }

// refSnapshot is what tier routing needs from the disputed record.
type refSnapshot struct {
	clientDID   string
	providerDID string
	token       string
	amount      string
}

// OpenDispute initiates arbitration over an escrow or stream. The initiator
// must be a party. Automatic-tier disputes with a matching objective rule
// settle immediately; everything else gets a juror panel, freezes the
// disputed record, and opens a voting window.
func (e *Engine) OpenDispute(ctx context.Context, caller, initiatorDID string, kind model.DisputeRefKind, refID uuid.UUID, evidenceHash string) (*model.Dispute, error) {
	now := e.nowFn()

	// Reads and party checks first; panel selection and the oracle call need
	// trust scores and HTTP, which cannot happen inside the transaction.
	var snap *refSnapshot
	var activeDIDs []string
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		agent, err := e.agents.GetTx(ctx, tx, initiatorDID)
		if err != nil {
			return err
		}
		if agent == nil {
			return fault.AgentNotRegistered
		}
		if !agent.IsActive {
			return fault.AgentInactive
		}
		if agent.Owner != caller {
			return fault.NotAgentOwner
		}
		open, err := e.disputes.GetOpenByRefTx(ctx, tx, kind, refID)
		if err != nil {
			return err
		}
		if open != nil {
			return fault.DisputeExists
		}
		snap, err = e.refSnapshotTx(ctx, tx, kind, refID)
		if err != nil {
			return err
		}
		if initiatorDID != snap.clientDID && initiatorDID != snap.providerDID {
			return fault.NotParty
		}
		activeDIDs, err = e.agents.ListActiveDIDsTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	d := &model.Dispute{
		ID:             uuid.New(),
		RefKind:        kind,
		RefID:          refID,
		InitiatorDID:   initiatorDID,
		ClientDID:      snap.clientDID,
		ProviderDID:    snap.providerDID,
		Token:          snap.token,
		DisputedAmount: snap.amount,
		Tier:           e.tierFor(snap.amount),
		Outcome:        model.OutcomePending,
		CreatedAt:      now,
	}
	if initiatorDID == snap.clientDID {
		d.ClientEvidence = evidenceHash
	} else {
		d.ProviderEvidence = evidenceHash
	}

	if d.Tier == model.TierAutomatic {
		settled, err := e.tryAutomatic(ctx, d, now)
		if err != nil {
			return nil, err
		}
		if settled {
			metrics.DisputesOpened.WithLabelValues(tierLabel(d.Tier)).Inc()
			metrics.DisputesResolved.WithLabelValues(tierLabel(d.Tier), string(d.Outcome)).Inc()
			e.logger.Info("dispute auto-resolved", "id", d.ID, "ref", refID, "outcome", d.Outcome)
			return d, nil
		}
		// No objective rule applies; escalate to the assisted tier.
		d.Tier = model.TierAssisted
	}

	required := e.requiredStake(0)
	panel, err := e.buildPanel(ctx, d, activeDIDs, required, 0)
	if err != nil {
		return nil, err
	}

	if d.Tier == model.TierAssisted {
		if ruling, err := e.oracle.Evaluate(ctx, d); err != nil {
			e.logger.Warn("advisory oracle unavailable", "dispute", d.ID, "error", err)
		} else if ruling != nil {
			d.PreliminaryRuling = ruling.Outcome
			d.PreliminaryConfidence = ruling.Confidence
		}
	}
	d.VotingDeadline = now.Add(e.params.VotingWindow)

	err = e.db.RunTx(ctx, func(tx *sql.Tx) error {
		open, err := e.disputes.GetOpenByRefTx(ctx, tx, kind, refID)
		if err != nil {
			return err
		}
		if open != nil {
			return fault.DisputeExists
		}
		if err := e.revalidatePanelTx(ctx, tx, panel, required); err != nil {
			return err
		}
		if err := e.markDisputedTx(ctx, tx, d); err != nil {
			return err
		}
		if err := e.disputes.CreateTx(ctx, tx, d); err != nil {
			return fmt.Errorf("create dispute: %w", err)
		}
		if err := e.disputes.InsertVotesTx(ctx, tx, ballotsFor(d, 0, panel)); err != nil {
			return fmt.Errorf("insert ballots: %w", err)
		}
		return e.append(ctx, tx, model.EventDisputeOpened, d.ID, map[string]any{
			"ref_kind": kind,
			"ref_id":   refID.String(),
			"tier":     int(d.Tier),
			"jurors":   jurorDIDs(panel),
			"amount":   d.DisputedAmount,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesOpened.WithLabelValues(tierLabel(d.Tier)).Inc()
	e.logger.Info("dispute opened", "id", d.ID, "ref", refID, "tier", int(d.Tier), "jurors", len(panel))
	return d, nil
}

// SubmitEvidence attaches a party's evidence hash while the round's voting
// window is open. Resubmission replaces the previous hash.
func (e *Engine) SubmitEvidence(ctx context.Context, caller string, id uuid.UUID, evidenceHash string) error {
	now := e.nowFn()
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		d, err := e.disputeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Resolved {
			return fault.DisputeResolved
		}
		if !now.Before(d.VotingDeadline) {
			return fault.VotingClosed
		}

		side, err := e.partySideTx(ctx, tx, d, caller)
		if err != nil {
			return err
		}
		if side == d.ClientDID {
			d.ClientEvidence = evidenceHash
		} else {
			d.ProviderEvidence = evidenceHash
		}
		if err := e.disputes.UpdateTx(ctx, tx, d); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventDisputeEvidence, id, map[string]string{"party": side}, now)
	})
}

// CastVote records a juror's sealed ballot for the current round. The choice
// is stored but never journaled; tallies happen only after the window closes.
func (e *Engine) CastVote(ctx context.Context, caller string, id uuid.UUID, jurorDID string, choice model.DisputeOutcome) error {
	if choice != model.OutcomeForClient && choice != model.OutcomeForProvider {
		return fault.InvalidChoice
	}
	now := e.nowFn()
	var tier model.DisputeTier

	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		d, err := e.disputeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Resolved {
			return fault.DisputeResolved
		}
		if !now.Before(d.VotingDeadline) {
			return fault.VotingClosed
		}
		tier = d.Tier

		agent, err := e.agents.GetTx(ctx, tx, jurorDID)
		if err != nil {
			return err
		}
		if agent == nil || !agent.IsActive || agent.Owner != caller {
			return fault.NotJuror
		}
		v, err := e.disputes.GetVoteTx(ctx, tx, id, d.AppealRound, jurorDID)
		if err != nil {
			return err
		}
		if v == nil {
			return fault.NotJuror
		}
		if v.Cast() {
			return fault.AlreadyVoted
		}

		v.Choice = choice
		v.CastAt = now
		if err := e.disputes.UpdateVoteTx(ctx, tx, v); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventDisputeVoteCast, id, map[string]any{
			"juror": jurorDID,
			"round": d.AppealRound,
		}, now)
	})
	if err != nil {
		return err
	}

	metrics.DisputeVotesCast.WithLabelValues(tierLabel(tier)).Inc()
	return nil
}

// Resolve tallies the round once its voting window has closed. Anyone may
// call it. Rounds at the appeal limit settle immediately; earlier rounds
// record the outcome and wait out the appeal window.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID) (*model.Dispute, error) {
	now := e.nowFn()
	var d *model.Dispute

	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = e.disputeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Resolved {
			return fault.DisputeResolved
		}
		if now.Before(d.VotingDeadline) {
			return fault.VotingOpen
		}

		votes, err := e.disputes.VotesTx(ctx, tx, id, d.AppealRound)
		if err != nil {
			return err
		}
		d.Outcome = tally(d, votes)
		d.Resolved = true
		d.ResolvedAt = now
		if d.AppealRound >= e.params.MaxAppealRounds {
			if err := e.settleTx(ctx, tx, d, votes, now); err != nil {
				return err
			}
		}
		if err := e.disputes.UpdateTx(ctx, tx, d); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventDisputeResolved, id, map[string]any{
			"outcome": d.Outcome,
			"round":   d.AppealRound,
			"final":   d.Final,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesResolved.WithLabelValues(tierLabel(d.Tier), string(d.Outcome)).Inc()
	e.logger.Info("dispute round resolved", "id", id, "round", d.AppealRound, "outcome", d.Outcome, "final", d.Final)
	return d, nil
}

// Appeal reopens a resolved, non-final dispute with a doubled panel and a
// doubled juror stake bar. Only a party may appeal, and only while the
// appeal window is open. An appealed assisted-tier dispute escalates to the
// community tier.
func (e *Engine) Appeal(ctx context.Context, caller, appellantDID string, id uuid.UUID) (*model.Dispute, error) {
	now := e.nowFn()

	var d *model.Dispute
	var activeDIDs []string
	var base int
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		var err error
		d, err = e.disputeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.appealableTx(ctx, tx, d, caller, appellantDID, now); err != nil {
			return err
		}
		base = assistedPanel
		if d.Tier == model.TierCommunity {
			base = communityPanel
		}
		activeDIDs, err = e.agents.ListActiveDIDsTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	nextRound := d.AppealRound + 1
	required := e.requiredStake(nextRound)
	need := panelSize(base, nextRound)

	// Seed selection off the appealed dispute so re-selection for the same
	// round is reproducible.
	scratch := *d
	scratch.AppealRound = nextRound
	scratch.Tier = model.TierCommunity
	panel, err := e.buildPanelSized(ctx, &scratch, activeDIDs, required, nextRound, need)
	if err != nil {
		return nil, err
	}

	err = e.db.RunTx(ctx, func(tx *sql.Tx) error {
		d, err = e.disputeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.appealableTx(ctx, tx, d, caller, appellantDID, now); err != nil {
			return err
		}
		if err := e.revalidatePanelTx(ctx, tx, panel, required); err != nil {
			return err
		}

		d.AppealRound = nextRound
		d.Tier = model.TierCommunity
		d.Outcome = model.OutcomePending
		d.Resolved = false
		d.ResolvedAt = time.Time{}
		d.VotingDeadline = now.Add(e.params.VotingWindow)
		if err := e.disputes.UpdateTx(ctx, tx, d); err != nil {
			return err
		}
		if err := e.disputes.InsertVotesTx(ctx, tx, ballotsFor(d, nextRound, panel)); err != nil {
			return fmt.Errorf("insert ballots: %w", err)
		}
		return e.append(ctx, tx, model.EventDisputeAppealed, id, map[string]any{
			"appellant": appellantDID,
			"round":     nextRound,
			"jurors":    jurorDIDs(panel),
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputeAppeals.Inc()
	e.logger.Info("dispute appealed", "id", id, "round", nextRound, "jurors", len(panel))
	return d, nil
}

// Finalize settles a resolved dispute whose appeal window has elapsed with
// no appeal: the disputed record force-settles per the recorded outcome, the
// fee is distributed, and the minority is slashed. Anyone may call it.
func (e *Engine) Finalize(ctx context.Context, id uuid.UUID) error {
	now := e.nowFn()
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		d, err := e.disputeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !d.Resolved {
			return fault.DisputeUnresolved
		}
		if d.Final {
			return fault.DisputeFinal
		}
		if now.Before(d.ResolvedAt.Add(e.params.AppealWindow)) {
			return fault.AppealWindowOpen
		}

		votes, err := e.disputes.VotesTx(ctx, tx, id, d.AppealRound)
		if err != nil {
			return err
		}
		if err := e.settleTx(ctx, tx, d, votes, now); err != nil {
			return err
		}
		if err := e.disputes.UpdateTx(ctx, tx, d); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventDisputeResolved, id, map[string]any{
			"outcome": d.Outcome,
			"round":   d.AppealRound,
			"final":   true,
		}, now)
	})
}

// Get returns the dispute record, or DisputeNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.Dispute, error) {
	d, err := e.disputes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fault.DisputeNotFound
	}
	return d, nil
}

// --- internals ---

// tryAutomatic applies the objective rules for low-value escrow disputes in
// one transaction. Streams have no objective rules and always escalate.
func (e *Engine) tryAutomatic(ctx context.Context, d *model.Dispute, now time.Time) (bool, error) {
	if d.RefKind != model.RefEscrow {
		return false, nil
	}

	settled := false
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		esc, err := e.escrows.GetTx(ctx, tx, d.RefID)
		if err != nil {
			return err
		}
		if esc == nil {
			return fault.EscrowNotFound
		}
		outcome, ok := e.automaticRuling(esc, d.InitiatorDID, now)
		if !ok {
			return nil
		}

		if _, err := e.escrowEng.MarkDisputedTx(ctx, tx, d.RefID, d.InitiatorDID); err != nil {
			return err
		}
		d.Outcome = outcome
		d.Resolved = true
		d.ResolvedAt = now
		d.VotingDeadline = now
		if err := e.settleTx(ctx, tx, d, nil, now); err != nil {
			return err
		}
		if err := e.disputes.CreateTx(ctx, tx, d); err != nil {
			return fmt.Errorf("create dispute: %w", err)
		}
		settled = true
		if err := e.append(ctx, tx, model.EventDisputeOpened, d.ID, map[string]any{
			"ref_kind": d.RefKind,
			"ref_id":   d.RefID.String(),
			"tier":     int(d.Tier),
			"amount":   d.DisputedAmount,
		}, now); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventDisputeResolved, d.ID, map[string]any{
			"outcome": outcome,
			"round":   0,
			"final":   true,
		}, now)
	})
	return settled, err
}

// automaticRuling matches one of the objective rules, in order:
// undelivered work past the deadline refunds the client; a confirmed
// delivery with no verifiable output refunds the client; a delivery the
// client has left unchallenged past the grace period releases to the
// provider when the provider initiates.
func (e *Engine) automaticRuling(esc *model.Escrow, initiatorDID string, now time.Time) (model.DisputeOutcome, bool) {
	switch {
	case esc.State == model.EscrowFunded && now.After(esc.Deadline):
		return model.OutcomeForClient, true
	case esc.State == model.EscrowDelivered && esc.OutputHash == "":
		return model.OutcomeForClient, true
	case esc.State == model.EscrowDelivered && initiatorDID == esc.ProviderDID &&
		now.After(esc.DeliveredAt.Add(e.params.DeliveryGrace)):
		return model.OutcomeForProvider, true
	}
	return "", false
}

// settleTx executes the final outcome: carve the fee from the disputed
// record's custody, force-settle the record, pay majority jurors pro-rata by
// weight (remainder to the treasury), slash the minority, and record the
// party outcomes. Marks the dispute final; the caller persists it.
func (e *Engine) settleTx(ctx context.Context, tx *sql.Tx, d *model.Dispute, votes []model.Vote, now time.Time) error {
	fee := new(big.Int)
	if len(votes) > 0 {
		amount, err := model.ParseAmount(d.DisputedAmount)
		if err != nil {
			return fmt.Errorf("stored disputed amount: %w", err)
		}
		fee.Mul(amount, big.NewInt(e.params.FeeBps))
		fee.Quo(fee, big.NewInt(feeDenominator))

		bal, err := e.ledger.BalanceForUpdateTx(ctx, tx, d.RefCustodyAccount(), d.Token)
		if err != nil {
			return err
		}
		fee = model.MinAmount(fee, bal)
		if fee.Sign() > 0 {
			if err := e.ledger.TransferTx(ctx, tx, d.RefCustodyAccount(), d.FeeAccount(), d.Token, fee); err != nil {
				return err
			}
		}
	}

	switch d.RefKind {
	case model.RefEscrow:
		if err := e.escrowEng.ForceSettleTx(ctx, tx, model.RoleArbiter, d.RefID, d.Outcome); err != nil {
			return err
		}
	case model.RefStream:
		if err := e.streamEng.ForceSettleTx(ctx, tx, model.RoleArbiter, d.RefID, d.Outcome); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown dispute ref kind %q", d.RefKind)
	}

	majority, minority := splitVotes(votes, d.Outcome)
	if err := e.distributeFeeTx(ctx, tx, d, fee, majority); err != nil {
		return err
	}
	for _, v := range majority {
		if err := e.trust.RewardJurorTx(ctx, tx, model.RoleArbiter, v.JurorDID); err != nil {
			return err
		}
	}
	if err := e.slashMinorityTx(ctx, tx, d, minority); err != nil {
		return err
	}

	winner, loser := d.ClientDID, d.ProviderDID
	if d.Outcome == model.OutcomeForProvider {
		winner, loser = loser, winner
	}
	if err := e.trust.RecordDisputeOutcomeTx(ctx, tx, model.RoleArbiter, winner, loser); err != nil {
		return err
	}

	d.Final = true
	return nil
}

// distributeFeeTx splits the fee across majority jurors pro-rata by ballot
// weight; integer-division dust and the whole fee of an empty majority go to
// the treasury.
func (e *Engine) distributeFeeTx(ctx context.Context, tx *sql.Tx, d *model.Dispute, fee *big.Int, majority []model.Vote) error {
	if fee.Sign() <= 0 {
		return nil
	}

	totalWeight := new(big.Int)
	weights := make(map[string]*big.Int, len(majority))
	for _, v := range majority {
		w, err := model.ParseAmount(v.Weight)
		if err != nil || w.Sign() <= 0 {
			w = big.NewInt(1)
		}
		weights[v.JurorDID] = w
		totalWeight.Add(totalWeight, w)
	}

	distributed := new(big.Int)
	if totalWeight.Sign() > 0 {
		for _, v := range majority {
			share := new(big.Int).Mul(fee, weights[v.JurorDID])
			share.Quo(share, totalWeight)
			if share.Sign() <= 0 {
				continue
			}
			agent, err := e.agents.GetTx(ctx, tx, v.JurorDID)
			if err != nil {
				return err
			}
			if agent == nil {
				continue
			}
			if err := e.ledger.TransferTx(ctx, tx, d.FeeAccount(), agent.Owner, d.Token, share); err != nil {
				return err
			}
			distributed.Add(distributed, share)
		}
	}

	remainder := model.SubAmounts(fee, distributed)
	if remainder.Sign() > 0 {
		return e.ledger.TransferTx(ctx, tx, d.FeeAccount(), custody.TreasuryAccount, d.Token, remainder)
	}
	return nil
}

// slashMinorityTx slashes each losing juror a fixed fraction of their own
// current stake.
func (e *Engine) slashMinorityTx(ctx context.Context, tx *sql.Tx, d *model.Dispute, minority []model.Vote) error {
	if e.params.MinoritySlashBps <= 0 {
		return nil
	}

	for _, v := range minority {
		rec, err := e.trust.GetTrustRecordTx(ctx, tx, v.JurorDID)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		staked, err := model.ParseAmount(rec.StakedAmount)
		if err != nil {
			return fmt.Errorf("stored stake: %w", err)
		}
		amt := new(big.Int).Mul(staked, big.NewInt(e.params.MinoritySlashBps))
		amt.Quo(amt, big.NewInt(feeDenominator))
		if amt.Sign() <= 0 {
			continue
		}
		if err := e.trust.SlashTx(ctx, tx, model.RoleArbiter, v.JurorDID, amt.String(), "dispute_minority"); err != nil {
			return err
		}
	}
	return nil
}

// buildPanel selects the round's jurors outside any transaction: trust
// scores and stake reads come from the committed state, and the weights they
// produce are snapshotted into the ballots.
func (e *Engine) buildPanel(ctx context.Context, d *model.Dispute, activeDIDs []string, required *big.Int, round int) ([]candidate, error) {
	base := assistedPanel
	if d.Tier == model.TierCommunity {
		base = communityPanel
	}
	return e.buildPanelSized(ctx, d, activeDIDs, required, round, panelSize(base, round))
}

func (e *Engine) buildPanelSized(ctx context.Context, d *model.Dispute, activeDIDs []string, required *big.Int, round, need int) ([]candidate, error) {
	var candidates []candidate
	for _, did := range activeDIDs {
		if d.IsParty(did) {
			continue
		}
		rec, err := e.trustRepo.Get(ctx, did)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		staked, err := model.ParseAmount(rec.StakedAmount)
		if err != nil || staked.Cmp(required) < 0 {
			continue
		}
		score, err := e.trust.TrustScore(ctx, did)
		if err != nil {
			return nil, err
		}
		if score < e.params.MinJurorScore {
			continue
		}
		weight := new(big.Int).Mul(staked, big.NewInt(score))
		candidates = append(candidates, candidate{DID: did, Weight: weight})
	}
	if len(candidates) < need {
		return nil, fault.NoEligibleJurors
	}
	return selectPanel(candidates, need, panelSeed(d.ID, round)), nil
}

// revalidatePanelTx re-checks each selected juror against the locked state.
// Any juror that lost eligibility between selection and commit aborts the
// round rather than seating a thinner panel.
func (e *Engine) revalidatePanelTx(ctx context.Context, tx *sql.Tx, panel []candidate, required *big.Int) error {
	for _, c := range panel {
		agent, err := e.agents.GetTx(ctx, tx, c.DID)
		if err != nil {
			return err
		}
		if agent == nil || !agent.IsActive {
			return fault.NoEligibleJurors
		}
		rec, err := e.trust.GetTrustRecordTx(ctx, tx, c.DID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fault.NoEligibleJurors
		}
		staked, err := model.ParseAmount(rec.StakedAmount)
		if err != nil || staked.Cmp(required) < 0 {
			return fault.NoEligibleJurors
		}
	}
	return nil
}

func (e *Engine) markDisputedTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	switch d.RefKind {
	case model.RefEscrow:
		_, err := e.escrowEng.MarkDisputedTx(ctx, tx, d.RefID, d.InitiatorDID)
		return err
	case model.RefStream:
		_, err := e.streamEng.MarkDisputedTx(ctx, tx, d.RefID, d.InitiatorDID)
		return err
	}
	return fmt.Errorf("unknown dispute ref kind %q", d.RefKind)
}

func (e *Engine) refSnapshotTx(ctx context.Context, tx *sql.Tx, kind model.DisputeRefKind, refID uuid.UUID) (*refSnapshot, error) {
	switch kind {
	case model.RefEscrow:
		esc, err := e.escrows.GetTx(ctx, tx, refID)
		if err != nil {
			return nil, err
		}
		if esc == nil {
			return nil, fault.EscrowNotFound
		}
		if esc.State != model.EscrowFunded && esc.State != model.EscrowDelivered {
			return nil, fault.InvalidTransition
		}
		return &refSnapshot{
			clientDID:   esc.ClientDID,
			providerDID: esc.ProviderDID,
			token:       esc.Token,
			amount:      esc.Amount,
		}, nil
	case model.RefStream:
		st, err := e.streams.GetTx(ctx, tx, refID)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, fault.StreamNotFound
		}
		if st.Status != model.StreamActive && st.Status != model.StreamPaused {
			return nil, fault.StreamNotActive
		}
		deposit, err := model.ParseAmount(st.DepositAmount)
		if err != nil {
			return nil, fmt.Errorf("stored deposit: %w", err)
		}
		withdrawn, err := model.ParseAmount(st.WithdrawnAmount)
		if err != nil {
			return nil, fmt.Errorf("stored withdrawn: %w", err)
		}
		return &refSnapshot{
			clientDID:   st.SenderDID,
			providerDID: st.RecipientDID,
			token:       st.Token,
			amount:      model.SubAmounts(deposit, withdrawn).String(),
		}, nil
	}
	return nil, fmt.Errorf("unknown dispute ref kind %q", kind)
}

// appealableTx is the shared guard for both phases of Appeal.
func (e *Engine) appealableTx(ctx context.Context, tx *sql.Tx, d *model.Dispute, caller, appellantDID string, now time.Time) error {
	if !d.Resolved {
		return fault.DisputeUnresolved
	}
	if d.Final {
		return fault.DisputeFinal
	}
	if !now.Before(d.ResolvedAt.Add(e.params.AppealWindow)) {
		return fault.AppealWindowOver
	}
	if d.AppealRound >= e.params.MaxAppealRounds {
		return fault.AppealExhausted
	}
	if !d.IsParty(appellantDID) {
		return fault.NotParty
	}
	agent, err := e.agents.GetTx(ctx, tx, appellantDID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fault.AgentNotRegistered
	}
	if agent.Owner != caller {
		return fault.NotAgentOwner
	}
	return nil
}

// partySideTx resolves which party DID the caller address controls.
func (e *Engine) partySideTx(ctx context.Context, tx *sql.Tx, d *model.Dispute, caller string) (string, error) {
	for _, did := range []string{d.ClientDID, d.ProviderDID} {
		agent, err := e.agents.GetTx(ctx, tx, did)
		if err != nil {
			return "", err
		}
		if agent != nil && agent.Owner == caller {
			return did, nil
		}
	}
	return "", fault.NotParty
}

func (e *Engine) disputeTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Dispute, error) {
	d, err := e.disputes.GetTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fault.DisputeNotFound
	}
	return d, nil
}

func (e *Engine) tierFor(amount string) model.DisputeTier {
	amt, err := model.ParseAmount(amount)
	if err != nil {
		return model.TierCommunity
	}
	if t1, err := model.ParseAmount(e.params.Tier1MaxAmount); err == nil && amt.Cmp(t1) <= 0 {
		return model.TierAutomatic
	}
	if t2, err := model.ParseAmount(e.params.Tier2MaxAmount); err == nil && amt.Cmp(t2) <= 0 {
		return model.TierAssisted
	}
	return model.TierCommunity
}

// requiredStake is the juror stake bar for a round: the configured minimum,
// doubled per appeal.
func (e *Engine) requiredStake(round int) *big.Int {
	min, err := model.ParseAmount(e.params.MinJurorStake)
	if err != nil {
		min = new(big.Int)
	}
	return new(big.Int).Lsh(min, uint(round))
}

func (e *Engine) append(ctx context.Context, tx *sql.Tx, kind model.EventKind, id uuid.UUID, payload any, at time.Time) error {
	ev := model.NewEvent(kind, id.String(), payload, at)
	if err := e.journal.AppendTx(ctx, tx, &ev); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if e.pub != nil {
		e.pub.Publish(ctx, ev)
	}
	return nil
}

func ballotsFor(d *model.Dispute, round int, panel []candidate) []model.Vote {
	votes := make([]model.Vote, 0, len(panel))
	for _, c := range panel {
		votes = append(votes, model.Vote{
			DisputeID:   d.ID,
			AppealRound: round,
			JurorDID:    c.DID,
			Choice:      model.OutcomePending,
			Weight:      c.Weight.String(),
		})
	}
	return votes
}

func jurorDIDs(panel []candidate) []string {
	dids := make([]string, 0, len(panel))
	for _, c := range panel {
		dids = append(dids, c.DID)
	}
	return dids
}

func tierLabel(t model.DisputeTier) string {
	return strconv.Itoa(int(t))
}
