// Package stream implements continuous per-second payments with
// exact-precision accrual. Deposits are custodied up front; recipients draw
// down against a scaled-rate accrual curve that is unaffected by pauses and
// top-ups (no retroactive jumps, no truncation loss).
package stream

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/metrics"
	"github.com/agoramesh-ai/settlement/internal/store"
	"github.com/google/uuid"
)

// maxDuration bounds the accrual window so the scaled rate of any positive
// deposit is at least one unit.
const maxDuration = 100 * 365 * 24 * 3600 // seconds

// Engine is the streaming payments executor.
type Engine struct {
	db      store.TxRunner
	streams store.StreamRepository
	agents  store.AgentRepository
	ledger  *custody.Ledger
	journal store.EventRepository
	pub     events.Publisher
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates a streaming payments engine.
func New(
	db store.TxRunner,
	streams store.StreamRepository,
	agents store.AgentRepository,
	ledger *custody.Ledger,
	journal store.EventRepository,
	pub events.Publisher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		db:      db,
		streams: streams,
		agents:  agents,
		ledger:  ledger,
		journal: journal,
		pub:     pub,
		logger:  logger.With("component", "stream"),
		nowFn:   time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.nowFn = fn }

// Create opens a stream starting now and running for durationSecs.
func (e *Engine) Create(ctx context.Context, caller, senderDID, recipientDID, token, depositAmount string, durationSecs int64, cancelableBySender, cancelableByRecipient bool) (*model.Stream, error) {
	now := e.nowFn().Unix()
	return e.CreateWithTimestamps(ctx, caller, senderDID, recipientDID, token, depositAmount, now, now+durationSecs, cancelableBySender, cancelableByRecipient)
}

// CreateWithTimestamps opens a stream over [startTime, endTime). The full
// deposit is transferred into custody immediately.
func (e *Engine) CreateWithTimestamps(ctx context.Context, caller, senderDID, recipientDID, token, depositAmount string, startTime, endTime int64, cancelableBySender, cancelableByRecipient bool) (*model.Stream, error) {
	deposit, err := model.ParsePositiveAmount(depositAmount)
	if err != nil {
		return nil, err
	}
	now := e.nowFn()
	if startTime < now.Unix() {
		return nil, fault.PastDeadline
	}
	duration := endTime - startTime
	if duration <= 0 || duration > maxDuration {
		return nil, fault.PastDeadline
	}
	if senderDID == recipientDID {
		return nil, fmt.Errorf("sender and recipient are the same agent: %w", fault.MalformedDID)
	}

	var st *model.Stream
	err = e.db.RunTx(ctx, func(tx *sql.Tx) error {
		sender, err := e.activeAgentTx(ctx, tx, senderDID)
		if err != nil {
			return fmt.Errorf("sender: %w", err)
		}
		if sender.Owner != caller {
			return fault.NotSender
		}
		recipient, err := e.activeAgentTx(ctx, tx, recipientDID)
		if err != nil {
			return fmt.Errorf("recipient: %w", err)
		}

		st = &model.Stream{
			ID:                    uuid.New(),
			SenderDID:             senderDID,
			RecipientDID:          recipientDID,
			SenderAddr:            sender.Owner,
			RecipientAddr:         recipient.Owner,
			Token:                 token,
			DepositAmount:         deposit.String(),
			WithdrawnAmount:       "0",
			StartTime:             startTime,
			EndTime:               endTime,
			ScaledRate:            computeScaledRate(deposit, duration).String(),
			RatePerSecond:         truncatedRate(deposit, duration).String(),
			Status:                model.StreamActive,
			CancelableBySender:    cancelableBySender,
			CancelableByRecipient: cancelableByRecipient,
			CreatedAt:             now,
			UpdatedAt:             now,
		}

		if err := e.ledger.TransferTx(ctx, tx, st.SenderAddr, st.CustodyAccount(), token, deposit); err != nil {
			return err
		}
		if err := e.streams.CreateTx(ctx, tx, st); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return e.append(ctx, tx, model.EventStreamCreated, st.ID, map[string]any{
			"sender":    senderDID,
			"recipient": recipientDID,
			"deposit":   st.DepositAmount,
			"start":     startTime,
			"end":       endTime,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.StreamsCreated.WithLabelValues(token).Inc()
	e.logger.Info("stream created", "id", st.ID, "sender", senderDID, "recipient", recipientDID, "deposit", st.DepositAmount)
	return st, nil
}

// Withdraw pays the recipient up to the currently withdrawable amount.
func (e *Engine) Withdraw(ctx context.Context, caller string, id uuid.UUID, amount string) (string, error) {
	want, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return "", err
	}
	return e.withdraw(ctx, caller, id, want)
}

// WithdrawMax pays the recipient everything withdrawable right now.
func (e *Engine) WithdrawMax(ctx context.Context, caller string, id uuid.UUID) (string, error) {
	return e.withdraw(ctx, caller, id, nil)
}

// withdraw moves funds to the recipient; want == nil means "everything".
// Accounting is updated before custody pays out.
func (e *Engine) withdraw(ctx context.Context, caller string, id uuid.UUID, want *big.Int) (string, error) {
	now := e.nowFn()
	var paid, token string

	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		st, err := e.streamTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status != model.StreamActive && st.Status != model.StreamPaused {
			return fault.StreamNotActive
		}
		if st.RecipientAddr != caller {
			return fault.NotRecipient
		}
		token = st.Token

		deposit, withdrawn, streamed, err := accrualState(st, now.Unix())
		if err != nil {
			return err
		}
		withdrawable := model.SubAmounts(streamed, withdrawn)

		amount := want
		if amount == nil {
			amount = withdrawable
		}
		if amount.Cmp(withdrawable) > 0 {
			return fault.ExceedsWithdrawable
		}
		if amount.Sign() == 0 {
			paid = "0"
			return nil
		}

		newWithdrawn := model.AddAmounts(withdrawn, amount)
		st.WithdrawnAmount = newWithdrawn.String()
		if newWithdrawn.Cmp(deposit) == 0 && st.EffectiveElapsed(now.Unix()) >= st.Duration() {
			st.Status = model.StreamCompleted
		}
		st.UpdatedAt = now
		if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
			return err
		}

		if err := e.ledger.TransferTx(ctx, tx, st.CustodyAccount(), st.RecipientAddr, st.Token, amount); err != nil {
			return err
		}
		metrics.CustodyTransfers.WithLabelValues(st.Token).Inc()

		paid = amount.String()
		if err := e.append(ctx, tx, model.EventStreamWithdrawn, id, map[string]string{"amount": paid}, now); err != nil {
			return err
		}
		if st.Status == model.StreamCompleted {
			return e.append(ctx, tx, model.EventStreamCompleted, id, nil, now)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	metrics.StreamWithdrawals.WithLabelValues(token).Inc()
	return paid, nil
}

// TopUp adds funds to an active stream. The scaled rate is left untouched and
// the end time extends proportionally, so the already-streamed amount is
// identical immediately before and after the top-up.
func (e *Engine) TopUp(ctx context.Context, caller string, id uuid.UUID, amount string) error {
	added, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return err
	}

	now := e.nowFn()
	var token string
	err = e.db.RunTx(ctx, func(tx *sql.Tx) error {
		st, err := e.streamTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status != model.StreamActive {
			return fault.StreamNotActive
		}
		if st.SenderAddr != caller {
			return fault.NotSender
		}
		token = st.Token

		deposit, _, _, err := accrualState(st, now.Unix())
		if err != nil {
			return err
		}
		rate, err := model.ParseAmount(st.ScaledRate)
		if err != nil {
			return fmt.Errorf("stored rate: %w", err)
		}
		if st.EffectiveElapsed(now.Unix()) >= st.Duration() {
			// Fully accrued; nothing left to extend at the original rate.
			return fault.StreamNotActive
		}

		if err := e.ledger.TransferTx(ctx, tx, st.SenderAddr, st.CustodyAccount(), st.Token, added); err != nil {
			return err
		}

		st.DepositAmount = model.AddAmounts(deposit, added).String()
		st.EndTime += extensionSecs(added, rate)
		st.UpdatedAt = now
		if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventStreamToppedUp, id, map[string]string{"amount": amount}, now)
	})
	if err != nil {
		return err
	}

	metrics.StreamTopUps.WithLabelValues(token).Inc()
	return nil
}

// Pause freezes the accrual clock. Sender only, active streams only.
func (e *Engine) Pause(ctx context.Context, caller string, id uuid.UUID) error {
	now := e.nowFn()
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		st, err := e.streamTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status != model.StreamActive {
			return fault.StreamNotActive
		}
		if st.SenderAddr != caller {
			return fault.NotSender
		}
		if st.EffectiveElapsed(now.Unix()) >= st.Duration() {
			return fault.StreamNotActive
		}

		st.Status = model.StreamPaused
		st.PausedAt = now.Unix()
		st.UpdatedAt = now
		if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventStreamPaused, id, nil, now)
	})
}

// Resume unfreezes the accrual clock, accumulating the paused duration.
func (e *Engine) Resume(ctx context.Context, caller string, id uuid.UUID) error {
	now := e.nowFn()
	return e.db.RunTx(ctx, func(tx *sql.Tx) error {
		st, err := e.streamTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status != model.StreamPaused {
			return fault.StreamNotActive
		}
		if st.SenderAddr != caller {
			return fault.NotSender
		}

		if now.Unix() > st.PausedAt {
			st.PausedTotal += now.Unix() - st.PausedAt
		}
		st.PausedAt = 0
		st.Status = model.StreamActive
		st.UpdatedAt = now
		if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventStreamResumed, id, nil, now)
	})
}

// Cancel settles the stream early: the recipient is paid the streamed-to-date
// remainder, the sender is refunded the rest, in the same transaction. Only a
// party whose cancelability flag was set at creation may cancel.
func (e *Engine) Cancel(ctx context.Context, caller string, id uuid.UUID) error {
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		st, err := e.streamTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.Status != model.StreamActive && st.Status != model.StreamPaused {
			return fault.StreamNotActive
		}
		switch caller {
		case st.SenderAddr:
			if !st.CancelableBySender {
				return fault.NotCancelable
			}
		case st.RecipientAddr:
			if !st.CancelableByRecipient {
				return fault.NotCancelable
			}
		default:
			return fault.NotParty
		}
		return e.settleTx(ctx, tx, st, now, now.Unix(), model.StreamCanceled, model.EventStreamCanceled)
	})
	return err
}

// MarkDisputedTx freezes the stream for adjudication: status DISPUTED and the
// accrual clock stops as of now. Called by the dispute engine in its
// transaction.
func (e *Engine) MarkDisputedTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, initiatorDID string) (*model.Stream, error) {
	st, err := e.streamTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if st.Status != model.StreamActive && st.Status != model.StreamPaused {
		return nil, fault.StreamNotActive
	}
	if initiatorDID != st.SenderDID && initiatorDID != st.RecipientDID {
		return nil, fault.NotParty
	}

	now := e.nowFn()
	if st.Status == model.StreamActive {
		st.PausedAt = now.Unix()
	}
	st.Status = model.StreamDisputed
	st.UpdatedAt = now
	if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
		return nil, err
	}
	if err := e.append(ctx, tx, model.EventStreamDisputed, id, map[string]string{"initiator": initiatorDID}, now); err != nil {
		return nil, err
	}
	return st, nil
}

// ForceSettleTx resolves a DISPUTED stream per the arbiter's ruling. A ruling
// for the sender settles at the streamed-to-date amount (cancel semantics); a
// ruling for the recipient releases the full remaining deposit.
func (e *Engine) ForceSettleTx(ctx context.Context, tx *sql.Tx, as model.Role, id uuid.UUID, outcome model.DisputeOutcome) error {
	if !as.Allowed(model.OpForceSettle) {
		return fault.NotArbiter
	}
	st, err := e.streamTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if st.Status != model.StreamDisputed {
		return fault.StreamNotActive
	}

	now := e.nowFn()
	if outcome == model.OutcomeForProvider {
		return e.forceReleaseTx(ctx, tx, st, now)
	}
	// Accrual stopped at dispute initiation; settle as of the frozen clock.
	return e.settleTx(ctx, tx, st, now, now.Unix(), model.StreamCanceled, model.EventStreamCanceled)
}

// forceReleaseTx pays the entire remaining custody balance to the recipient.
func (e *Engine) forceReleaseTx(ctx context.Context, tx *sql.Tx, st *model.Stream, now time.Time) error {
	remaining, err := e.ledger.BalanceForUpdateTx(ctx, tx, st.CustodyAccount(), st.Token)
	if err != nil {
		return err
	}

	withdrawn, err := model.ParseAmount(st.WithdrawnAmount)
	if err != nil {
		return fmt.Errorf("stored withdrawn: %w", err)
	}
	st.WithdrawnAmount = model.AddAmounts(withdrawn, remaining).String()
	st.Status = model.StreamCompleted
	st.UpdatedAt = now
	if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
		return err
	}

	if err := e.ledger.TransferTx(ctx, tx, st.CustodyAccount(), st.RecipientAddr, st.Token, remaining); err != nil {
		return err
	}
	metrics.CustodyTransfers.WithLabelValues(st.Token).Inc()
	return e.append(ctx, tx, model.EventStreamCompleted, st.ID, map[string]string{"released": remaining.String()}, now)
}

// settleTx pays streamed-minus-withdrawn to the recipient and refunds the
// rest of the custody balance to the sender, then moves to a terminal status.
// Record effects precede both transfers.
func (e *Engine) settleTx(ctx context.Context, tx *sql.Tx, st *model.Stream, now time.Time, at int64, target model.StreamStatus, kind model.EventKind) error {
	_, withdrawn, streamed, err := accrualState(st, at)
	if err != nil {
		return err
	}
	recipientDue := model.SubAmounts(streamed, withdrawn)

	custodyBal, err := e.ledger.BalanceForUpdateTx(ctx, tx, st.CustodyAccount(), st.Token)
	if err != nil {
		return err
	}
	// Dispute fees are carved out of custody before settlement, so the
	// accrued amount can exceed what remains. The shortfall comes out of the
	// sender's refund first, then the recipient's payout.
	recipientDue = model.MinAmount(recipientDue, custodyBal)
	senderDue := model.SubAmounts(custodyBal, recipientDue)

	st.WithdrawnAmount = streamed.String()
	st.Status = target
	st.UpdatedAt = now
	if err := e.streams.UpdateTx(ctx, tx, st); err != nil {
		return err
	}

	if err := e.ledger.TransferTx(ctx, tx, st.CustodyAccount(), st.RecipientAddr, st.Token, recipientDue); err != nil {
		return err
	}
	if err := e.ledger.TransferTx(ctx, tx, st.CustodyAccount(), st.SenderAddr, st.Token, senderDue); err != nil {
		return err
	}
	metrics.CustodyTransfers.WithLabelValues(st.Token).Inc()

	return e.append(ctx, tx, kind, st.ID, map[string]string{
		"recipient_paid": recipientDue.String(),
		"sender_refund":  senderDue.String(),
	}, now)
}

// --- queries ---

// Get returns the stream record, or StreamNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.Stream, error) {
	st, err := e.streams.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fault.StreamNotFound
	}
	return st, nil
}

// StreamedAmountOf returns the amount accrued to the recipient so far.
func (e *Engine) StreamedAmountOf(ctx context.Context, id uuid.UUID) (string, error) {
	st, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	_, _, streamed, err := accrualState(st, e.nowFn().Unix())
	if err != nil {
		return "", err
	}
	return streamed.String(), nil
}

// WithdrawableOf returns what the recipient could withdraw right now.
func (e *Engine) WithdrawableOf(ctx context.Context, id uuid.UUID) (string, error) {
	st, err := e.Get(ctx, id)
	if err != nil {
		return "", err
	}
	_, withdrawn, streamed, err := accrualState(st, e.nowFn().Unix())
	if err != nil {
		return "", err
	}
	return model.SubAmounts(streamed, withdrawn).String(), nil
}

// --- helpers ---

// accrualState parses the stored amounts and computes streamed(at).
func accrualState(st *model.Stream, at int64) (deposit, withdrawn, streamed *big.Int, err error) {
	deposit, err = model.ParseAmount(st.DepositAmount)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stored deposit: %w", err)
	}
	withdrawn, err = model.ParseAmount(st.WithdrawnAmount)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stored withdrawn: %w", err)
	}
	rate, err := model.ParseAmount(st.ScaledRate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stored rate: %w", err)
	}
	streamed = streamedAmount(deposit, rate, st.Duration(), st.EffectiveElapsed(at))
	return deposit, withdrawn, streamed, nil
}

func (e *Engine) streamTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Stream, error) {
	st, err := e.streams.GetTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fault.StreamNotFound
	}
	return st, nil
}

func (e *Engine) activeAgentTx(ctx context.Context, tx *sql.Tx, did string) (*model.Agent, error) {
	agent, err := e.agents.GetTx(ctx, tx, did)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fault.AgentNotRegistered
	}
	if !agent.IsActive {
		return nil, fault.AgentInactive
	}
	return agent, nil
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
