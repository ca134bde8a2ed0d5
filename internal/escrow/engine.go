// Package escrow implements the lump-sum payment lifecycle. Transitions
// follow a fixed state machine; funds move through the custody ledger, and
// every payout path applies record effects before value leaves custody.
package escrow

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

// Engine is the escrow state machine executor.
type Engine struct {
	db      store.TxRunner
	escrows store.EscrowRepository
	agents  store.AgentRepository
	ledger  *custody.Ledger
	journal store.EventRepository
	pub     events.Publisher
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates an escrow engine.
func New(
	db store.TxRunner,
	escrows store.EscrowRepository,
	agents store.AgentRepository,
	ledger *custody.Ledger,
	journal store.EventRepository,
	pub events.Publisher,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		db:      db,
		escrows: escrows,
		agents:  agents,
		ledger:  ledger,
		journal: journal,
		pub:     pub,
		logger:  logger.With("component", "escrow"),
		nowFn:   time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.nowFn = fn }

// Create opens an escrow in AWAITING_DEPOSIT. Both parties must resolve to
// registered, active agents; the caller must own the client agent.
func (e *Engine) Create(ctx context.Context, caller, clientDID, providerDID, token, amount, taskHash string, deadline time.Time) (*model.Escrow, error) {
	if _, err := model.ParsePositiveAmount(amount); err != nil {
		return nil, err
	}
	now := e.nowFn()
	if !deadline.After(now) {
		return nil, fault.PastDeadline
	}
	if clientDID == providerDID {
		return nil, fmt.Errorf("client and provider are the same agent: %w", fault.MalformedDID)
	}

	var esc *model.Escrow
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		client, err := e.activeAgentTx(ctx, tx, clientDID)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		if client.Owner != caller {
			return fault.NotClient
		}
		provider, err := e.activeAgentTx(ctx, tx, providerDID)
		if err != nil {
			return fmt.Errorf("provider: %w", err)
		}

		esc = &model.Escrow{
			ID:           uuid.New(),
			ClientDID:    clientDID,
			ProviderDID:  providerDID,
			ClientAddr:   client.Owner,
			ProviderAddr: provider.Owner,
			Token:        token,
			Amount:       amount,
			TaskHash:     taskHash,
			Deadline:     deadline,
			State:        model.EscrowAwaitingDeposit,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.escrows.CreateTx(ctx, tx, esc); err != nil {
			return fmt.Errorf("create escrow: %w", err)
		}
		return e.append(ctx, tx, model.EventEscrowCreated, esc.ID, map[string]string{
			"client":   clientDID,
			"provider": providerDID,
			"amount":   amount,
			"token":    token,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowAwaitingDeposit)).Inc()
	e.logger.Info("escrow created", "id", esc.ID, "client", clientDID, "provider", providerDID, "amount", amount)
	return esc, nil
}

// Fund transfers the escrow amount into custody and flips the state to
// FUNDED. The transfer happens first: a failed transfer never lands in FUNDED.
func (e *Engine) Fund(ctx context.Context, caller string, id uuid.UUID) error {
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		esc, err := e.escrowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if esc.State != model.EscrowAwaitingDeposit {
			return fault.InvalidTransition
		}
		if esc.ClientAddr != caller {
			return fault.NotClient
		}

		amount, err := model.ParseAmount(esc.Amount)
		if err != nil {
			return fmt.Errorf("stored amount: %w", err)
		}
		if err := e.ledger.TransferTx(ctx, tx, esc.ClientAddr, esc.CustodyAccount(), esc.Token, amount); err != nil {
			return err
		}

		esc.State = model.EscrowFunded
		esc.UpdatedAt = now
		if err := e.escrows.UpdateTx(ctx, tx, esc); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventEscrowFunded, id, nil, now)
	})
	if err != nil {
		e.countRejection(err)
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowFunded)).Inc()
	return nil
}

// ConfirmDelivery records the output hash and moves FUNDED -> DELIVERED.
// Provider only.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller string, id uuid.UUID, outputHash string) error {
	if outputHash == "" {
		return fmt.Errorf("output hash: %w", fault.MalformedHash)
	}
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		esc, err := e.escrowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if esc.State != model.EscrowFunded {
			return fault.InvalidTransition
		}
		if esc.ProviderAddr != caller {
			return fault.NotProvider
		}

		esc.State = model.EscrowDelivered
		esc.OutputHash = outputHash
		esc.DeliveredAt = now
		esc.UpdatedAt = now
		if err := e.escrows.UpdateTx(ctx, tx, esc); err != nil {
			return err
		}
		return e.append(ctx, tx, model.EventEscrowDelivered, id, map[string]string{"output_hash": outputHash}, now)
	})
	if err != nil {
		e.countRejection(err)
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowDelivered)).Inc()
	return nil
}

// Release pays the provider. Client only, from FUNDED or DELIVERED. The state
// flips to RELEASED before custody pays out.
func (e *Engine) Release(ctx context.Context, caller string, id uuid.UUID) error {
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		esc, err := e.escrowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if esc.State != model.EscrowFunded && esc.State != model.EscrowDelivered {
			return fault.InvalidTransition
		}
		if esc.ClientAddr != caller {
			return fault.NotClient
		}
		return e.settleTx(ctx, tx, esc, model.EscrowReleased, now)
	})
	if err != nil {
		e.countRejection(err)
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowReleased)).Inc()
	return nil
}

// ClaimTimeout refunds the client after the deadline passed without delivery.
// Client only, FUNDED only.
func (e *Engine) ClaimTimeout(ctx context.Context, caller string, id uuid.UUID) error {
	now := e.nowFn()
	err := e.db.RunTx(ctx, func(tx *sql.Tx) error {
		esc, err := e.escrowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if esc.State != model.EscrowFunded {
			return fault.InvalidTransition
		}
		if esc.ClientAddr != caller {
			return fault.NotClient
		}
		if !now.After(esc.Deadline) {
			return fault.DeadlineNotReached
		}
		return e.settleTx(ctx, tx, esc, model.EscrowRefunded, now)
	})
	if err != nil {
		e.countRejection(err)
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowRefunded)).Inc()
	return nil
}

// MarkDisputedTx freezes the escrow for adjudication. Called by the dispute
// engine inside its transaction; either party may initiate.
func (e *Engine) MarkDisputedTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, initiatorDID string) (*model.Escrow, error) {
	esc, err := e.escrowTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if esc.State != model.EscrowFunded && esc.State != model.EscrowDelivered {
		return nil, fault.InvalidTransition
	}
	if initiatorDID != esc.ClientDID && initiatorDID != esc.ProviderDID {
		return nil, fault.NotParty
	}

	now := e.nowFn()
	esc.State = model.EscrowDisputed
	esc.UpdatedAt = now
	if err := e.escrows.UpdateTx(ctx, tx, esc); err != nil {
		return nil, err
	}
	if err := e.append(ctx, tx, model.EventEscrowDisputed, id, map[string]string{"initiator": initiatorDID}, now); err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowDisputed)).Inc()
	return esc, nil
}

// ForceSettleTx resolves a DISPUTED escrow per the arbiter's ruling: release
// pays the provider, refund pays the client. Whatever remains in the custody
// account is paid out (the dispute fee may already have been carved off).
func (e *Engine) ForceSettleTx(ctx context.Context, tx *sql.Tx, as model.Role, id uuid.UUID, outcome model.DisputeOutcome) error {
	if !as.Allowed(model.OpForceSettle) {
		return fault.NotArbiter
	}
	esc, err := e.escrowTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if esc.State != model.EscrowDisputed {
		return fault.InvalidTransition
	}

	target := model.EscrowRefunded
	if outcome == model.OutcomeForProvider {
		target = model.EscrowReleased
	}
	if err := e.settleTx(ctx, tx, esc, target, e.nowFn()); err != nil {
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(target)).Inc()
	return nil
}

// Get returns the escrow record, or EscrowNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	esc, err := e.escrows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, fault.EscrowNotFound
	}
	return esc, nil
}

// settleTx flips the escrow into a terminal state, then pays out the full
// remaining custody balance. Record effects always precede the transfer.
func (e *Engine) settleTx(ctx context.Context, tx *sql.Tx, esc *model.Escrow, target model.EscrowState, now time.Time) error {
	if !esc.State.CanTransition(target) {
		return fault.InvalidTransition
	}

	esc.State = target
	esc.UpdatedAt = now
	if err := e.escrows.UpdateTx(ctx, tx, esc); err != nil {
		return err
	}

	kind := model.EventEscrowRefunded
	payee := esc.ClientAddr
	if target == model.EscrowReleased {
		kind = model.EventEscrowReleased
		payee = esc.ProviderAddr
	}

	remaining, err := e.custodyBalanceTx(ctx, tx, esc)
	if err != nil {
		return err
	}
	if err := e.ledger.TransferTx(ctx, tx, esc.CustodyAccount(), payee, esc.Token, remaining); err != nil {
		return err
	}
	metrics.CustodyTransfers.WithLabelValues(esc.Token).Inc()

	return e.append(ctx, tx, kind, esc.ID, map[string]string{"paid": remaining.String(), "payee": payee}, now)
}

func (e *Engine) custodyBalanceTx(ctx context.Context, tx *sql.Tx, esc *model.Escrow) (*big.Int, error) {
	return e.ledger.BalanceForUpdateTx(ctx, tx, esc.CustodyAccount(), esc.Token)
}

func (e *Engine) escrowTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Escrow, error) {
	esc, err := e.escrows.GetTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, fault.EscrowNotFound
	}
	return esc, nil
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

func (e *Engine) countRejection(err error) {
	if kind := fault.KindOf(err); kind != "" {
		metrics.EscrowRejections.WithLabelValues(string(kind)).Inc()
	}
}
