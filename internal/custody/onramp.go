package custody

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/store"
)

// Onramp moves value across the custody boundary. Credits mint supply when
// funds arrive from outside; withdrawals burn supply when funds leave.
// Both require the treasury role.
type Onramp struct {
	db      store.TxRunner
	ledger  *Ledger
	journal store.EventRepository
	pub     events.Publisher
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewOnramp creates the custody on/off-ramp.
func NewOnramp(db store.TxRunner, ledger *Ledger, journal store.EventRepository, pub events.Publisher, logger *slog.Logger) *Onramp {
	return &Onramp{
		db:      db,
		ledger:  ledger,
		journal: journal,
		pub:     pub,
		logger:  logger.With("component", "onramp"),
		nowFn:   time.Now,
	}
}

// SetNowFunc injects a clock for tests.
func (o *Onramp) SetNowFunc(fn func() time.Time) { o.nowFn = fn }

// Credit mints amount of token into account, recording an external deposit.
func (o *Onramp) Credit(ctx context.Context, as model.Role, account, token, amount string) error {
	if !as.Allowed(model.OpCustodyDeposit) {
		return fault.NotTreasury
	}
	if account == "" || token == "" {
		return fmt.Errorf("account and token are required: %w", fault.MalformedAmount)
	}
	amt, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return err
	}

	now := o.nowFn()
	err = o.db.RunTx(ctx, func(tx *sql.Tx) error {
		if err := o.ledger.DepositTx(ctx, tx, account, token, amt); err != nil {
			return err
		}
		return o.append(ctx, tx, model.EventCustodyDeposited, account, map[string]string{
			"account": account,
			"token":   token,
			"amount":  amount,
		}, now)
	})
	if err != nil {
		return err
	}
	o.logger.Info("custody credited", "account", account, "token", token, "amount", amount)
	return nil
}

// Withdraw burns amount of token from account, recording an external payout.
func (o *Onramp) Withdraw(ctx context.Context, as model.Role, account, token, amount string) error {
	if !as.Allowed(model.OpCustodyDeposit) {
		return fault.NotTreasury
	}
	amt, err := model.ParsePositiveAmount(amount)
	if err != nil {
		return err
	}

	now := o.nowFn()
	err = o.db.RunTx(ctx, func(tx *sql.Tx) error {
		if err := o.ledger.WithdrawTx(ctx, tx, account, token, amt); err != nil {
			return err
		}
		return o.append(ctx, tx, model.EventCustodyWithdrawn, account, map[string]string{
			"account": account,
			"token":   token,
			"amount":  amount,
		}, now)
	})
	if err != nil {
		return err
	}
	o.logger.Info("custody withdrawn", "account", account, "token", token, "amount", amount)
	return nil
}

func (o *Onramp) append(ctx context.Context, tx *sql.Tx, kind model.EventKind, entityID string, payload any, at time.Time) error {
	ev := model.NewEvent(kind, entityID, payload, at)
	if err := o.journal.AppendTx(ctx, tx, &ev); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if o.pub != nil {
		o.pub.Publish(ctx, ev)
	}
	return nil
}
