// Package custody tracks funds held by the settlement core in internal
// accounts. Party addresses, escrow/stream custody accounts, per-DID stake
// accounts and dispute fee accounts are all rows of the same ledger, so every
// payout is an internal zero-sum transfer. Internal accounting is always
// decremented before any value leaves custody.
package custody

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/metrics"
	"github.com/agoramesh-ai/settlement/internal/store"
)

// StakeAccount is the ledger account holding an agent's locked collateral.
func StakeAccount(did string) string {
	return "stake:" + did
}

// TreasuryAccount receives slashed stake and fee remainders.
const TreasuryAccount = "treasury"

// Ledger performs exact-precision balance accounting over a BalanceRepository.
type Ledger struct {
	balances store.BalanceRepository
}

// NewLedger creates a custody ledger.
func NewLedger(balances store.BalanceRepository) *Ledger {
	return &Ledger{balances: balances}
}

// DepositTx credits account with newly custodied funds (external on-ramp) and
// bumps the token supply. Privileged; role is checked by the caller's engine.
func (l *Ledger) DepositTx(ctx context.Context, tx *sql.Tx, account, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fault.NonPositiveAmount
	}
	if err := l.balances.AdjustTx(ctx, tx, account, token, amount.String()); err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	if err := l.balances.AdjustSupplyTx(ctx, tx, token, amount.String()); err != nil {
		return fmt.Errorf("adjust supply %s: %w", token, err)
	}
	return nil
}

// WithdrawTx debits account and burns the same amount of token supply
// (external off-ramp). Privileged; role is checked by the caller's engine.
func (l *Ledger) WithdrawTx(ctx context.Context, tx *sql.Tx, account, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fault.NonPositiveAmount
	}
	cur, err := l.balances.GetForUpdateTx(ctx, tx, account, token)
	if err != nil {
		return fmt.Errorf("read balance %s: %w", account, err)
	}
	bal, err := model.ParseAmount(cur)
	if err != nil {
		return fmt.Errorf("parse balance %s: %w", account, err)
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("withdraw %s from %s: %w", amount, account, fault.InsufficientBalance)
	}
	neg := new(big.Int).Neg(amount)
	if err := l.balances.AdjustTx(ctx, tx, account, token, neg.String()); err != nil {
		return fmt.Errorf("debit %s: %w", account, err)
	}
	if err := l.balances.AdjustSupplyTx(ctx, tx, token, neg.String()); err != nil {
		return fmt.Errorf("adjust supply %s: %w", token, err)
	}
	return nil
}

// TransferTx moves amount from one internal account to another. The debit is
// validated against the locked source balance and applied before the credit.
func (l *Ledger) TransferTx(ctx context.Context, tx *sql.Tx, from, to, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fault.NonPositiveAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	cur, err := l.balances.GetForUpdateTx(ctx, tx, from, token)
	if err != nil {
		return fmt.Errorf("read balance %s: %w", from, err)
	}
	bal, err := model.ParseAmount(cur)
	if err != nil {
		return fmt.Errorf("parse balance %s: %w", from, err)
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s from %s: %w", amount, from, fault.InsufficientBalance)
	}
	if err := l.balances.AdjustTx(ctx, tx, from, token, new(big.Int).Neg(amount).String()); err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if err := l.balances.AdjustTx(ctx, tx, to, token, amount.String()); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

// BalanceForUpdateTx reads an account balance inside a transaction, locking
// the row.
func (l *Ledger) BalanceForUpdateTx(ctx context.Context, tx *sql.Tx, account, token string) (*big.Int, error) {
	s, err := l.balances.GetForUpdateTx(ctx, tx, account, token)
	if err != nil {
		return nil, fmt.Errorf("read balance %s: %w", account, err)
	}
	return model.ParseAmount(s)
}

// BalanceOf returns the current balance of an account as a big integer.
func (l *Ledger) BalanceOf(ctx context.Context, account, token string) (*big.Int, error) {
	s, err := l.balances.Get(ctx, account, token)
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", account, err)
	}
	return model.ParseAmount(s)
}

// TokenCheck is the per-token result of a custody reconciliation sweep.
type TokenCheck struct {
	Token       string `json:"token"`
	Supply      string `json:"supply"`
	SumBalances string `json:"sum_balances"`
	Difference  string `json:"difference"`
	IsMatch     bool   `json:"is_match"`
}

// Reconcile verifies, per token, that the sum of account balances equals the
// recorded supply. A mismatch means custody accounting lost or invented funds.
func (l *Ledger) Reconcile(ctx context.Context) ([]TokenCheck, error) {
	metrics.CustodyReconcileRuns.Inc()
	tokens, err := l.balances.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	checks := make([]TokenCheck, 0, len(tokens))
	for _, token := range tokens {
		supplyStr, err := l.balances.GetSupply(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("get supply %s: %w", token, err)
		}
		sumStr, err := l.balances.SumBalances(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("sum balances %s: %w", token, err)
		}

		supply, ok1 := new(big.Int).SetString(supplyStr, 10)
		sum, ok2 := new(big.Int).SetString(sumStr, 10)
		check := TokenCheck{Token: token, Supply: supplyStr, SumBalances: sumStr}
		if ok1 && ok2 {
			diff := new(big.Int).Sub(supply, sum)
			check.Difference = diff.String()
			check.IsMatch = diff.Sign() == 0
		} else {
			check.Difference = "PARSE_ERROR"
		}
		if !check.IsMatch {
			metrics.CustodyReconcileMismatches.Inc()
		}
		checks = append(checks, check)
	}
	return checks, nil
}
