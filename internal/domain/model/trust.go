package model

import "time"

// TrustRecord is the mutable trust state backing an agent's composite score.
// The score itself is derived on read, never stored.
//
// Invariants: SuccessfulTransactions <= TotalTransactions, StakedAmount >= 0,
// and a pending withdrawal never exceeds StakedAmount.
type TrustRecord struct {
	DID                    string    `db:"did"`
	TotalTransactions      int64     `db:"total_transactions"`
	SuccessfulTransactions int64     `db:"successful_transactions"`
	TotalVolume            string    `db:"total_volume"` // NUMERIC(78,0) as string
	LastActivityAt         time.Time `db:"last_activity_at"`
	StakedAmount           string    `db:"staked_amount"` // NUMERIC(78,0) as string
	PendingWithdrawAmount  string    `db:"pending_withdraw_amount"`
	StakeWithdrawRequestAt time.Time `db:"stake_withdraw_request_at"` // zero if none pending
	DisputesWon            int64     `db:"disputes_won"`
	DisputesLost           int64     `db:"disputes_lost"`
	UpdatedAt              time.Time `db:"updated_at"`
}

// HasPendingWithdraw reports whether a stake withdrawal cooldown is running.
func (r *TrustRecord) HasPendingWithdraw() bool {
	return !r.StakeWithdrawRequestAt.IsZero()
}

// Endorsement is a directed trust vouch. Revocation flips Active to false;
// history is never removed.
type Endorsement struct {
	ID          int64     `db:"id"`
	EndorserDID string    `db:"endorser_did"`
	EndorseeDID string    `db:"endorsee_did"`
	Message     string    `db:"message"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	RevokedAt   time.Time `db:"revoked_at"`
}

// TrustDetails is the read-model returned by trust queries: the composite
// score plus the normalized components it was computed from.
type TrustDetails struct {
	DID                    string `json:"did"`
	Score                  int64  `json:"score"` // 0..10000
	ReputationComponent    int64  `json:"reputation_component"`
	StakeComponent         int64  `json:"stake_component"`
	EndorsementComponent   int64  `json:"endorsement_component"`
	TotalTransactions      int64  `json:"total_transactions"`
	SuccessfulTransactions int64  `json:"successful_transactions"`
	TotalVolume            string `json:"total_volume"`
	StakedAmount           string `json:"staked_amount"`
	DisputesWon            int64  `json:"disputes_won"`
	DisputesLost           int64  `json:"disputes_lost"`
}
