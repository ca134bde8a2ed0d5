package model

import (
	"time"

	"github.com/google/uuid"
)

// EscrowState is the lifecycle state of a lump-sum escrow.
type EscrowState string

const (
	EscrowAwaitingDeposit EscrowState = "AWAITING_DEPOSIT"
	EscrowFunded          EscrowState = "FUNDED"
	EscrowDelivered       EscrowState = "DELIVERED"
	EscrowReleased        EscrowState = "RELEASED"
	EscrowRefunded        EscrowState = "REFUNDED"
	EscrowDisputed        EscrowState = "DISPUTED"
)

// escrowEdges is the complete transition relation. Any edge not listed here
// is invalid regardless of caller.
var escrowEdges = map[EscrowState][]EscrowState{
	EscrowAwaitingDeposit: {EscrowFunded},
	EscrowFunded:          {EscrowDelivered, EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowDelivered:       {EscrowReleased, EscrowDisputed},
	EscrowDisputed:        {EscrowReleased, EscrowRefunded},
}

// CanTransition reports whether from -> to is an edge of the escrow state machine.
func (from EscrowState) CanTransition(to EscrowState) bool {
	for _, next := range escrowEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s EscrowState) Terminal() bool {
	return len(escrowEdges[s]) == 0
}

// Escrow is a custody-held lump-sum payment. Mutated only through the state
// machine; terminal records are never deleted.
type Escrow struct {
	ID           uuid.UUID   `db:"id"`
	ClientDID    string      `db:"client_did"`
	ProviderDID  string      `db:"provider_did"`
	ClientAddr   string      `db:"client_addr"`
	ProviderAddr string      `db:"provider_addr"`
	Token        string      `db:"token"`
	Amount       string      `db:"amount"` // NUMERIC(78,0) as string
	TaskHash     string      `db:"task_hash"`
	OutputHash   string      `db:"output_hash"` // empty until delivery
	Deadline     time.Time   `db:"deadline"`
	State        EscrowState `db:"state"`
	CreatedAt    time.Time   `db:"created_at"`
	DeliveredAt  time.Time   `db:"delivered_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

// CustodyAccount is the internal ledger account holding this escrow's funds.
func (e *Escrow) CustodyAccount() string {
	return "escrow:" + e.ID.String()
}
