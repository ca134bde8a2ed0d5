package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind names a journal entry type.
type EventKind string

const (
	EventAgentRegistered     EventKind = "agent.registered"
	EventAgentDeactivated    EventKind = "agent.deactivated"
	EventTransactionRecorded EventKind = "trust.transaction_recorded"
	EventStakeDeposited      EventKind = "trust.stake_deposited"
	EventStakeWithdrawn      EventKind = "trust.stake_withdrawn"
	EventStakeSlashed        EventKind = "trust.stake_slashed"
	EventEndorsed            EventKind = "trust.endorsed"
	EventEndorsementRevoked  EventKind = "trust.endorsement_revoked"
	EventEscrowCreated       EventKind = "escrow.created"
	EventEscrowFunded        EventKind = "escrow.funded"
	EventEscrowDelivered     EventKind = "escrow.delivered"
	EventEscrowReleased      EventKind = "escrow.released"
	EventEscrowRefunded      EventKind = "escrow.refunded"
	EventEscrowDisputed      EventKind = "escrow.disputed"
	EventStreamCreated       EventKind = "stream.created"
	EventStreamWithdrawn     EventKind = "stream.withdrawn"
	EventStreamToppedUp      EventKind = "stream.topped_up"
	EventStreamPaused        EventKind = "stream.paused"
	EventStreamResumed       EventKind = "stream.resumed"
	EventStreamCanceled      EventKind = "stream.canceled"
	EventStreamCompleted     EventKind = "stream.completed"
	EventStreamDisputed      EventKind = "stream.disputed"
	EventDisputeOpened       EventKind = "dispute.opened"
	EventDisputeEvidence     EventKind = "dispute.evidence_submitted"
	EventDisputeVoteCast     EventKind = "dispute.vote_cast"
	EventDisputeResolved     EventKind = "dispute.resolved"
	EventDisputeAppealed     EventKind = "dispute.appealed"
	EventCustodyDeposited    EventKind = "custody.deposited"
	EventCustodyWithdrawn    EventKind = "custody.withdrawn"
)

// Event is one entry of the append-only journal. Current-state tables are
// derived views; the journal is never rewritten.
type Event struct {
	ID        uuid.UUID       `db:"id"`
	Kind      EventKind       `db:"kind"`
	EntityID  string          `db:"entity_id"`
	Payload   json.RawMessage `db:"payload"`
	CreatedAt time.Time       `db:"created_at"`
}

// NewEvent builds a journal entry, marshaling payload to JSON. A payload that
// cannot marshal is a programming error and stored as null.
func NewEvent(kind EventKind, entityID string, payload any, at time.Time) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		EntityID:  entityID,
		Payload:   raw,
		CreatedAt: at,
	}
}
