package model

import (
	"time"

	"github.com/google/uuid"
)

// DisputeTier is the arbitration escalation level, selected by disputed value.
type DisputeTier int

const (
	TierAutomatic DisputeTier = 1 // objective rules, no jury
	TierAssisted  DisputeTier = 2 // advisory AI ruling + 3 jurors
	TierCommunity DisputeTier = 3 // 5-11 stake-weighted sealed votes
)

// DisputeRefKind names the record a dispute adjudicates.
type DisputeRefKind string

const (
	RefEscrow DisputeRefKind = "escrow"
	RefStream DisputeRefKind = "stream"
)

// DisputeOutcome is the ruling of a resolved round.
type DisputeOutcome string

const (
	OutcomePending     DisputeOutcome = "PENDING"
	OutcomeForClient   DisputeOutcome = "FOR_CLIENT"   // refund (escrow) / settle-to-date (stream)
	OutcomeForProvider DisputeOutcome = "FOR_PROVIDER" // release
)

// Opposite returns the other ruling.
func (o DisputeOutcome) Opposite() DisputeOutcome {
	if o == OutcomeForClient {
		return OutcomeForProvider
	}
	return OutcomeForClient
}

// Vote is a single juror's sealed ballot. Weight is the juror's stake x trust
// score snapshot taken at panel selection, used only for Tier 3 tallies.
type Vote struct {
	DisputeID   uuid.UUID      `db:"dispute_id"`
	AppealRound int            `db:"appeal_round"`
	JurorDID    string         `db:"juror_did"`
	Choice      DisputeOutcome `db:"choice"` // OutcomePending until cast
	Weight      string         `db:"weight"` // NUMERIC(78,0) as string
	CastAt      time.Time      `db:"cast_at"`
}

// Cast reports whether the ballot has been submitted.
func (v *Vote) Cast() bool {
	return v.Choice != OutcomePending
}

// Dispute adjudicates one escrow or stream. It holds a foreign key to the
// disputed record, never a live reference. A dispute is terminal once a
// non-appealable round resolves.
type Dispute struct {
	ID                    uuid.UUID      `db:"id"`
	RefKind               DisputeRefKind `db:"ref_kind"`
	RefID                 uuid.UUID      `db:"ref_id"`
	InitiatorDID          string         `db:"initiator_did"`
	ClientDID             string         `db:"client_did"`   // refund-side party
	ProviderDID           string         `db:"provider_did"` // release-side party
	Token                 string         `db:"token"`
	DisputedAmount        string         `db:"disputed_amount"` // NUMERIC(78,0) as string
	Tier                  DisputeTier    `db:"tier"`
	ClientEvidence        string         `db:"client_evidence"`    // content hash, empty if none
	ProviderEvidence      string         `db:"provider_evidence"`  // content hash, empty if none
	PreliminaryRuling     DisputeOutcome `db:"preliminary_ruling"` // advisory, Tier 2 only
	PreliminaryConfidence float64        `db:"preliminary_confidence"`
	VotingDeadline        time.Time      `db:"voting_deadline"`
	AppealRound           int            `db:"appeal_round"`
	Outcome               DisputeOutcome `db:"outcome"`
	Resolved              bool           `db:"resolved"`
	Final                 bool           `db:"final"` // no further appeal possible
	CreatedAt             time.Time      `db:"created_at"`
	ResolvedAt            time.Time      `db:"resolved_at"`
}

// FeeAccount is the internal ledger account accumulating this dispute's fee.
func (d *Dispute) FeeAccount() string {
	return "disputefee:" + d.ID.String()
}

// RefCustodyAccount is the custody account of the disputed record.
func (d *Dispute) RefCustodyAccount() string {
	return string(d.RefKind) + ":" + d.RefID.String()
}

// IsParty reports whether did is one of the disputing parties.
func (d *Dispute) IsParty(did string) bool {
	return did == d.ClientDID || did == d.ProviderDID
}
