package model

import (
	"time"

	"github.com/google/uuid"
)

// StreamStatus is the lifecycle state of a continuous payment stream.
type StreamStatus string

const (
	StreamActive    StreamStatus = "ACTIVE"
	StreamPaused    StreamStatus = "PAUSED"
	StreamCompleted StreamStatus = "COMPLETED"
	StreamCanceled  StreamStatus = "CANCELED"
	StreamDisputed  StreamStatus = "DISPUTED"
)

// Terminal reports whether the stream can no longer change.
func (s StreamStatus) Terminal() bool {
	return s == StreamCompleted || s == StreamCanceled
}

// Stream is a continuously accruing payment. Accrual math uses ScaledRate
// (units x 1e18 per second) exclusively; RatePerSecond is informational and
// truncated, and must never feed arithmetic.
type Stream struct {
	ID                    uuid.UUID    `db:"id"`
	SenderDID             string       `db:"sender_did"`
	RecipientDID          string       `db:"recipient_did"`
	SenderAddr            string       `db:"sender_addr"`
	RecipientAddr         string       `db:"recipient_addr"`
	Token                 string       `db:"token"`
	DepositAmount         string       `db:"deposit_amount"` // NUMERIC(78,0) as string
	WithdrawnAmount       string       `db:"withdrawn_amount"`
	StartTime             int64        `db:"start_time"`  // unix seconds
	EndTime               int64        `db:"end_time"`    // unix seconds, nominal (excludes pauses)
	ScaledRate            string       `db:"scaled_rate"` // deposit * 1e18 / duration, NUMERIC as string
	RatePerSecond         string       `db:"rate_per_second"` // informational only
	PausedTotal           int64        `db:"paused_total_secs"`
	PausedAt              int64        `db:"paused_at"` // unix seconds, 0 while running
	Status                StreamStatus `db:"status"`
	CancelableBySender    bool         `db:"cancelable_by_sender"`
	CancelableByRecipient bool         `db:"cancelable_by_recipient"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

// Duration is the accrual window length in seconds, fixed at creation and
// extended only by top-ups.
func (s *Stream) Duration() int64 {
	return s.EndTime - s.StartTime
}

// EffectiveElapsed is the accruing time at t: wall-clock elapsed minus the
// cumulative paused duration (including the in-progress pause, if any).
func (s *Stream) EffectiveElapsed(t int64) int64 {
	elapsed := t - s.StartTime
	if elapsed < 0 {
		return 0
	}
	elapsed -= s.PausedTotal
	if s.PausedAt > 0 && t > s.PausedAt {
		elapsed -= t - s.PausedAt
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// CustodyAccount is the internal ledger account holding the stream deposit.
func (s *Stream) CustodyAccount() string {
	return "stream:" + s.ID.String()
}
