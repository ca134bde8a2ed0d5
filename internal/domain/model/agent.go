package model

import (
	"strings"
	"time"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
)

// Agent is a marketplace participant's identity record. One agent per owning
// principal; agents are deactivated, never deleted.
type Agent struct {
	DID         string    `db:"did"`
	Owner       string    `db:"owner_addr"`
	MetadataCID string    `db:"metadata_cid"`
	IsActive    bool      `db:"is_active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

const didPrefix = "did:"

// ValidateDID checks the minimal shape of a decentralized identifier:
// "did:<method>:<specific-id>" with non-empty segments.
func ValidateDID(did string) error {
	if !strings.HasPrefix(did, didPrefix) {
		return fault.MalformedDID
	}
	rest := strings.TrimPrefix(did, didPrefix)
	method, id, ok := strings.Cut(rest, ":")
	if !ok || method == "" || id == "" {
		return fault.MalformedDID
	}
	return nil
}
