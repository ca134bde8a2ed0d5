package model

import (
	"testing"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/stretchr/testify/assert"
)

func TestValidateDID(t *testing.T) {
	tests := []struct {
		name  string
		did   string
		valid bool
	}{
		{name: "key method", did: "did:key:z6Mk", valid: true},
		{name: "web method", did: "did:web:agents.example.com", valid: true},
		{name: "id with colons", did: "did:agent:org:team:worker-1", valid: true},
		{name: "missing prefix", did: "key:z6Mk", valid: false},
		{name: "empty", did: "", valid: false},
		{name: "prefix only", did: "did:", valid: false},
		{name: "missing id", did: "did:key:", valid: false},
		{name: "missing method", did: "did::abc", valid: false},
		{name: "no separator after method", did: "did:key", valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDID(tt.did)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, fault.MalformedDID)
			}
		})
	}
}
