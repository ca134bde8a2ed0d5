package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

func makeEvent(n int) model.Event {
	return model.Event{
		ID:        uuid.New(),
		Kind:      model.EventEscrowCreated,
		EntityID:  fmt.Sprintf("esc-%d", n),
		Payload:   []byte(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestInMemoryPublisherKeepsOrder(t *testing.T) {
	p := NewInMemoryPublisher(8)
	for i := 0; i < 3; i++ {
		p.Publish(context.Background(), makeEvent(i))
	}

	got := p.Recent()
	require.Len(t, got, 3)
	assert.Equal(t, "esc-0", got[0].EntityID)
	assert.Equal(t, "esc-2", got[2].EntityID)
}

func TestInMemoryPublisherDropsOldest(t *testing.T) {
	p := NewInMemoryPublisher(4)
	for i := 0; i < 10; i++ {
		p.Publish(context.Background(), makeEvent(i))
	}

	got := p.Recent()
	require.Len(t, got, 4)
	assert.Equal(t, "esc-6", got[0].EntityID)
	assert.Equal(t, "esc-9", got[3].EntityID)
}

func TestInMemoryPublisherDefaultCapacity(t *testing.T) {
	p := NewInMemoryPublisher(0)
	assert.Equal(t, 1024, p.max)
}

func TestRecentReturnsCopy(t *testing.T) {
	p := NewInMemoryPublisher(4)
	p.Publish(context.Background(), makeEvent(0))

	got := p.Recent()
	got[0].EntityID = "mutated"

	again := p.Recent()
	assert.Equal(t, "esc-0", again[0].EntityID)
}
