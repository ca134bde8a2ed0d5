package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAlerter struct {
	mu   sync.Mutex
	sent []Alert
	fail error
}

func (f *fakeAlerter) Send(_ context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiAlerterFansOut(t *testing.T) {
	a, b := &fakeAlerter{}, &fakeAlerter{}
	m := NewMultiAlerter(time.Minute, discardLogger(), a, b)

	err := m.Send(context.Background(), Alert{Type: TypeCustodyMismatch, Entity: "credit", Title: "mismatch"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestMultiAlerterCooldownPerKey(t *testing.T) {
	a := &fakeAlerter{}
	m := NewMultiAlerter(time.Minute, discardLogger(), a)
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, Alert{Type: TypeCustodyMismatch, Entity: "credit"}))
	require.NoError(t, m.Send(ctx, Alert{Type: TypeCustodyMismatch, Entity: "credit"}))
	assert.Equal(t, 1, a.count())

	// A different entity or type is a different key.
	require.NoError(t, m.Send(ctx, Alert{Type: TypeCustodyMismatch, Entity: "usd"}))
	require.NoError(t, m.Send(ctx, Alert{Type: TypeStakeSlashed, Entity: "credit"}))
	assert.Equal(t, 3, a.count())
}

func TestMultiAlerterResendsAfterCooldown(t *testing.T) {
	a := &fakeAlerter{}
	m := NewMultiAlerter(10*time.Millisecond, discardLogger(), a)
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, Alert{Type: TypeOracleDegraded, Entity: "advisory"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Send(ctx, Alert{Type: TypeOracleDegraded, Entity: "advisory"}))
	assert.Equal(t, 2, a.count())
}

func TestMultiAlerterReturnsFirstErrorButTriesAll(t *testing.T) {
	boom := errors.New("channel down")
	bad, good := &fakeAlerter{fail: boom}, &fakeAlerter{}
	m := NewMultiAlerter(time.Minute, discardLogger(), bad, good)

	err := m.Send(context.Background(), Alert{Type: TypeForcedSettle, Entity: "esc-1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, good.count())
}

func TestWebhookAlerterPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookAlerter(srv.URL)
	err := w.Send(context.Background(), Alert{
		Type:    TypeStakeSlashed,
		Entity:  "did:key:z6MkSlashed",
		Title:   "stake slashed",
		Message: "600 credit",
		Fields:  map[string]string{"amount": "600"},
	})
	require.NoError(t, err)
	assert.Equal(t, "STAKE_SLASHED", got["type"])
	assert.Equal(t, "did:key:z6MkSlashed", got["entity"])
}

func TestWebhookAlerterRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookAlerter(srv.URL)
	require.NoError(t, w.Send(context.Background(), Alert{Type: TypeRecovery, Entity: "credit"}))
	assert.Equal(t, 2, calls)
}

func TestWebhookAlerterStopsOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhookAlerter(srv.URL)
	err := w.Send(context.Background(), Alert{Type: TypeRecovery, Entity: "credit"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNoopAlerter(t *testing.T) {
	var n NoopAlerter
	assert.NoError(t, n.Send(context.Background(), Alert{Type: TypeRecovery}))
}
