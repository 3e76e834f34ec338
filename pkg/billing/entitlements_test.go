package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	mu    sync.Mutex
	calls int
	subs  map[string]*Subscription
	err   error
}

func (r *countingReader) GetByChild(_ context.Context, childID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	sub, ok := r.subs[childID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func TestEntitlements_TierFor(t *testing.T) {
	subID := "sub_1"
	reader := &countingReader{subs: map[string]*Subscription{
		"active":   {ChildID: "active", Tier: TierPro, IsActive: true, StripeSubscriptionID: &subID},
		"pastdue":  {ChildID: "pastdue", Tier: TierMax, IsActive: false, StripeSubscriptionID: &subID},
		"freebies": {ChildID: "freebies", Tier: TierFree, IsActive: true},
	}}
	ent := NewEntitlements(reader, time.Minute, 10)
	ctx := context.Background()

	tier, err := ent.TierFor(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)

	tier, err = ent.TierFor(ctx, "pastdue")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	tier, err = ent.TierFor(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	// Cached
	_, _ = ent.TierFor(ctx, "active")
	assert.Equal(t, 3, reader.calls)
	assert.Equal(t, int64(1), ent.Stats().Hits)

	require.NoError(t, ent.OnChange(ctx, ChangeEvent{ChildID: "active"}))
	_, _ = ent.TierFor(ctx, "active")
	assert.Equal(t, 4, reader.calls)
}

func TestEntitlements_StoreError(t *testing.T) {
	reader := &countingReader{err: errors.New("db down")}
	ent := NewEntitlements(reader, time.Minute, 10)

	tier, err := ent.TierFor(context.Background(), "c1")
	assert.Error(t, err)
	assert.Equal(t, TierFree, tier)
	assert.Equal(t, 0, ent.Stats().Size)
}

func TestEntitlements_Eviction(t *testing.T) {
	reader := &countingReader{subs: map[string]*Subscription{}}
	ent := NewEntitlements(reader, time.Minute, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := ent.TierFor(ctx, id)
		require.NoError(t, err)
	}

	stats := ent.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestEntitlements_NoCache(t *testing.T) {
	reader := &countingReader{subs: map[string]*Subscription{}}
	ent := NewEntitlements(reader, 0, 10)
	ctx := context.Background()

	_, _ = ent.TierFor(ctx, "a")
	_, _ = ent.TierFor(ctx, "a")
	assert.Equal(t, 2, reader.calls)
}

// invalidatingReader simulates a record write landing while a read is in flight.
type invalidatingReader struct {
	sub    *Subscription
	onRead func()
}

func (r *invalidatingReader) GetByChild(context.Context, string) (*Subscription, error) {
	sub := r.sub
	if r.onRead != nil {
		r.onRead()
		r.onRead = nil
	}
	return sub, nil
}

func TestEntitlements_InvalidateDuringReadIsNotOverwritten(t *testing.T) {
	subID := "sub_1"
	reader := &invalidatingReader{sub: &Subscription{ChildID: "child", Tier: TierPro, IsActive: true, StripeSubscriptionID: &subID}}
	ent := NewEntitlements(reader, time.Hour, 10)
	ctx := context.Background()

	reader.onRead = func() {
		reader.sub = &Subscription{ChildID: "child", Tier: TierFree, IsActive: true}
		require.NoError(t, ent.OnChange(ctx, ChangeEvent{ChildID: "child", NewTier: TierFree}))
	}

	tier, err := ent.TierFor(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)
	assert.Equal(t, 0, ent.Stats().Size)

	tier, err = ent.TierFor(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)
	assert.Equal(t, 1, ent.Stats().Size)
}
