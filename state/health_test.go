package state_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeilh/rakh-state/internal/testutil/memstate"
	"github.com/adeilh/rakh-state/state"
)

func TestHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("durable only up", func(t *testing.T) {
		tr := newTiers(t, false)
		got := tr.store.Health(ctx)
		assert.True(t, got.Overall)
		assert.True(t, got.DurableUp)
		assert.Nil(t, got.CacheUp)
	})

	t.Run("cache disabled skips cache probe", func(t *testing.T) {
		tr := newTiers(t, false)
		tr.store.Health(ctx)
		assert.Equal(t, 1, tr.durable.Calls(memstate.OpPing))
	})

	t.Run("durable down without cache", func(t *testing.T) {
		tr := newTiers(t, false)
		tr.durable.SetDown(true)
		got := tr.store.Health(ctx)
		assert.False(t, got.Overall)
		assert.False(t, got.DurableUp)
		assert.Nil(t, got.CacheUp)
	})

	t.Run("both up", func(t *testing.T) {
		tr := newTiers(t, true)
		got := tr.store.Health(ctx)
		assert.True(t, got.Overall)
		assert.True(t, got.DurableUp)
		require.NotNil(t, got.CacheUp)
		assert.True(t, *got.CacheUp)
		assert.Equal(t, 1, tr.cache.Calls(memstate.OpPing))
	})

	t.Run("cache down", func(t *testing.T) {
		tr := newTiers(t, true)
		tr.cache.SetDown(true)
		got := tr.store.Health(ctx)
		assert.False(t, got.Overall)
		assert.True(t, got.DurableUp)
		require.NotNil(t, got.CacheUp)
		assert.False(t, *got.CacheUp)
	})

	t.Run("both down", func(t *testing.T) {
		tr := newTiers(t, true)
		tr.durable.SetDown(true)
		tr.cache.SetDown(true)
		got := tr.store.Health(ctx)
		assert.False(t, got.Overall)
		assert.False(t, got.DurableUp)
		require.NotNil(t, got.CacheUp)
		assert.False(t, *got.CacheUp)
	})

	t.Run("not connected", func(t *testing.T) {
		durable := memstate.NewDurable()
		store, err := state.New(durable, state.WithCache(memstate.NewCache()))
		require.NoError(t, err)

		got := store.Health(ctx)
		assert.False(t, got.Overall)
		assert.False(t, got.DurableUp)
		require.NotNil(t, got.CacheUp)
		assert.False(t, *got.CacheUp)
		assert.Zero(t, durable.Calls(memstate.OpPing))
	})
}

func TestHealthRecoversPanickingProbe(t *testing.T) {
	var buf bytes.Buffer
	tr := newTiers(t, true, state.WithLogger(zerolog.New(&buf)))
	tr.cache.Hook = func(op string) {
		if op == memstate.OpPing {
			panic("probe exploded")
		}
	}

	got := tr.store.Health(context.Background())
	assert.False(t, got.Overall)
	assert.True(t, got.DurableUp)
	require.NotNil(t, got.CacheUp)
	assert.False(t, *got.CacheUp)
	assert.Contains(t, buf.String(), `"tier":"cache"`)
	assert.Contains(t, buf.String(), "probe exploded")
}

func TestHealthProbesRunConcurrently(t *testing.T) {
	tr := newTiers(t, true)
	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	hook := func(op string) {
		if op == memstate.OpPing {
			entered.Done()
			<-release
		}
	}
	tr.durable.Hook = hook
	tr.cache.Hook = hook

	done := make(chan state.HealthResult, 1)
	go func() { done <- tr.store.Health(context.Background()) }()

	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()
	select {
	case <-both:
	case <-time.After(2 * time.Second):
		t.Fatal("probes did not run concurrently")
	}
	close(release)
	assert.True(t, (<-done).Overall)
}

func TestHealthResultJSON(t *testing.T) {
	up := true
	raw, err := json.Marshal(state.HealthResult{Overall: true, DurableUp: true, CacheUp: &up})
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall":true,"durableStoreUp":true,"cacheUp":true}`, string(raw))

	raw, err = json.Marshal(state.HealthResult{DurableUp: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall":false,"durableStoreUp":false}`, string(raw))
}
