package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "evt_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	k := NewKeyLock()

	unlock, err := k.Lock(context.Background(), "busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	release, err := k.Lock(ctx, "busy")
	assert.Nil(t, release)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_UnlockAllowsNext(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "evt_2")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(ctx, "evt_2")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired the lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller did not acquire the lock after release")
	}
}

func TestKeyLock_DistinctShards(t *testing.T) {
	k := NewKeyLock()
	ctx := context.Background()

	a, b := "evt_alpha", "evt_beta"
	if shardOf(a) == shardOf(b) {
		t.Skip("keys share a shard")
	}

	unlockA, err := k.Lock(ctx, a)
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlockB, err := k.Lock(ctx2, b)
	require.NoError(t, err)
	unlockB()
}
