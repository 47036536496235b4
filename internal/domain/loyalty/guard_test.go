package loyalty

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_Serializes(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
		counter int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "u1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			// Unsynchronized read-modify-write protected only by the guard.
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 32, counter)
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, k.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		defer close(done)
		unlockB, err := k.Lock(ctx, "b")
		if assert.NoError(t, err) {
			unlockB()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_ContextCanceled(t *testing.T) {
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "u1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	// Calling unlock twice is harmless.
	unlock()
	assert.Zero(t, k.size())

	unlock, err = k.Lock(context.Background(), "u1")
	require.NoError(t, err)
	unlock()
}

func TestNopGuard(t *testing.T) {
	unlock, err := NopGuard{}.Lock(context.Background(), "u1")
	require.NoError(t, err)
	unlock()
}
