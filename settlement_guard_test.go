package payload

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSettlementKey(t *testing.T) {
	key1 := SettlementKey("action-1", "user-1", "resource-1")
	key2 := SettlementKey("action-1", "user-1", "resource-2")
	key3 := SettlementKey("action-1", "user-1", "resource-1")

	assert.Equal(t, key1, key3, "same tuple should produce same key")
	assert.NotEqual(t, key1, key2, "different tuples should produce different keys")
	assert.Len(t, key1, 64)

	// Separator prevents concatenation collisions
	assert.NotEqual(t, SettlementKey("ab", "c", ""), SettlementKey("a", "bc", ""))
}

func TestActionSettlementKey(t *testing.T) {
	oneTime := &Action{ID: "action-1", Recurrence: RecurrenceOneTimePerUser}
	perRequest := &Action{ID: "action-1", Recurrence: RecurrencePerRequest}

	assert.Equal(t,
		ActionSettlementKey(oneTime, "user-1", "https://api0.example.com"),
		ActionSettlementKey(oneTime, "user-1", "https://api1.example.com"),
		"one-time actions lock per user across resources")
	assert.NotEqual(t,
		ActionSettlementKey(oneTime, "user-1", "https://api0.example.com"),
		ActionSettlementKey(oneTime, "user-2", "https://api0.example.com"))
	assert.NotEqual(t,
		ActionSettlementKey(perRequest, "user-1", "https://api0.example.com"),
		ActionSettlementKey(perRequest, "user-1", "https://api1.example.com"))
}

func TestSettlementGuard_TryAcquire(t *testing.T) {
	guard := NewSettlementGuard()
	key := "tuple"

	acquired, done := guard.TryAcquire(key)
	require.True(t, acquired)

	acquired2, done2 := guard.TryAcquire(key)
	assert.False(t, acquired2)
	assert.Equal(t, done, done2, "waiters should observe the owner's channel")
	assert.Equal(t, 1, guard.InFlight())

	guard.Release(key, done)
	assert.Equal(t, 0, guard.InFlight())

	select {
	case <-done2:
	default:
		t.Fatal("expected waiter channel to be closed after release")
	}

	acquired3, done3 := guard.TryAcquire(key)
	assert.True(t, acquired3, "key should be reusable after release")
	guard.Release(key, done3)
}

func TestSettlementGuard_AcquireWaitsForOwner(t *testing.T) {
	guard := NewSettlementGuard()
	key := "wait"

	release, err := guard.Acquire(context.Background(), key)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := guard.Acquire(context.Background(), key)
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the key is held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release() // idempotent

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestSettlementGuard_AcquireContextCancelled(t *testing.T) {
	guard := NewSettlementGuard()
	key := "cancel"

	release, err := guard.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = guard.Acquire(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSettlementGuard_MutualExclusion(t *testing.T) {
	guard := NewSettlementGuard()
	key := SettlementKey("a", "u", "r")

	var active, maxActive, total int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := guard.Acquire(context.Background(), key)
			if err != nil {
				return
			}
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&total, 1)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive, "at most one holder at a time")
	assert.Equal(t, int32(20), total)
	assert.Equal(t, 0, guard.InFlight())
}
