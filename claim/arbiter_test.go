package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbiter(t *testing.T, opts ...ArbiterOption) (*miniredis.Miniredis, *Arbiter) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewArbiter(client, opts...)
}

func TestTryClaim(t *testing.T) {
	mr, arbiter := newTestArbiter(t)
	ctx := context.Background()

	token, ok, err := arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// The claim lives under the shared key prefix with the holder token as
	// its value.
	val, err := mr.Get("lock:task_created:t1")
	require.NoError(t, err)
	assert.Equal(t, token, val)

	// Second claim for the same task loses without side effects.
	token2, ok, err := arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token2)

	// A different task is unaffected.
	_, ok, err = arbiter.TryClaim(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryClaimExclusivity(t *testing.T) {
	_, arbiter := newTestArbiter(t)
	ctx := context.Background()

	const workers = 25

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		wins  int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := arbiter.TryClaim(ctx, "contested")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one concurrent claim must win")
}

func TestClaimTTLSelfHeals(t *testing.T) {
	mr, arbiter := newTestArbiter(t, WithTTL(30*time.Second))
	ctx := context.Background()

	_, ok, err := arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	// Holder crashes and never releases; the broker expires the key.
	mr.FastForward(31 * time.Second)

	_, ok, err = arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok, "expired claim must be claimable again")
}

func TestReleaseIdempotent(t *testing.T) {
	mr, arbiter := newTestArbiter(t)
	ctx := context.Background()

	// Releasing a claim that was never taken is a no-op.
	require.NoError(t, arbiter.Release(ctx, "t1", "no-such-token"))

	token, ok, err := arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, arbiter.Release(ctx, "t1", token))
	assert.False(t, mr.Exists("lock:task_created:t1"))

	// And again.
	require.NoError(t, arbiter.Release(ctx, "t1", token))
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	mr, arbiter := newTestArbiter(t, WithTTL(10*time.Second))
	ctx := context.Background()

	stale, ok, err := arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	// The first holder overruns its TTL; a second worker claims the task.
	mr.FastForward(11 * time.Second)

	fresh, ok, err := arbiter.TryClaim(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	// The late first holder finishes and releases: it must not delete the
	// new holder's claim.
	require.NoError(t, arbiter.Release(ctx, "t1", stale))
	require.True(t, mr.Exists("lock:task_created:t1"))

	val, err := mr.Get("lock:task_created:t1")
	require.NoError(t, err)
	assert.Equal(t, fresh, val)

	require.NoError(t, arbiter.Release(ctx, "t1", fresh))
	assert.False(t, mr.Exists("lock:task_created:t1"))
}
