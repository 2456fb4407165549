package claim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/events"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []events.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload events.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, events.Event{Topic: topic, Payload: payload})
	return nil
}

func (p *fakePublisher) events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.published...)
}

func newTestRunner(t *testing.T, opts ...RunnerOption) (*miniredis.Miniredis, *fakePublisher, *Runner) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub := &fakePublisher{}
	runner := NewRunner(NewArbiter(client), pub, opts...)
	return mr, pub, runner
}

func TestRunSuccess(t *testing.T) {
	mr, pub, runner := newTestRunner(t)

	calls := 0
	processed, err := runner.Run(context.Background(), "t1", "add numbers", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, calls)
	assert.Empty(t, pub.events())
	assert.False(t, mr.Exists("lock:task_created:t1"), "claim must be released")
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	mr, pub, runner := newTestRunner(t)
	runner.wait = func(context.Context, time.Duration) error { return nil }

	calls := 0
	processed, err := runner.Run(context.Background(), "t1", "flaky goal", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 3, calls)
	assert.Empty(t, pub.events())
	assert.False(t, mr.Exists("lock:task_created:t1"))
}

func TestRunTerminalFailure(t *testing.T) {
	mr, pub, runner := newTestRunner(t, WithMaxRetries(3), WithBaseDelay(10*time.Millisecond))

	var delays []time.Duration
	runner.wait = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	calls := 0
	processed, err := runner.Run(context.Background(), "t1", "doomed goal", func(context.Context) error {
		calls++
		return errors.New("kaput")
	})

	assert.False(t, processed)

	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, "t1", terminal.TaskID)
	assert.Equal(t, 3, terminal.Attempts)

	// Exactly maxRetries attempts, with strictly increasing backoff
	// between them.
	assert.Equal(t, 3, calls)
	require.Len(t, delays, 2)
	assert.Equal(t, 10*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	assert.Greater(t, delays[1], delays[0])

	// Exactly one terminal event, and the claim is gone.
	published := pub.events()
	require.Len(t, published, 1)
	assert.Equal(t, events.TopicTaskError, published[0].Topic)
	assert.Equal(t, "t1", published[0].Payload["task_id"])
	assert.Equal(t, "kaput", published[0].Payload["error"])
	assert.Equal(t, "doomed goal", published[0].Payload["goal"])

	assert.False(t, mr.Exists("lock:task_created:t1"), "claim must be released after terminal failure")
}

func TestRunClaimConflictSkips(t *testing.T) {
	mr, pub, runner := newTestRunner(t)

	var delays int
	runner.wait = func(context.Context, time.Duration) error { delays++; return nil }

	// Another worker already holds the claim.
	require.NoError(t, mr.Set("lock:task_created:t1", "someone-else"))

	calls := 0
	processed, err := runner.Run(context.Background(), "t1", "not my job", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err, "a held claim is a skip, not a failure")
	assert.False(t, processed)
	assert.Zero(t, calls)
	assert.Zero(t, delays, "a conflict must not consume retry budget")
	assert.Empty(t, pub.events())

	// The other worker's claim is untouched.
	val, err := mr.Get("lock:task_created:t1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestRunClaimTransportFailure(t *testing.T) {
	mr, pub, runner := newTestRunner(t, WithMaxRetries(3))
	runner.wait = func(context.Context, time.Duration) error { return nil }

	mr.Close()

	processed, err := runner.Run(context.Background(), "t1", "unreachable", func(context.Context) error {
		t.Fatal("processing must not run without a claim")
		return nil
	})

	assert.False(t, processed)

	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)

	// The terminal event still goes out through the publisher.
	require.Len(t, pub.events(), 1)
	assert.Equal(t, events.TopicTaskError, pub.events()[0].Topic)
}

func TestRunContextCancelledDuringBackoff(t *testing.T) {
	mr, pub, runner := newTestRunner(t, WithBaseDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, "t1", "slow goal", func(context.Context) error {
			return errors.New("fail once")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}

	assert.Empty(t, pub.events())
	assert.False(t, mr.Exists("lock:task_created:t1"), "claim must be released on cancellation")
}

func TestThreeWorkersRaceOneProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	arbiter := NewArbiter(client)
	pub := &fakePublisher{}

	var processed atomic.Int32
	gate := make(chan struct{})

	// The winner holds its claim until both losers have observed the
	// conflict, so the race cannot degrade into sequential processing.
	fn := func(context.Context) error {
		processed.Add(1)
		<-gate
		return nil
	}

	type outcome struct {
		ok  bool
		err error
	}

	results := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		runner := NewRunner(arbiter, pub)
		go func() {
			ok, err := runner.Run(context.Background(), "t1", "contested goal", fn)
			results <- outcome{ok: ok, err: err}
		}()
	}

	skips := 0
	for skips < 2 {
		select {
		case res := <-results:
			require.NoError(t, res.err)
			require.False(t, res.ok, "losers must report skip")
			skips++
		case <-time.After(2 * time.Second):
			t.Fatal("losers did not skip")
		}
	}

	close(gate)

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.True(t, res.ok, "winner must process")
	case <-time.After(2 * time.Second):
		t.Fatal("winner did not finish")
	}

	assert.Equal(t, int32(1), processed.Load())
	assert.Empty(t, pub.events())
	assert.False(t, mr.Exists("lock:task_created:t1"))
}
