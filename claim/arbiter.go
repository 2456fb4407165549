package claim

import (
	"context"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// keyPrefix is shared with every worker generation ever deployed; changing
// it silently disables mutual exclusion against older workers.
const keyPrefix = "lock:task_created:"

// DefaultTTL must exceed the worst-case single-task processing time,
// otherwise two workers can hold the same task at once.
const DefaultTTL = 60 * time.Second

// releaseScript deletes the claim key only while it still carries the
// holder's token. A holder that overran its TTL cannot delete a newer
// holder's claim.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Arbiter guarantees at most one concurrent processor per task identifier
// across any number of stateless workers, by delegating atomicity to the
// broker's conditional-set-with-expiry primitive.
type Arbiter struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithTTL overrides the claim time-to-live.
func WithTTL(ttl time.Duration) ArbiterOption {
	return func(a *Arbiter) { a.ttl = ttl }
}

// WithArbiterLogger replaces the default logger.
func WithArbiterLogger(log *logrus.Entry) ArbiterOption {
	return func(a *Arbiter) { a.log = log }
}

func NewArbiter(client *redis.Client, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		client: client,
		ttl:    DefaultTTL,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func key(taskID string) string { return keyPrefix + taskID }

// TTL returns the configured claim time-to-live.
func (a *Arbiter) TTL() time.Duration { return a.ttl }

// TryClaim attempts to take the claim for taskID. On success it returns the
// holder token needed to release. ok=false with a nil error means another
// worker holds the claim; callers must treat that as "skip", not failure.
func (a *Arbiter) TryClaim(ctx context.Context, taskID string) (token string, ok bool, err error) {
	token = uuid.NewString()

	ok, err = a.client.SetNX(ctx, key(taskID), token, a.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !ok {
		a.log.WithField("task_id", taskID).
			Debug("task already claimed by another worker")
		return "", false, nil
	}

	a.log.WithFields(logrus.Fields{"task_id": taskID, "ttl": a.ttl}).
		Debug("claim acquired")
	return token, true, nil
}

// Release drops the claim for taskID if token still holds it. Releasing a
// claim that already expired, or that a newer holder owns, is a no-op.
func (a *Arbiter) Release(ctx context.Context, taskID, token string) error {
	deleted, err := releaseScript.Run(ctx, a.client, []string{key(taskID)}, token).Int()
	if err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	if deleted == 0 {
		a.log.WithField("task_id", taskID).
			Debug("claim already released or superseded")
		return nil
	}

	a.log.WithField("task_id", taskID).Debug("claim released")
	return nil
}
