package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	redis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/events"
	"github.com/taskmesh/taskmesh/workers"
)

var errStreamClosed = errors.New("subscription stream closed")

// Bus fans externally delivered events out to locally registered listeners.
// Transport is Redis pub/sub: exact topics map to SUBSCRIBE, glob patterns
// to PSUBSCRIBE. One Bus owns one subscription connection and one dispatch
// loop; every worker process runs its own.
type Bus struct {
	client *redis.Client
	log    *logrus.Entry
	reg    *registry
	pool   *workers.Pool

	mu     sync.Mutex
	pubsub *redis.PubSub

	closed atomic.Bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(b *Bus) { b.log = log }
}

// WithDispatchPool offloads listener invocation to a pool of n workers
// instead of running listeners inline on the dispatch loop. Events are
// sharded by topic, so per-topic ordering is preserved.
func WithDispatchPool(n int) Option {
	return func(b *Bus) {
		b.pool = workers.NewPool("bus-dispatch", n, 256)
	}
}

// New creates a Bus on top of an established Redis client. The client is
// shared with other components (claim arbitration uses the same keyspace);
// the Bus does not own or close it.
func New(client *redis.Client, opts ...Option) *Bus {
	b := &Bus{
		client: client,
		log:    logrus.NewEntry(logrus.StandardLogger()),
		reg:    newRegistry(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pool != nil {
		b.pool.Start()
	}
	return b
}

func (b *Bus) ensurePubSub(ctx context.Context) *redis.PubSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(ctx)
	}
	return b.pubsub
}

// Subscribe registers fn under pattern. A pattern containing glob
// metacharacters (*, ?, [) becomes a broker pattern subscription and
// matches future topics; anything else is an exact topic. Registering the
// same (pattern, listener) pair twice is a no-op: the listener still fires
// once per matching event.
//
// Safe for concurrent use with Publish and the dispatch loop.
func (b *Bus) Subscribe(ctx context.Context, pattern string, fn Listener) error {
	if pattern == "" {
		return errors.New("bus: empty subscription pattern")
	}
	if fn == nil {
		return errors.New("bus: nil listener")
	}

	added, first := b.reg.add(pattern, fn)
	if !added {
		b.log.WithField("pattern", pattern).Debug("listener already subscribed")
		return nil
	}

	if !first {
		return nil
	}

	ps := b.ensurePubSub(ctx)
	var err error
	if isGlob(pattern) {
		err = ps.PSubscribe(ctx, pattern)
	} else {
		err = ps.Subscribe(ctx, pattern)
	}
	if err != nil {
		return &TransportError{Op: "subscribe " + pattern, Err: err}
	}

	b.log.WithFields(logrus.Fields{"pattern": pattern, "glob": isGlob(pattern)}).
		Debug("subscription registered")
	return nil
}

// Publish serializes payload and sends it to topic. Fire-and-forget: it
// returns once the broker accepted the message and gives no indication of
// subscriber cardinality. A nil payload is sent as an empty object.
func (b *Bus) Publish(ctx context.Context, topic string, payload events.Payload) error {
	if topic == "" {
		return errors.New("bus: empty topic")
	}
	if payload == nil {
		payload = events.Payload{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return &EncodingError{Topic: topic, Err: err}
	}

	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return &TransportError{Op: "publish " + topic, Err: err}
	}

	b.log.WithField("topic", topic).Debug("event published")
	return nil
}

// Listen blocks on the broker's delivery stream and dispatches every
// inbound message. It returns only when ctx is cancelled, the Bus is
// closed, or the transport fails.
func (b *Bus) Listen(ctx context.Context) error {
	ps := b.ensurePubSub(ctx)
	ch := ps.Channel()

	b.log.Info("event bus listening")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				if b.closed.Load() {
					return nil
				}
				return &TransportError{Op: "receive", Err: errStreamClosed}
			}
			b.dispatch(msg)
		}
	}
}

// Handle tracks a background dispatch loop started by ListenInBackground.
type Handle struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Done is closed when the loop exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the loop is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the loop's exit error. Meaningful only after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ListenInBackground runs Listen on its own goroutine and returns a Handle
// the caller can use for liveness checks.
func (b *Bus) ListenInBackground(ctx context.Context) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		err := b.Listen(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()
	return h
}

// Close tears down the subscription connection and drains the dispatch
// pool. A Listen in progress returns nil.
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	ps := b.pubsub
	b.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	if b.pool != nil {
		b.pool.Stop()
	}
	return err
}

func (b *Bus) dispatch(msg *redis.Message) {
	var payload events.Payload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		b.log.WithFields(logrus.Fields{"topic": msg.Channel, "error": err}).
			Warn("dropping event with undecodable payload")
		return
	}

	// The broker hands an event over once per matching subscription: exact
	// SUBSCRIBEs arrive without a pattern, PSUBSCRIBEs carry the pattern
	// that matched. Each delivery goes to that subscription's listeners
	// only; fanning out to every matching listener here would invoke them
	// once per overlapping subscription.
	var listeners []Listener
	if msg.Pattern == "" {
		listeners = b.reg.exactListeners(msg.Channel)
	} else {
		listeners = b.reg.patternListeners(msg.Pattern)
	}
	if len(listeners) == 0 {
		// Publishers do not know subscriber cardinality; an unmatched
		// event is absorbed silently.
		b.log.WithField("topic", msg.Channel).Debug("no listeners for event")
		return
	}

	if b.pool != nil {
		topic := msg.Channel
		if err := b.pool.Submit(topic, func() {
			b.invoke(topic, payload, listeners)
		}); err != nil {
			b.log.WithFields(logrus.Fields{"topic": topic, "error": err}).
				Warn("dispatch pool rejected event")
		}
		return
	}

	b.invoke(msg.Channel, payload, listeners)
}

// invoke runs each listener in turn. A panicking listener is logged and
// does not prevent the remaining listeners from running.
func (b *Bus) invoke(topic string, payload events.Payload, listeners []Listener) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithFields(logrus.Fields{"topic": topic, "panic": r}).
						Error("listener panicked")
				}
			}()
			fn(topic, payload)
		}()
	}
}
