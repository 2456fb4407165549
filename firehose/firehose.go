// Package firehose mirrors every event on the bus into a Kafka topic for
// offline audit. The mirror is a plain wildcard listener: it sees exactly
// what any other subscriber sees, and a mirror outage never affects
// in-band event delivery.
package firehose

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/bus"
	"github.com/taskmesh/taskmesh/events"
)

const defaultWriteTimeout = 5 * time.Second

// Writer is the outbound Kafka surface, satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Mirror forwards bus events to Kafka.
type Mirror struct {
	w       Writer
	log     *logrus.Entry
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Mirror) { m.log = log }
}

// WithWriteTimeout bounds each Kafka write.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Mirror) { m.timeout = d }
}

func New(w Writer, opts ...Option) *Mirror {
	m := &Mirror{
		w:       w,
		log:     logrus.WithField("component", "firehose"),
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewWriter builds a production Kafka writer for the mirror topic. Messages
// are keyed by source topic so one topic's events stay ordered within a
// partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// Listener returns the wildcard listener to register on the bus.
func (m *Mirror) Listener() bus.Listener {
	return func(topic string, payload events.Payload) {
		m.forward(topic, payload)
	}
}

func (m *Mirror) forward(topic string, payload events.Payload) {
	value, err := json.Marshal(events.Event{
		Topic:       topic,
		Payload:     payload,
		PublishedAt: m.now().UTC(),
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{"topic": topic, "error": err}).
			Warn("could not encode event for mirroring")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: value,
	}); err != nil {
		m.log.WithFields(logrus.Fields{"topic": topic, "error": err}).
			Warn("failed to mirror event")
		return
	}

	m.log.WithField("topic", topic).Debug("event mirrored")
}
