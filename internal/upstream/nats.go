package upstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/multifdsink/internal/obs"
)

// NATSConfig configures a JetStream-backed upstream adapter.
type NATSConfig struct {
	URL          string
	Subject      string // e.g. "odin.token.>"
	StreamName   string
	ConsumerName string
	AckWait      time.Duration
	Logger       zerolog.Logger
	Metrics      *obs.Metrics
	Guard        ResourceGuard
	Sink         Renderer
	IsHeader     bool // true if every message on Subject is a stream-header buffer
}

// NATSConsumer durably subscribes to a JetStream subject and feeds each
// delivered message into Render, acking only once Render has accepted
// it -- grounded on the teacher's manual-ack JetStream subscription in
// src/server.go's Start, simplified to a direct Render call (the
// sink's own bounded queue replaces the teacher's worker-pool
// indirection, since Render itself never blocks on client I/O).
type NATSConsumer struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	logger  zerolog.Logger
	metrics *obs.Metrics
	guard   ResourceGuard
	sink    Renderer
	isHeader bool

	received atomic.Int64
	dropped  atomic.Int64
	ackFails atomic.Int64
}

// NewNATSConsumer connects, ensures the JetStream stream exists, and
// creates a durable manual-ack subscription. There is no separate
// Start: nats.go delivers asynchronously from the moment Subscribe
// returns, so the adapter is already delivering to Render by the time
// this constructor returns.
func NewNATSConsumer(cfg NATSConfig) (*NATSConsumer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream: nats url is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("upstream: sink renderer is required")
	}

	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("upstream: connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("upstream: init jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{cfg.Subject},
			Retention: nats.InterestPolicy,
			Storage:   nats.MemoryStorage,
			Discard:   nats.DiscardOld,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("upstream: create jetstream stream: %w", err)
		}
	}

	c := &NATSConsumer{
		conn:     nc,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		guard:    cfg.Guard,
		sink:     cfg.Sink,
		isHeader: cfg.IsHeader,
	}

	sub, err := js.Subscribe(cfg.Subject, c.handleMsg,
		nats.Durable(cfg.ConsumerName), nats.ManualAck(), nats.AckWait(cfg.AckWait))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("upstream: subscribe to jetstream: %w", err)
	}
	c.sub = sub

	if cfg.Metrics != nil {
		cfg.Metrics.UpstreamConnected.WithLabelValues("nats").Set(1)
	}

	return c, nil
}

func (c *NATSConsumer) handleMsg(msg *nats.Msg) {
	defer obs.RecoverPanic(c.logger, "nats.handleMsg", nil)

	if c.guard != nil {
		if !c.guard.Allow(context.Background()) {
			c.nak(msg, "rate_limited")
			return
		}
		if c.guard.ShouldPause() {
			c.nak(msg, "cpu_brake")
			return
		}
	}

	c.received.Add(1)
	if c.metrics != nil {
		c.metrics.UpstreamMessagesReceived.WithLabelValues("nats").Inc()
	}

	c.sink.Render(msg.Data, c.isHeader, !c.isHeader, time.Now().UnixNano(), true)

	if err := msg.Ack(); err != nil {
		fails := c.ackFails.Add(1)
		if fails%100 == 0 {
			c.logger.Warn().Err(err).Int64("ack_failures", fails).Msg("high nats ack failure rate")
		}
	}
}

func (c *NATSConsumer) nak(msg *nats.Msg, reason string) {
	if err := msg.Nak(); err != nil {
		c.logger.Error().Err(err).Str("reason", reason).Msg("failed to nak nats message")
	}
	dropped := c.dropped.Add(1)
	if c.metrics != nil {
		c.metrics.UpstreamMessagesDropped.WithLabelValues("nats", reason).Inc()
	}
	if dropped%100 == 0 {
		c.logger.Warn().Int64("dropped_count", dropped).Str("reason", reason).Msg("nats message dropped")
	}
}

// Stop unsubscribes and closes the connection.
func (c *NATSConsumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.conn.Close()
	if c.metrics != nil {
		c.metrics.UpstreamConnected.WithLabelValues("nats").Set(0)
	}
}

// Metrics returns cumulative received/dropped counters for diagnostics.
func (c *NATSConsumer) Metrics() (received, dropped int64) {
	return c.received.Load(), c.dropped.Load()
}
