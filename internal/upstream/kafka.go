// Package upstream adapts external message sources into calls against
// a sink.Sink's Render method. Each adapter owns its own connection
// lifecycle and retry behavior; none of them touch the sink's internals
// directly, only through Render/Add, matching the separation in §1 of
// the sink component's own contract.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/multifdsink/internal/obs"
)

// Renderer is the subset of *sink.Sink the upstream adapters depend on,
// kept as an interface so tests can substitute a recording fake instead
// of standing up a real Sink.
type Renderer interface {
	Render(payload []byte, isHeader, isDelta bool, ts int64, hasTS bool)
}

// ResourceGuard lets an upstream adapter apply backpressure before
// calling Render, mirroring the teacher's two-layer
// rate-limit-then-CPU-brake consumeLoop gate.
type ResourceGuard interface {
	Allow(ctx context.Context) bool
	ShouldPause() bool
}

// KafkaConfig configures a Kafka-backed upstream adapter.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Logger        zerolog.Logger
	Metrics       *obs.Metrics
	Guard         ResourceGuard // optional; nil disables both gates
	Sink          Renderer

	// HeaderTopics names topics whose records should be rendered as
	// stream-header buffers (Render's isHeader=true) rather than delta
	// data -- e.g. a topic carrying container/caps metadata that must
	// be replayed to every new client before anything else.
	HeaderTopics map[string]struct{}
}

// KafkaConsumer wraps a franz-go client, turning each fetched record
// into one Render call. It is grounded on the teacher's
// kafka.Consumer.consumeLoop, simplified to drop broadcast batching
// (the sink's own Buffer Queue already amortizes fan-out) while keeping
// the same rate-limit/CPU-brake/direct-dispatch shape.
type KafkaConsumer struct {
	client  *kgo.Client
	logger  zerolog.Logger
	metrics *obs.Metrics
	guard   ResourceGuard
	sink    Renderer
	headers map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewKafkaConsumer builds the franz-go client. It does not start
// consuming until Start is called.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("upstream: at least one kafka broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("upstream: at least one kafka topic is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("upstream: sink renderer is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500 * time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.SessionTimeout(30 * time.Second),
		kgo.RebalanceTimeout(60 * time.Second),
	}
	if cfg.ConsumerGroup != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.ConsumerGroup))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: create kafka client: %w", err)
	}

	return &KafkaConsumer{
		client:  client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		guard:   cfg.Guard,
		sink:    cfg.Sink,
		headers: cfg.HeaderTopics,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the poll loop on its own goroutine.
func (c *KafkaConsumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
	if c.metrics != nil {
		c.metrics.UpstreamConnected.WithLabelValues("kafka").Set(1)
	}
}

// Stop cancels the poll loop, waits for it to exit, and closes the
// client.
func (c *KafkaConsumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	if c.metrics != nil {
		c.metrics.UpstreamConnected.WithLabelValues("kafka").Set(0)
	}
}

func (c *KafkaConsumer) consumeLoop() {
	defer c.wg.Done()
	defer obs.RecoverPanic(c.logger, "kafka.consumeLoop", nil)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error().Err(e.Err).Str("topic", e.Topic).Int32("partition", e.Partition).Msg("kafka fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.handleRecord(record)
		})
	}
}

func (c *KafkaConsumer) handleRecord(record *kgo.Record) {
	if c.guard != nil {
		if !c.guard.Allow(c.ctx) {
			c.recordDrop("rate_limited")
			return
		}
		if c.guard.ShouldPause() {
			c.recordDrop("cpu_brake")
			return
		}
	}

	_, isHeader := c.headers[record.Topic]

	ts := record.Timestamp.UnixNano()
	c.sink.Render(record.Value, isHeader, !isHeader, ts, true)

	c.processed.Add(1)
	if c.metrics != nil {
		c.metrics.UpstreamMessagesReceived.WithLabelValues("kafka").Inc()
	}
}

func (c *KafkaConsumer) recordDrop(reason string) {
	dropped := c.dropped.Add(1)
	if c.metrics != nil {
		c.metrics.UpstreamMessagesDropped.WithLabelValues("kafka", reason).Inc()
	}
	if dropped%100 == 0 {
		c.logger.Warn().Uint64("dropped_count", dropped).Str("reason", reason).Msg("kafka record dropped")
	}
}

// Metrics returns cumulative processed/dropped counters for diagnostics.
func (c *KafkaConsumer) Metrics() (processed, dropped uint64) {
	return c.processed.Load(), c.dropped.Load()
}
