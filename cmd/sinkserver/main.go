package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/adred-codev/multifdsink/internal/limits"
	"github.com/adred-codev/multifdsink/internal/obs"
	"github.com/adred-codev/multifdsink/internal/platform"
	"github.com/adred-codev/multifdsink/internal/sink"
	"github.com/adred-codev/multifdsink/internal/upstream"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(obs.LoggerConfig{
		Level:   obs.LogLevel(cfg.LogLevel),
		Format:  obs.LogFormat(cfg.LogFormat),
		Service: "sinkserver",
	})
	cfg.LogConfig(logger)

	metrics := obs.NewMetrics()

	opts, err := buildSinkOptions(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid sink options")
	}

	poll, err := platform.NewEpollPollSet()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create poll set")
	}

	notif := sink.Notifier{
		ClientAdded: func(fd int) {
			metrics.ClientsAdded.Inc()
			metrics.ClientsActive.Inc()
			logger.Debug().Int("fd", fd).Msg("client added")
		},
		ClientRemoved: func(fd int, status sink.Status) {
			metrics.ClientsRemoved.WithLabelValues(status.String()).Inc()
			if status != sink.StatusDuplicate {
				// a rejected duplicate add was never counted as active
				metrics.ClientsActive.Dec()
			}
			logger.Debug().Int("fd", fd).Str("status", status.String()).Msg("client removed")
		},
		ClientFDRemoved: func(fd int) {
			_ = unix.Close(fd)
		},
	}

	snk := sink.New(opts, notif, poll)
	snk.Start()

	memLimit, err := platform.MemoryLimit()
	if err != nil {
		logger.Warn().Err(err).Msg("could not read cgroup memory limit")
	}
	metrics.MemoryLimitBytes.Set(float64(memLimit))

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = platform.CalculateMaxClients(memLimit)
	}
	logger.Info().Int("max_connections", maxConns).Msg("connection capacity sized")

	acceptLimiter := limits.NewAcceptLimiter(limits.AcceptLimiterConfig{
		IPBurst:     cfg.AcceptIPBurst,
		IPRate:      cfg.AcceptIPRate,
		GlobalBurst: cfg.AcceptGlobalBurst,
		GlobalRate:  cfg.AcceptGlobalRate,
		Logger:      logger,
		Metrics:     metrics,
	})

	upstreamGuard := limits.NewUpstreamGuard(limits.UpstreamGuardConfig{
		MaxMessagesPerSec: cfg.MaxUpstreamRate,
		CPUPauseThreshold: cfg.CPUPauseThreshold,
		Logger:            logger,
	})
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	upstreamGuard.StartMonitoring(monitorCtx, cfg.MetricsInterval, metrics)

	up, err := startUpstream(cfg, snk, upstreamGuard, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start upstream consumer")
	}

	accept, err := newAcceptLoop(cfg.Addr, snk, acceptLimiter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start accept loop")
	}
	go accept.run()
	logger.Info().Str("addr", cfg.Addr).Msg("accepting connections")

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Warn().Int("clients", snk.NumClients()).Msg("SIGHUP received, dropping all viewers")
			snk.Clear()
			continue
		}
		break
	}

	logger.Info().Msg("shutting down")

	accept.Stop()
	up.Stop()
	cancelMonitor()
	acceptLimiter.Stop()

	snk.StopPre()
	snk.StopPost()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}

// upstreamConsumer is the subset of Kafka/NATS adapters main needs for
// lifecycle management, letting the two concrete types share one
// shutdown path.
type upstreamConsumer interface {
	Stop()
}

func startUpstream(cfg *Config, snk *sink.Sink, guard *limits.UpstreamGuard, metrics *obs.Metrics, logger zerolog.Logger) (upstreamConsumer, error) {
	switch cfg.UpstreamKind {
	case "nats":
		c, err := upstream.NewNATSConsumer(upstream.NATSConfig{
			URL:          cfg.NATSUrl,
			Subject:      cfg.NATSSubject,
			StreamName:   cfg.NATSStreamName,
			ConsumerName: cfg.NATSConsumerName,
			AckWait:      cfg.NATSAckWait,
			Logger:       logger,
			Metrics:      metrics,
			Guard:        guard,
			Sink:         snk,
		})
		if err != nil {
			return nil, err
		}
		return c, nil

	default:
		topics := splitCSV(cfg.KafkaTopics)
		headerTopics := make(map[string]struct{})
		for _, t := range splitCSV(cfg.KafkaHeaderTopics) {
			headerTopics[t] = struct{}{}
		}
		c, err := upstream.NewKafkaConsumer(upstream.KafkaConfig{
			Brokers:       splitCSV(cfg.KafkaBrokers),
			ConsumerGroup: cfg.KafkaGroup,
			Topics:        topics,
			Logger:        logger,
			Metrics:       metrics,
			Guard:         guard,
			Sink:          snk,
			HeaderTopics:  headerTopics,
		})
		if err != nil {
			return nil, err
		}
		c.Start()
		return c, nil
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildSinkOptions(cfg *Config) (sink.Options, error) {
	opts := sink.DefaultOptions()

	unit, err := parseUnit(cfg.UnitType)
	if err != nil {
		return opts, err
	}
	opts.UnitType = unit
	opts.UnitsMax = cfg.UnitsMax
	opts.UnitsSoftMax = cfg.UnitsSoftMax
	opts.BurstUnit = unit
	opts.BurstValue = cfg.BurstValue

	method, err := parseSyncMethod(cfg.DefaultSyncMethod)
	if err != nil {
		return opts, err
	}
	opts.DefaultSyncMethod = method

	policy, err := parseRecoverPolicy(cfg.RecoverPolicy)
	if err != nil {
		return opts, err
	}
	opts.RecoverPolicy = policy

	opts.Timeout = cfg.ClientTimeout
	opts.QoSDSCP = cfg.QoSDSCP

	return opts, nil
}

func parseUnit(s string) (sink.Unit, error) {
	switch s {
	case "buffers":
		return sink.UnitBuffers, nil
	case "bytes":
		return sink.UnitBytes, nil
	case "time":
		return sink.UnitTime, nil
	default:
		return sink.UnitUndefined, fmt.Errorf("unknown unit type %q", s)
	}
}

func parseSyncMethod(s string) (sink.SyncMethod, error) {
	switch s {
	case "latest":
		return sink.SyncLatest, nil
	case "next-keyframe":
		return sink.SyncNextKeyframe, nil
	case "latest-keyframe":
		return sink.SyncLatestKeyframe, nil
	case "burst":
		return sink.SyncBurst, nil
	case "burst-keyframe":
		return sink.SyncBurstKeyframe, nil
	case "burst-with-keyframe":
		return sink.SyncBurstWithKeyframe, nil
	default:
		return sink.SyncLatest, fmt.Errorf("unknown sync method %q", s)
	}
}

func parseRecoverPolicy(s string) (sink.RecoverPolicy, error) {
	switch s {
	case "none":
		return sink.RecoverNone, nil
	case "resync-latest":
		return sink.RecoverResyncLatest, nil
	case "resync-soft-limit":
		return sink.RecoverResyncSoftLimit, nil
	case "resync-keyframe":
		return sink.RecoverResyncKeyframe, nil
	default:
		return sink.RecoverNone, fmt.Errorf("unknown recover policy %q", s)
	}
}
