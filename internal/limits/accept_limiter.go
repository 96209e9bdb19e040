// Package limits holds connection-admission throttling used by
// cmd/sinkserver's accept loop before a socket is ever handed to the
// sink.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/multifdsink/internal/obs"
)

// AcceptLimiter throttles inbound connection attempts with a two-level
// token bucket: a per-IP limiter guards against a single flooding
// client, a global limiter guards against an aggregate flood across
// many IPs. Adapted from the teacher's ConnectionRateLimiter.
type AcceptLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter
	globalBurst   int
	globalRate    float64

	logger  zerolog.Logger
	metrics *obs.Metrics

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AcceptLimiterConfig configures AcceptLimiter. Zero values fall back
// to the teacher's defaults.
type AcceptLimiterConfig struct {
	IPBurst int
	IPRate  float64
	IPTTL   time.Duration

	GlobalBurst int
	GlobalRate  float64

	Logger  zerolog.Logger
	Metrics *obs.Metrics
}

// NewAcceptLimiter constructs a limiter and starts its background
// stale-IP cleanup loop.
func NewAcceptLimiter(cfg AcceptLimiterConfig) *AcceptLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &AcceptLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		globalBurst:   cfg.GlobalBurst,
		globalRate:    cfg.GlobalRate,
		logger:        cfg.Logger.With().Str("component", "accept_limiter").Logger(),
		metrics:       cfg.Metrics,
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow decides whether a connection attempt from ip may proceed:
// global rate checked first (cheap, no map lookup), then the IP's own
// bucket.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: global accept rate exceeded")
		if l.metrics != nil {
			l.metrics.AcceptsRejected.WithLabelValues("global").Inc()
		}
		return false
	}

	if !l.getIPLimiter(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip accept rate exceeded")
		if l.metrics != nil {
			l.metrics.AcceptsRejected.WithLabelValues("per_ip").Inc()
		}
		return false
	}

	if l.metrics != nil {
		l.metrics.AcceptsAllowed.Inc()
	}
	return true
}

func (l *AcceptLimiter) getIPLimiter(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipLimiters[ip]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok = l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *AcceptLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *AcceptLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop ends the cleanup goroutine. Call once during shutdown.
func (l *AcceptLimiter) Stop() {
	close(l.stopCleanup)
}
