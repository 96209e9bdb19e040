package limits

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/multifdsink/internal/obs"
	"github.com/adred-codev/multifdsink/internal/platform"
)

// UpstreamGuard rate-limits upstream message consumption and trips a
// CPU emergency brake, satisfying internal/upstream's ResourceGuard
// interface. Adapted from the teacher's ResourceGuard, narrowed to the
// two checks an upstream adapter actually needs -- connection
// admission control lives in AcceptLimiter instead, since the sink
// itself (not this package) owns add()/add_full admission.
type UpstreamGuard struct {
	logger zerolog.Logger

	msgLimiter *rate.Limiter
	cpuMonitor *platform.CPUMonitor

	cpuPauseThreshold float64
	currentCPU        atomic.Value // float64

	stop chan struct{}
}

// UpstreamGuardConfig configures UpstreamGuard.
type UpstreamGuardConfig struct {
	MaxMessagesPerSec int
	CPUPauseThreshold float64 // percent of allocated CPU; 0 disables the brake
	Logger            zerolog.Logger
}

// NewUpstreamGuard constructs a guard and seeds its CPU sample to 0
// until StartMonitoring's first successful sample.
func NewUpstreamGuard(cfg UpstreamGuardConfig) *UpstreamGuard {
	rateLimit := cfg.MaxMessagesPerSec
	if rateLimit <= 0 {
		rateLimit = 1000
	}

	g := &UpstreamGuard{
		logger:            cfg.Logger,
		msgLimiter:        rate.NewLimiter(rate.Limit(rateLimit), rateLimit*2),
		cpuMonitor:        platform.NewCPUMonitor(),
		cpuPauseThreshold: cfg.CPUPauseThreshold,
		stop:              make(chan struct{}),
	}
	g.currentCPU.Store(0.0)
	return g
}

// Allow is a non-blocking token-bucket check (upstream.ResourceGuard).
func (g *UpstreamGuard) Allow(ctx context.Context) bool {
	return g.msgLimiter.Allow()
}

// ShouldPause reports whether CPU usage has crossed the configured
// emergency-brake threshold (upstream.ResourceGuard).
func (g *UpstreamGuard) ShouldPause() bool {
	if g.cpuPauseThreshold <= 0 {
		return false
	}
	return g.currentCPU.Load().(float64) > g.cpuPauseThreshold
}

// StartMonitoring periodically refreshes the CPU sample used by
// ShouldPause until ctx is done.
func (g *UpstreamGuard) StartMonitoring(ctx context.Context, interval time.Duration, metrics *obs.Metrics) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				percent, throttle, err := g.cpuMonitor.Percent()
				if err != nil {
					continue
				}
				g.currentCPU.Store(percent)
				if metrics != nil {
					metrics.CPUUsagePercent.Set(percent)
					metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
				}
				if throttle.NrThrottled > 0 {
					g.logger.Warn().
						Uint64("nr_throttled", throttle.NrThrottled).
						Float64("throttled_sec", throttle.ThrottledSec).
						Msg("cgroup reported cpu throttling")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
