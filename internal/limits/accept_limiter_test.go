package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(ipBurst int, globalBurst int) *AcceptLimiter {
	l := NewAcceptLimiter(AcceptLimiterConfig{
		IPBurst:     ipBurst,
		IPRate:      1000, // high refill rate so only burst size matters within a test
		GlobalBurst: globalBurst,
		GlobalRate:  1000,
		Logger:      zerolog.Nop(),
	})
	return l
}

func TestAcceptLimiterAllowsUpToPerIPBurst(t *testing.T) {
	l := newTestLimiter(3, 1000)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d should be within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"), "fourth attempt should exceed the per-ip burst")
}

func TestAcceptLimiterTracksDistinctIPsIndependently(t *testing.T) {
	l := newTestLimiter(1, 1000)
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "a different ip must have its own bucket")
}

func TestAcceptLimiterEnforcesGlobalBurstAcrossIPs(t *testing.T) {
	l := newTestLimiter(1000, 2)
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow("10.0.0.3"), "third distinct ip should exceed the global burst")
}
