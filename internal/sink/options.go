package sink

import "time"

// Options is the sink's configuration surface (§6's table). The core
// library takes this as a plain struct; only the host binary parses
// it from the environment (see SPEC_FULL.md's AMBIENT STACK).
type Options struct {
	UnitType Unit // Buffers, Bytes, or Time

	UnitsMax     int64 // -1 = unbounded; hard lag threshold, evicts as Slow
	UnitsSoftMax int64 // -1 = unbounded; soft threshold, triggers Recover Policy

	BytesMin   int64 // queue floor: keep at least this many bytes queued
	BuffersMin int64
	TimeMin    int64

	BurstUnit  Unit
	BurstValue int64

	DefaultSyncMethod SyncMethod
	RecoverPolicy     RecoverPolicy

	Timeout time.Duration // 0 = disabled inactivity kick

	QoSDSCP int // -1..63; >=0 sets IP_TOS/IPV6_TCLASS

	HandleRead         bool
	ResendStreamHeader bool
}

// DefaultOptions mirrors the GStreamer element's own defaults: no
// bounds, Latest sync, no recovery beyond eviction, DSCP disabled.
func DefaultOptions() Options {
	return Options{
		UnitType:           UnitBuffers,
		UnitsMax:           unlimited,
		UnitsSoftMax:       unlimited,
		BytesMin:           unlimited,
		BuffersMin:         unlimited,
		TimeMin:            unlimited,
		BurstUnit:          UnitUndefined,
		BurstValue:         unlimited,
		DefaultSyncMethod:  SyncLatest,
		RecoverPolicy:      RecoverNone,
		Timeout:            0,
		QoSDSCP:            -1,
		HandleRead:         true,
		ResendStreamHeader: true,
	}
}

// axisValues expands a single (unit, value) configuration knob into
// the three-axis (bytes, buffers, time) form findLimits/countToMax
// expect, with every non-matching axis set to "any".
func axisValues(unit Unit, value int64) (bytes, buffers, timev int64) {
	bytes, buffers, timev = unlimited, unlimited, unlimited
	switch unit {
	case UnitBytes:
		bytes = value
	case UnitBuffers:
		buffers = value
	case UnitTime:
		timev = value
	}
	return
}
