package driver

import (
	"sync/atomic"
	"time"
)

// NanoClock returns monotonic time in nanoseconds.
type NanoClock func() int64

// SystemNanoClock reads the runtime monotonic clock.
func SystemNanoClock() int64 { return int64(time.Since(processStart)) }

var processStart = time.Now()

// CachedNanoClock is updated once per conductor duty cycle and read by
// every timed check inside the cycle, so one cycle observes one instant.
type CachedNanoClock struct {
	value atomic.Int64
}

// Update sets the cached instant.
func (c *CachedNanoClock) Update(nowNs int64) { c.value.Store(nowNs) }

// NowNs returns the cached instant.
func (c *CachedNanoClock) NowNs() int64 { return c.value.Load() }

// EpochMs returns wall time in milliseconds; used for counter reuse
// deadlines and file timestamps.
func EpochMs() int64 { return time.Now().UnixMilli() }
