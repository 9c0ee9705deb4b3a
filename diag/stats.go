package diag

import "sync/atomic"

// Trace gates dispatch/token tracing at runtime. A compile-time constant
// would let the Go compiler dead-code-eliminate the instrumentation
// entirely, but the flag needs to be flippable by a test without a
// rebuild, so this is a runtime flag of the same shape instead, checked
// by Counter.Inc on every increment.
var Trace atomic.Bool

// Counter is a statistic counter updated only while Trace is set.
type Counter struct {
	n int64
}

// Inc increments the counter when tracing is enabled.
func (c *Counter) Inc() {
	if Trace.Load() {
		atomic.AddInt64(&c.n, 1)
	}
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.n)
}
