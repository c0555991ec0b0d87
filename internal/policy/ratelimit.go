package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateCounter tracks admission for one server: a minute-quantized request
// counter, a token-bucket smoothing limiter, and a live concurrency counter
// (spec §3/§5). All fields are guarded by the same mutex since they are
// always consulted together by rule 4 of the Policy Engine.
//
// The minute-quantized counter is the authoritative admission rule the spec
// describes (reset-on-new-minute, not a continuous leaky bucket). The
// [rate.Limiter] is layered on top: its burst is sized to the full
// per-minute budget and it is rebuilt whenever a new window starts, so within
// a window it is consulted at most requestsPerMinute times from a full bucket
// and never denies a call the window counter admits.
type RateCounter struct {
	mu sync.Mutex

	windowStart time.Time
	windowCount int

	burst    *rate.Limiter
	burstRPM int

	concurrency int
}

// NewRateCounter returns a zero-value, ready-to-use RateCounter.
func NewRateCounter() *RateCounter {
	return &RateCounter{}
}

// tryAdmit applies rule 4 (spec §4.5): increment the per-minute window
// counter, resetting it if a new minute has begun since windowStart; deny
// without incrementing concurrency if the counter now exceeds
// requestsPerMinute. Otherwise check the live concurrency counter against
// maxConcurrent. Returns ("", true) on admission or (reason, false) on
// denial.
func (r *RateCounter) tryAdmit(now time.Time, requestsPerMinute, maxConcurrent int) (reason string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.windowCount = 0
		r.burst = nil
	}
	r.windowCount++

	if requestsPerMinute > 0 && r.windowCount > requestsPerMinute {
		return "rate exceeded", false
	}

	if requestsPerMinute > 0 {
		if r.burst == nil || r.burstRPM != requestsPerMinute {
			r.burst = rate.NewLimiter(rate.Limit(float64(requestsPerMinute))/60, requestsPerMinute)
			r.burstRPM = requestsPerMinute
		}
		if !r.burst.AllowN(now, 1) {
			return "rate exceeded", false
		}
	}

	if maxConcurrent > 0 && r.concurrency >= maxConcurrent {
		return "rate exceeded", false
	}

	return "", true
}

// begin increments the concurrency counter. Called only after tryAdmit
// accepts the call.
func (r *RateCounter) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrency++
}

// end decrements the concurrency counter, never below zero (spec §4.5,
// concurrency-counter non-negativity invariant in §8).
func (r *RateCounter) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrency > 0 {
		r.concurrency--
	}
}

// Concurrency returns the current in-flight call count. Exposed for metrics
// and tests.
func (r *RateCounter) Concurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrency
}
