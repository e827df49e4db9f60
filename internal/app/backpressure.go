package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkilian/tidelake/internal/config"
)

// BackpressureController tracks recent maintenance failures and
// adjusts how many tables are maintained concurrently, so a degraded
// object store is not hammered by parallel rewrites.
//
// When the failure rate exceeds the threshold, concurrency is halved.
// As the rate recovers, concurrency ramps back up toward the maximum.
// A large backlog combined with a high failure rate pauses the cycle
// entirely until the store stabilizes.
type BackpressureController struct {
	maxConcurrency int32
	minConcurrency int32
	threshold      float64

	currentConcurrency atomic.Int32

	mu       sync.Mutex
	attempts []attemptRecord
	window   time.Duration
}

type attemptRecord struct {
	at      time.Time
	success bool
}

// NewBackpressureController creates a controller with the given
// configuration. Zero values select defaults.
func NewBackpressureController(cfg config.BackpressureConfig) *BackpressureController {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.05
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 10 * time.Minute
	}

	bp := &BackpressureController{
		maxConcurrency: int32(cfg.MaxConcurrency),
		minConcurrency: int32(cfg.MinConcurrency),
		threshold:      cfg.FailureThreshold,
		window:         cfg.WindowDuration,
	}
	bp.currentConcurrency.Store(int32(cfg.MaxConcurrency))
	return bp
}

// RecordSuccess records a successful maintenance operation.
func (bp *BackpressureController) RecordSuccess() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attemptRecord{at: time.Now(), success: true})
}

// RecordFailure records a failed maintenance operation.
func (bp *BackpressureController) RecordFailure() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attemptRecord{at: time.Now(), success: false})
}

// FailureRate returns the failure rate within the sliding window.
func (bp *BackpressureController) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.failureRateLocked()
}

// failureRateLocked computes the failure rate. Caller must hold bp.mu.
func (bp *BackpressureController) failureRateLocked() float64 {
	bp.pruneWindowLocked()

	if len(bp.attempts) == 0 {
		return 0
	}

	failures := 0
	for _, a := range bp.attempts {
		if !a.success {
			failures++
		}
	}
	return float64(failures) / float64(len(bp.attempts))
}

// pruneWindowLocked drops records older than the sliding window.
// Caller must hold bp.mu.
func (bp *BackpressureController) pruneWindowLocked() {
	cutoff := time.Now().Add(-bp.window)
	i := 0
	for i < len(bp.attempts) && bp.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bp.attempts = bp.attempts[i:]
	}
}

// AdjustConcurrency recalculates the concurrency level from the recent
// failure rate. Called at the start of each maintenance cycle.
//
//   - rate above the threshold: halve concurrency
//   - zero failures with recent history: double, capped at max
//   - rate below half the threshold: grow by half, at least one
//   - rate below the threshold: grow by one
func (bp *BackpressureController) AdjustConcurrency() {
	bp.mu.Lock()
	rate := bp.failureRateLocked()
	recent := len(bp.attempts)
	bp.mu.Unlock()

	current := bp.currentConcurrency.Load()

	switch {
	case rate > bp.threshold:
		next := current / 2
		if next < bp.minConcurrency {
			next = bp.minConcurrency
		}
		bp.currentConcurrency.Store(next)
	case rate == 0 && recent > 0:
		next := current * 2
		if next > bp.maxConcurrency {
			next = bp.maxConcurrency
		}
		bp.currentConcurrency.Store(next)
	case rate < bp.threshold/2:
		delta := current / 2
		if delta < 1 {
			delta = 1
		}
		next := current + delta
		if next > bp.maxConcurrency {
			next = bp.maxConcurrency
		}
		bp.currentConcurrency.Store(next)
	case rate < bp.threshold:
		next := current + 1
		if next > bp.maxConcurrency {
			next = bp.maxConcurrency
		}
		bp.currentConcurrency.Store(next)
	}
	// Rate exactly at the threshold holds steady.
}

// ShouldPause reports whether the cycle should be skipped because the
// failure rate is high and the backlog too large to brute-force.
// Backlogs small enough for one cycle always run, so the system keeps
// generating the success records that drive recovery.
func (bp *BackpressureController) ShouldPause(backlogSize int) bool {
	if backlogSize == 0 {
		return false
	}
	if int32(backlogSize) <= bp.maxConcurrency {
		return false
	}
	return bp.FailureRate() > bp.threshold
}

// Concurrency returns the current allowed concurrency level.
func (bp *BackpressureController) Concurrency() int {
	return int(bp.currentConcurrency.Load())
}

// BackpressureStats is a snapshot of the controller's state.
type BackpressureStats struct {
	CurrentConcurrency int
	FailureRate        float64
	AttemptsInWindow   int
	FailuresInWindow   int
}

// Stats returns current backpressure statistics.
func (bp *BackpressureController) Stats() BackpressureStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.pruneWindowLocked()

	failures := 0
	for _, a := range bp.attempts {
		if !a.success {
			failures++
		}
	}

	return BackpressureStats{
		CurrentConcurrency: int(bp.currentConcurrency.Load()),
		FailureRate:        bp.failureRateLocked(),
		AttemptsInWindow:   len(bp.attempts),
		FailuresInWindow:   failures,
	}
}
