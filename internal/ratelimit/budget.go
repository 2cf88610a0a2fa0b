// Package ratelimit guards every outbound exchange call against the
// provider's request and weight quotas, with an adaptive backoff multiplier
// that stretches the minimum inter-request interval under load.
//
// Second and minute counters reset on fixed wall-clock windows rather than a
// sliding window. This is a known approximation: worst-case burst at a window
// boundary is twice the nominal rate. It matches how the counters behave in
// practice against the provider and is kept deliberately, not tightened.
package ratelimit

import "time"

// Backoff multiplier tuning. The multiplier scales the base inter-request
// interval and always stays within [backoffFloor, backoffCeil].
const (
	backoffFloor = 1.0
	backoffCeil  = 5.0
	backoffStep  = 1.2
	backoffDecay = 0.95

	// Weight utilization thresholds that drive multiplier adjustment.
	weightHighWater = 0.80
	weightLowWater  = 0.50
)

// Budget tracks quota consumption for the current windows. It is pure state:
// all mutation happens under the owning Limiter's lock, never directly by
// callers, and nothing here performs I/O or sleeps.
type Budget struct {
	WeightUsed         int
	RequestsThisSecond int
	RequestsThisMinute int
	BackoffMultiplier  float64
	LastRequestAt      time.Time
}

// newBudget returns a budget with the multiplier at its floor.
func newBudget() Budget {
	return Budget{BackoffMultiplier: backoffFloor}
}

// note records one admitted request of the given weight.
func (b *Budget) note(weight int, now time.Time) {
	b.WeightUsed += weight
	b.RequestsThisSecond++
	b.RequestsThisMinute++
	b.LastRequestAt = now
}

// unnote rolls back a reservation that never became a request.
func (b *Budget) unnote(weight int) {
	b.WeightUsed -= weight
	b.RequestsThisSecond--
	b.RequestsThisMinute--
}

// resetSecond clears the per-second counter at a wall-clock boundary.
func (b *Budget) resetSecond() {
	b.RequestsThisSecond = 0
}

// resetMinute clears the per-minute counters at a wall-clock boundary.
func (b *Budget) resetMinute() {
	b.RequestsThisMinute = 0
	b.WeightUsed = 0
}

// adoptWeight replaces the local weight counter with the value the exchange
// reported in a response header. The header is authoritative: it reflects
// every client sharing the key, not just this process.
func (b *Budget) adoptWeight(weight int) {
	b.WeightUsed = weight
}

// raiseBackoff multiplies the backoff multiplier, capped at backoffCeil.
// Returns true if the multiplier changed.
func (b *Budget) raiseBackoff(factor float64) bool {
	next := b.BackoffMultiplier * factor
	if next > backoffCeil {
		next = backoffCeil
	}
	changed := next != b.BackoffMultiplier
	b.BackoffMultiplier = next
	return changed
}

// decayBackoff eases the multiplier back toward its floor.
// Returns true if the multiplier changed.
func (b *Budget) decayBackoff() bool {
	if b.BackoffMultiplier <= backoffFloor {
		return false
	}
	next := b.BackoffMultiplier * backoffDecay
	if next < backoffFloor {
		next = backoffFloor
	}
	b.BackoffMultiplier = next
	return true
}
