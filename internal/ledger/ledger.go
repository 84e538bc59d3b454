// Package ledger holds the persisted traffic accounting record for the
// current quota period.
//
// All operations on Ledger values are pure; persistence goes through Load
// and Save. The Supervisor owns the single live copy and serializes access.
package ledger

import (
	"time"
)

// FileName is the ledger file name inside the data directory
const FileName = "traffic_state.json"

// Ledger is the usage record for one quota period
type Ledger struct {
	PeriodStart time.Time `json:"periodStartTime"`
	BytesUsed   int64     `json:"bytesUsed"`
	IsThrottled bool      `json:"isThrottled"`
}

// New returns a fresh ledger whose period starts at now
func New(now time.Time) Ledger {
	return Ledger{PeriodStart: now}
}

// PeriodEnd returns the instant the current period rolls over
func (l Ledger) PeriodEnd(periodLength time.Duration) time.Time {
	return l.PeriodStart.Add(periodLength)
}

// Remaining returns how many bytes are left before limitBytes, never negative
func (l Ledger) Remaining(limitBytes int64) int64 {
	if l.BytesUsed >= limitBytes {
		return 0
	}
	return limitBytes - l.BytesUsed
}

// Rollover resets the ledger when now has reached the end of the period.
// The returned bool reports whether a rollover happened; when it did not,
// the ledger is returned unchanged.
func Rollover(l Ledger, now time.Time, periodLength time.Duration) (Ledger, bool) {
	if now.Before(l.PeriodEnd(periodLength)) {
		return l, false
	}
	return Ledger{PeriodStart: now}, true
}

// AccountDelta adds delta bytes to the ledger. Negative deltas are ignored:
// callers translate counter resets into positive deltas before calling.
func AccountDelta(l Ledger, delta int64) Ledger {
	if delta <= 0 {
		return l
	}
	l.BytesUsed += delta
	return l
}

// ShouldThrottle reports whether the ledger has newly crossed thresholdBytes
func ShouldThrottle(l Ledger, thresholdBytes int64) bool {
	return !l.IsThrottled && l.BytesUsed >= thresholdBytes
}

// Delta converts two cumulative counter readings into new usage.
// A current reading below the last one means the worker restarted and its
// counters started over from zero, so the whole current reading is new.
func Delta(last, current int64) int64 {
	delta := current - last
	if delta < 0 {
		return current
	}
	return delta
}
