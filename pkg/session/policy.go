// Copyright 2024-2026 Aiku AI

package session

import "time"

// Clock abstracts timing so reconnect behavior is testable without real
// sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

// DefaultReconnectDelay matches the retry cadence of the legacy gateway.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long a session waits before its next connect
// attempt. The zero value retries forever at DefaultReconnectDelay, which
// matches the observed behavior this gateway replaces: transient network
// faults must self-heal without operator intervention.
type ReconnectPolicy struct {
	// Delay is the wait after a recoverable close. Defaults to
	// DefaultReconnectDelay when zero.
	Delay time.Duration
	// Multiplier, when greater than 1, grows the delay exponentially per
	// consecutive failed attempt.
	Multiplier float64
	// MaxDelay caps exponential growth. Ignored unless Multiplier > 1.
	MaxDelay time.Duration
}

// NextDelay returns the wait before connect attempt number attempt, where
// the first retry is attempt 1.
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	d := p.Delay
	if d <= 0 {
		d = DefaultReconnectDelay
	}
	if p.Multiplier <= 1 {
		return d
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
