// Package ratelimit spaces simulated transmits so a traffic run holds a
// fixed packet rate.
package ratelimit

import (
	"context"
	"time"
)

// Throttle holds a caller to an average packet rate measured from its
// creation. A nil Throttle never waits. Use from one goroutine only.
type Throttle struct {
	interval time.Duration // per packet
	start    time.Time
	sent     uint64
	stride   uint64 // packets between clock reads
}

// New returns a Throttle for pps packets per second, or nil when pps is 0.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(pps),
		start:    time.Now(),
		// ~10ms of traffic, clamped to [32, 1024].
		stride: min(max(pps/100, 32), 1024),
	}
}

// WaitN counts n packets as sent and, once a stride boundary is crossed,
// sleeps until the schedule allows them or ctx ends. Time lost to a slow
// caller is not made up with a burst later.
func (l *Throttle) WaitN(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	prev := l.sent / l.stride
	l.sent += n
	if l.sent/l.stride == prev {
		return nil
	}

	due := l.start.Add(time.Duration(l.sent) * l.interval)
	wait := time.Until(due)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
