package channels

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatcher owns the per-channel append notifiers backing long-poll
// delivery. Notification is broadcast: every waiter parked on a channel
// wakes on any append.
type Dispatcher struct {
	mu      sync.Mutex
	signals map[string]chan struct{}
	waiters prometheus.Gauge
}

// NewDispatcher creates a dispatcher. waiters may be nil when metrics
// are disabled.
func NewDispatcher(waiters prometheus.Gauge) *Dispatcher {
	return &Dispatcher{
		signals: map[string]chan struct{}{},
		waiters: waiters,
	}
}

// Signal returns the current generation channel for channelID, creating
// it on first use. Callers must fetch the signal before releasing the
// lock that guards their emptiness check; a Notify landing after the
// fetch closes this exact channel, so no append can slip between the
// check and the park.
func (d *Dispatcher) Signal(channelID string) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.signals[channelID]
	if !ok {
		ch = make(chan struct{})
		d.signals[channelID] = ch
	}
	return ch
}

// Notify wakes every waiter parked on channelID by closing the current
// generation channel and installing a fresh one.
func (d *Dispatcher) Notify(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.signals[channelID]; ok {
		close(ch)
	}
	d.signals[channelID] = make(chan struct{})
}

// Forget drops the notifier for a destroyed channel. Parked waiters are
// woken so they can observe the miss.
func (d *Dispatcher) Forget(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.signals[channelID]; ok {
		close(ch)
		delete(d.signals, channelID)
	}
}

// Wait parks on a signal previously fetched with Signal until it is
// closed, the deadline elapses, or ctx is cancelled. It reports whether
// the waiter was woken by an append; the caller re-reads the log either
// way. A signal whose Notify already fired returns true immediately.
func (d *Dispatcher) Wait(ctx context.Context, sig <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case <-sig:
			return true
		default:
			return false
		}
	}

	if d.waiters != nil {
		d.waiters.Inc()
		defer d.waiters.Dec()
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-sig:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
