package ipc

import (
	"math/rand"
	"time"
)

// Backoff implements the capped exponential-with-jitter schedule the spec
// specifies verbatim for IPC reconnects (§4.1: base 0.5s, factor 2, cap 30s,
// ±25% jitter) and is reused (with different constants) by the Hub's
// upstream WebSocket reconnection in internal/hub.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction, e.g. 0.25 for ±25%

	attempt int
}

// DefaultIPCBackoff matches §4.1 exactly.
func DefaultIPCBackoff() *Backoff {
	return &Backoff{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, Jitter: 0.25}
}

// Next returns the delay before the next attempt and advances the internal
// attempt counter. Reset clears it back to the first attempt.
func (b *Backoff) Next() time.Duration {
	d := float64(b.Base)
	for i := 0; i < b.attempt; i++ {
		d *= b.Factor
	}
	if cap := float64(b.Cap); d > cap {
		d = cap
	}
	b.attempt++

	if b.Jitter > 0 {
		delta := d * b.Jitter
		d += (rand.Float64()*2 - 1) * delta
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
