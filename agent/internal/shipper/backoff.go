package shipper

import "time"

// MaxBackoff caps a single retry wait.
const MaxBackoff = 60 * time.Second

// Backoff yields exponentially growing waits. Not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff creates a schedule starting at initial and doubling up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the wait before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset restarts the schedule after a success.
func (b *Backoff) Reset() {
	b.next = b.initial
}
