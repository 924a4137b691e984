package scouts

import (
	"sync"
	"time"
)

// DefaultDigestSize bounds the awareness digest when the config sets none.
const DefaultDigestSize = 64

// Digest is a fixed-size ring of findings awaiting delivery. High-urgency
// entries drain first; within an urgency, older entries come first. When
// the ring is full the oldest low-urgency entry is dropped to make room,
// falling back to the oldest entry of any urgency.
type Digest struct {
	mu      sync.Mutex
	entries []Finding
	size    int
}

// NewDigest creates a ring holding up to size findings.
func NewDigest(size int) *Digest {
	if size <= 0 {
		size = DefaultDigestSize
	}
	return &Digest{size: size}
}

// Push adds a finding, evicting to stay within capacity.
func (d *Digest) Push(f Finding) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) >= d.size {
		d.evictLocked()
	}
	d.entries = append(d.entries, f)
}

// Len returns the number of queued findings.
func (d *Digest) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Drain removes and returns every non-expired finding, high urgency first.
func (d *Digest) Drain() []Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var high, rest []Finding
	for _, f := range d.entries {
		if f.Expired(now) {
			continue
		}
		if f.Urgency == UrgencyHigh {
			high = append(high, f)
		} else {
			rest = append(rest, f)
		}
	}
	d.entries = nil
	return append(high, rest...)
}

func (d *Digest) evictLocked() {
	for i, f := range d.entries {
		if f.Urgency == UrgencyLow {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return
		}
	}
	if len(d.entries) > 0 {
		d.entries = d.entries[1:]
	}
}
