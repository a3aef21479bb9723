package queue

import "sync"

// Dedup remembers recently seen activity IDs in a fixed-size ring so
// replayed deliveries can be dropped without unbounded memory growth.
// Once the ring is full the oldest entry is evicted per insert.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// NewDedup returns a ring remembering up to size IDs.
func NewDedup(size int) *Dedup {
	return &Dedup{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Seen records the ID and reports whether it was already present.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return false
}

// Len returns the number of IDs currently remembered.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
