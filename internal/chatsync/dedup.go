package chatsync

import "sync"

// Deduplicator remembers delivered ids for the lifetime of one activation.
type Deduplicator[K comparable] struct {
	mu   sync.Mutex
	seen map[K]struct{}
}

// NewDeduplicator returns an empty deduplicator.
func NewDeduplicator[K comparable]() *Deduplicator[K] {
	return &Deduplicator[K]{seen: make(map[K]struct{})}
}

// Admit records id and reports whether this is its first occurrence.
// A false result means the caller drops the item silently.
func (d *Deduplicator[K]) Admit(id K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Seen reports whether id was admitted before.
func (d *Deduplicator[K]) Seen(id K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Len returns the number of remembered ids.
func (d *Deduplicator[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset forgets every id.
func (d *Deduplicator[K]) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[K]struct{})
}
