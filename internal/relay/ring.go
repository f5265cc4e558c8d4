package relay

import (
	"fmt"
	"net"
	"sync"

	"github.com/eapache/queue"
)

// Entry is a single received datagram held for forwarding.
type Entry struct {
	// Payload is the raw datagram body.
	Payload []byte
	// Decoded holds the unmarshalled value when JSON parsing is enabled.
	Decoded any
	// Addr is the sender's address when source tracking is enabled, else nil.
	Addr *net.UDPAddr
}

// Ring is a bounded FIFO hand-off buffer between the receive loop and the
// forward loop. When full, the oldest entry is evicted to make room, so the
// buffer favours recency over completeness under overload. A capacity of 1
// gives latest-value-wins semantics.
//
// Push and Pop are safe for concurrent use; the critical sections are O(1)
// and never perform I/O.
type Ring struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
	evicted  uint64
}

// NewRing creates a ring buffer with the given capacity.
func NewRing(capacity int) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ring capacity must be >= 1, got %d", capacity)
	}
	return &Ring{q: queue.New(), capacity: capacity}, nil
}

// Push appends an entry, evicting the oldest one first if the ring is full.
// It never fails: overload is handled by the eviction policy, not an error.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.q.Length() >= r.capacity {
		r.q.Remove()
		r.evicted++
	}
	r.q.Add(e)
}

// Pop removes and returns the oldest entry. The second return value is false
// when the ring is empty. Pop never blocks.
func (r *Ring) Pop() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.q.Length() == 0 {
		return Entry{}, false
	}
	return r.q.Remove().(Entry), true
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

// Cap returns the configured capacity.
func (r *Ring) Cap() int { return r.capacity }

// Evicted returns the number of entries dropped by the eviction policy.
func (r *Ring) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
