package messagebus

import (
	"sync"
	"sync/atomic"
)

// DefaultMessageStoreSize is the per-topic ring capacity when none is
// configured. Size it for the peak burst between a subscriber falling
// behind and catching up; messages older than the window are overwritten.
const DefaultMessageStoreSize = 5000

// MessageStore is a fixed-capacity ring buffer of messages indexed by a
// monotonically increasing 64-bit id. Ids start at 0 and never repeat;
// once the ring is full each Add overwrites the oldest retained slot.
//
// The store tolerates loss by design: readers behind the retention window
// silently resume at the oldest still-available id.
type MessageStore struct {
	mu   sync.RWMutex
	ring []Message

	// nextID is the id of the next slot to be written, equivalently the
	// total number of messages ever appended. Read without the mutex on
	// the MessageCount fast path.
	nextID atomic.Uint64
}

// NewMessageStore creates a store with the given ring capacity.
// Non-positive sizes fall back to DefaultMessageStoreSize.
func NewMessageStore(size int) *MessageStore {
	if size <= 0 {
		size = DefaultMessageStoreSize
	}
	return &MessageStore{
		ring: make([]Message, size),
	}
}

// Capacity returns the ring size.
func (s *MessageStore) Capacity() int {
	return len(s.ring)
}

// Add appends a message, assigning it the next id. Safe for concurrent use
// with readers. Returns the assigned id.
func (s *MessageStore) Add(m Message) uint64 {
	s.mu.Lock()
	id := s.nextID.Load()
	s.ring[id%uint64(len(s.ring))] = m
	s.nextID.Store(id + 1)
	s.mu.Unlock()
	return id
}

// MessageCount returns the id of the next slot to be written: one past the
// last written id, i.e. the total number of messages ever appended.
// Monotonic, never decreases.
func (s *MessageStore) MessageCount() uint64 {
	return s.nextID.Load()
}

// Messages returns up to maxCount contiguous messages starting at
// max(fromID, oldest retained id), together with the id of the first
// returned message. If fromID is at or beyond the high watermark the slice
// is empty and firstID is the high watermark. Callers behind the retention
// window resume at the oldest retained id without notice; the returned
// firstID exceeding fromID is the only sign of the gap.
//
// The returned slice is a copy and stays valid regardless of later Adds.
func (s *MessageStore) Messages(fromID uint64, maxCount int) (firstID uint64, msgs []Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := s.nextID.Load()
	if fromID >= next {
		return next, nil
	}

	oldest := uint64(0)
	if next > uint64(len(s.ring)) {
		oldest = next - uint64(len(s.ring))
	}
	if fromID < oldest {
		fromID = oldest
	}

	count := next - fromID
	if maxCount > 0 && uint64(maxCount) < count {
		count = uint64(maxCount)
	}

	msgs = make([]Message, count)
	for i := uint64(0); i < count; i++ {
		msgs[i] = s.ring[(fromID+i)%uint64(len(s.ring))]
	}
	return fromID, msgs
}
