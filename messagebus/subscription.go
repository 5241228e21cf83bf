package messagebus

import (
	"sync"
	"sync/atomic"
)

// Subscription is one subscriber's view across its topics: an ordered list
// of cursors, the delivery callback, and the scheduling flags the engine
// coordinates on. Equality within a topic is by identity.
//
// Flag discipline:
//
//	queued=1:   the subscription sits in the engine FIFO exactly once.
//	working=1:  exactly one worker is executing Work; re-entry returns
//	            immediately.
//	disposed=1: no further batches are initiated; one terminal
//	            cursor-only result is delivered.
type Subscription struct {
	identity    string
	callback    Callback
	maxMessages int

	// mu serializes all cursor-list mutations. The list is small (typically
	// tens of entries); linear search is fine.
	mu      sync.Mutex
	cursors []Cursor

	queued   atomic.Int32
	working  atomic.Int32
	disposed atomic.Int32

	terminal sync.Once
}

// NewSubscription creates a subscription delivering through callback, at
// most maxMessages per topic per batch. A non-positive maxMessages is
// unlimited.
func NewSubscription(identity string, callback Callback, maxMessages int) *Subscription {
	return &Subscription{
		identity:    identity,
		callback:    callback,
		maxMessages: maxMessages,
	}
}

// Identity returns the subscriber identity string.
func (s *Subscription) Identity() string {
	return s.identity
}

// AddOrUpdateCursor appends a cursor for key if none exists and returns
// true. If one already exists it is left untouched and false is returned.
func (s *Subscription) AddOrUpdateCursor(key string, id uint64, topic *Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cursors {
		if s.cursors[i].Key == key {
			return false
		}
	}
	s.cursors = append(s.cursors, Cursor{Key: key, ID: id, Topic: topic})
	return true
}

// UpdateCursor sets the id of an existing cursor for key. Returns whether a
// cursor was found.
func (s *Subscription) UpdateCursor(key string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cursors {
		if s.cursors[i].Key == key {
			s.cursors[i].ID = id
			return true
		}
	}
	return false
}

// SetCursorTopic attaches the topic handle to an existing cursor for key.
// Decoded cursor strings carry nil handles; setup attaches them here.
func (s *Subscription) SetCursorTopic(key string, topic *Topic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cursors {
		if s.cursors[i].Key == key {
			s.cursors[i].Topic = topic
		}
	}
}

// RemoveCursor drops all cursors for key.
func (s *Subscription) RemoveCursor(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.cursors[:0]
	for _, c := range s.cursors {
		if c.Key != key {
			kept = append(kept, c)
		}
	}
	s.cursors = kept
}

// cursorKeys returns the keys of all current cursors.
func (s *Subscription) cursorKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, len(s.cursors))
	for i, c := range s.cursors {
		keys[i] = c.Key
	}
	return keys
}

// CursorString encodes the subscription's current position.
func (s *Subscription) CursorString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EncodeCursors(s.cursors)
}

// SetQueued transitions queued 0→1 and reports whether this caller won the
// transition. The winner is responsible for placing the subscription in the
// engine FIFO; a false return means it is already there and the pending
// pump will pick up the new messages.
func (s *Subscription) SetQueued() bool {
	return s.queued.CompareAndSwap(0, 1)
}

// UnsetQueued clears the queued flag. Called by the engine after a pump
// completes; a Publish arriving after this re-queues the subscription.
func (s *Subscription) UnsetQueued() {
	s.queued.Store(0)
}

// Queued reports whether the subscription currently sits in the engine FIFO.
func (s *Subscription) Queued() bool {
	return s.queued.Load() == 1
}

// Dispose marks the subscription stopped. Idempotent. No further batches
// are initiated; an in-flight pump completes normally and delivers one
// terminal cursor-only result.
func (s *Subscription) Dispose() {
	s.disposed.Store(1)
}

// Disposed reports whether Dispose has been called.
func (s *Subscription) Disposed() bool {
	return s.disposed.Load() == 1
}

func (s *Subscription) setWorking() bool {
	return s.working.CompareAndSwap(0, 1)
}

func (s *Subscription) unsetWorking() {
	s.working.Store(0)
}

// Work drains the subscription until no messages remain, delivering batches
// through the callback. One worker at a time owns it (the working flag
// rejects re-entry), and the loop keeps going as long as the callback
// returns true and topics have more messages.
//
// Returns the callback's error, if any. A faulted subscription is not
// disposed; the engine logs and moves on.
func (s *Subscription) Work() error {
	if !s.setWorking() {
		return nil
	}
	err := s.drain()
	s.unsetWorking()

	// Dispose can land while a pump owns the working flag, after the drain
	// loop's last disposed check. The flag is released before this load, so
	// a disposer whose own Work bounced off working=1 is ordered before it:
	// one side always observes the disposal, and the Once keeps the
	// terminal result single.
	if s.Disposed() {
		s.deliverTerminal()
	}
	return err
}

// drain is the pump body, run by the one goroutine holding the working
// flag. Terminal delivery happens in Work's epilogue, never here.
func (s *Subscription) drain() error {
	for {
		if s.Disposed() {
			return nil
		}

		// Drain against cloned cursors so a concurrent AddOrUpdateCursor or
		// RemoveCursor never sees a half-advanced list.
		s.mu.Lock()
		clones := make([]Cursor, len(s.cursors))
		copy(clones, s.cursors)
		s.mu.Unlock()

		var items []Message
		for i := range clones {
			c := &clones[i]
			if c.Topic == nil {
				continue
			}
			firstID, msgs := c.Topic.Store().Messages(c.ID, s.maxMessages)
			if len(msgs) > 0 {
				items = append(items, msgs...)
			}
			// firstID may exceed c.ID after a ring wrap; the cursor jumps
			// the overwritten range.
			c.ID = firstID + uint64(len(msgs))
		}

		// Encoded whether or not anything was read, so the position still
		// advances past overwritten ranges on the next delivered batch.
		next := EncodeCursors(clones)

		if len(items) == 0 {
			return nil
		}

		s.mu.Lock()
		s.cursors = clones
		s.mu.Unlock()

		cont, err := s.callback(MessageResult{
			Messages:   items,
			Cursor:     next,
			TotalCount: len(items),
		})
		if err != nil {
			return err
		}
		if !cont {
			s.Dispose()
			return nil
		}
	}
}

// deliverTerminal sends the one cursor-only result a stopped subscription
// still owes its caller, so the caller can persist its position.
func (s *Subscription) deliverTerminal() {
	s.terminal.Do(func() {
		s.callback(MessageResult{
			Cursor:   s.CursorString(),
			Terminal: true,
		})
	})
}
