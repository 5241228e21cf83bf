// Package messagebus implements the in-process message bus at the heart of
// the signaling library. Publishers append messages to named topics;
// subscribers register interest in topic keys and receive ordered batches
// through a delivery callback. Each topic keeps a bounded ring of recent
// messages so a subscriber that briefly disconnects can resume from an
// opaque cursor string without loss, provided it returns before the ring
// wraps.
package messagebus

// Message is one payload published under a topic key. The bus does not
// interpret the payload.
type Message struct {
	// Key is the topic this message was published to.
	Key string

	// Value is the opaque payload.
	Value []byte
}

// MessageResult is what a delivery callback receives: the batch of messages
// drained since the subscription's last position, plus the cursor string
// encoding the new position. A terminal result (sent once after the
// subscription stops) carries only the cursor so the caller can persist its
// position.
type MessageResult struct {
	// Messages is the concatenated batch. Within one topic the sub-slice is
	// id-contiguous and ascending; ordering between topics is unspecified.
	Messages []Message

	// Cursor encodes the subscription's position after this batch. It
	// round-trips through Subscribe to resume delivery.
	Cursor string

	// TotalCount is len(Messages).
	TotalCount int

	// Terminal marks the final cursor-only result delivered after the
	// subscription is stopped.
	Terminal bool
}

// Callback delivers one batch to a subscriber. Returning false stops the
// subscription: it is disposed and one terminal cursor-only result is
// delivered. Returning an error leaves the subscription alive; the engine
// logs the fault and moves on.
//
// The callback runs on an engine worker goroutine. It may block; the engine
// grows its pool while all workers are busy.
type Callback func(result MessageResult) (bool, error)

// Subscriber is the read-side identity the bus tracks. Identity must be
// stable for the subscriber's lifetime; it is compared case-insensitively
// when deduplicating within a topic.
type Subscriber interface {
	Identity() string
	EventKeys() []string
}

// DynamicSubscriber is implemented by subscribers whose key set changes
// after registration. Subscribe installs the hooks and the returned unhook
// runs during teardown.
type DynamicSubscriber interface {
	Subscriber

	// HookEventKeys registers callbacks fired when the subscriber gains or
	// loses interest in a key.
	HookEventKeys(added func(key string), removed func(key string)) (unhook func())
}
