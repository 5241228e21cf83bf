package messagebus

import (
	"strings"
	"sync"
)

// Topic is one named channel: a message store plus the set of subscriptions
// currently interested in it. Topics are created lazily on first publish or
// subscribe and live until process exit.
type Topic struct {
	Name string

	store *MessageStore

	// mu guards both collections below. Publishers take the read lock to
	// snapshot subscriptions for scheduling; subscribe and unsubscribe take
	// the write lock.
	mu            sync.RWMutex
	subscriptions []*Subscription
	identities    map[string]struct{} // lowercased identity set, dedupe
}

func newTopic(name string, storeSize int) *Topic {
	return &Topic{
		Name:       name,
		store:      NewMessageStore(storeSize),
		identities: make(map[string]struct{}),
	}
}

// Store returns the topic's message store.
func (t *Topic) Store() *MessageStore {
	return t.store
}

// AddSubscription inserts the subscription unless one with the same
// identity (case-insensitive) is already present.
func (t *Topic) AddSubscription(sub *Subscription) {
	key := strings.ToLower(sub.Identity())
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.identities[key]; ok {
		return
	}
	t.identities[key] = struct{}{}
	t.subscriptions = append(t.subscriptions, sub)
}

// RemoveSubscription drops the subscription by identity. Removing an absent
// subscription is a no-op; teardown is idempotent.
func (t *Topic) RemoveSubscription(sub *Subscription) {
	key := strings.ToLower(sub.Identity())
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.identities[key]; !ok {
		return
	}
	delete(t.identities, key)
	for i, existing := range t.subscriptions {
		if strings.EqualFold(existing.Identity(), sub.Identity()) {
			t.subscriptions = append(t.subscriptions[:i], t.subscriptions[i+1:]...)
			break
		}
	}
}

// Snapshot returns a copy of the current subscription list. Publishers call
// this under the read lock so scheduling never races subscribe/unsubscribe.
func (t *Topic) Snapshot() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.subscriptions) == 0 {
		return nil
	}
	out := make([]*Subscription, len(t.subscriptions))
	copy(out, t.subscriptions)
	return out
}

// SubscriptionCount returns the number of subscriptions on this topic.
func (t *Topic) SubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscriptions)
}

// TopicRegistry is a thread-safe mapping from key to topic with GetOrAdd
// semantics: concurrent callers on the same key observe the same topic.
// The registry is the sole strong owner of topics; there is no removal.
type TopicRegistry struct {
	topics    sync.Map // string -> *Topic
	storeSize int
}

// NewTopicRegistry creates a registry whose topics use the given ring size.
func NewTopicRegistry(storeSize int) *TopicRegistry {
	return &TopicRegistry{storeSize: storeSize}
}

// GetOrAdd returns the topic for key, creating it on first use.
func (r *TopicRegistry) GetOrAdd(key string) *Topic {
	if t, ok := r.topics.Load(key); ok {
		return t.(*Topic)
	}
	t, _ := r.topics.LoadOrStore(key, newTopic(key, r.storeSize))
	return t.(*Topic)
}

// Get returns the topic for key, or nil if it has never been used.
func (r *TopicRegistry) Get(key string) *Topic {
	if t, ok := r.topics.Load(key); ok {
		return t.(*Topic)
	}
	return nil
}

// Range calls fn for every topic until fn returns false.
func (r *TopicRegistry) Range(fn func(t *Topic) bool) {
	r.topics.Range(func(_, v any) bool {
		return fn(v.(*Topic))
	})
}
