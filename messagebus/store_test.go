package messagebus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(key, value string) Message {
	return Message{Key: key, Value: []byte(value)}
}

func TestMessageStoreEmpty(t *testing.T) {
	s := NewMessageStore(10)
	assert.Equal(t, uint64(0), s.MessageCount())

	firstID, msgs := s.Messages(0, 100)
	assert.Equal(t, uint64(0), firstID)
	assert.Empty(t, msgs)
}

func TestMessageStoreAddAssignsMonotonicIDs(t *testing.T) {
	s := NewMessageStore(10)
	for i := 0; i < 5; i++ {
		id := s.Add(msg("t", fmt.Sprintf("m%d", i)))
		assert.Equal(t, uint64(i), id)
	}
	assert.Equal(t, uint64(5), s.MessageCount())
}

func TestMessageStoreReadInOrder(t *testing.T) {
	s := NewMessageStore(10)
	s.Add(msg("t", "a"))
	s.Add(msg("t", "b"))
	s.Add(msg("t", "c"))

	firstID, msgs := s.Messages(0, 100)
	require.Equal(t, uint64(0), firstID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", string(msgs[0].Value))
	assert.Equal(t, "b", string(msgs[1].Value))
	assert.Equal(t, "c", string(msgs[2].Value))
}

func TestMessageStoreReadFromOffset(t *testing.T) {
	s := NewMessageStore(10)
	s.Add(msg("t", "a"))
	s.Add(msg("t", "b"))
	s.Add(msg("t", "c"))

	firstID, msgs := s.Messages(1, 100)
	require.Equal(t, uint64(1), firstID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Value))
	assert.Equal(t, "c", string(msgs[1].Value))
}

func TestMessageStoreMaxCount(t *testing.T) {
	s := NewMessageStore(10)
	for i := 0; i < 6; i++ {
		s.Add(msg("t", fmt.Sprintf("m%d", i)))
	}

	firstID, msgs := s.Messages(0, 2)
	require.Equal(t, uint64(0), firstID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m0", string(msgs[0].Value))
	assert.Equal(t, "m1", string(msgs[1].Value))
}

func TestMessageStoreBeyondHighWatermark(t *testing.T) {
	s := NewMessageStore(10)
	s.Add(msg("t", "a"))

	// fromID at the high watermark: empty, firstID == high watermark.
	firstID, msgs := s.Messages(1, 100)
	assert.Equal(t, uint64(1), firstID)
	assert.Empty(t, msgs)

	// fromID past the high watermark behaves the same.
	firstID, msgs = s.Messages(99, 100)
	assert.Equal(t, uint64(1), firstID)
	assert.Empty(t, msgs)
}

func TestMessageStoreWrapLosesOldest(t *testing.T) {
	s := NewMessageStore(4)
	for i := 0; i < 10; i++ {
		s.Add(msg("t", fmt.Sprintf("m%d", i)))
	}

	// Only ids 6..9 are retained; a reader at 0 silently resumes at 6.
	firstID, msgs := s.Messages(0, 100)
	require.Equal(t, uint64(6), firstID)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", 6+i), string(m.Value))
	}
}

func TestMessageStoreReturnedSliceIsStable(t *testing.T) {
	s := NewMessageStore(2)
	s.Add(msg("t", "a"))
	s.Add(msg("t", "b"))

	_, msgs := s.Messages(0, 100)
	require.Len(t, msgs, 2)

	// Overwrite both retained slots; the earlier read must not change.
	s.Add(msg("t", "c"))
	s.Add(msg("t", "d"))
	assert.Equal(t, "a", string(msgs[0].Value))
	assert.Equal(t, "b", string(msgs[1].Value))
}

func TestMessageStoreConcurrentAddAndRead(t *testing.T) {
	s := NewMessageStore(128)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			s.Add(msg("t", fmt.Sprintf("m%d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		var cursor uint64
		for i := 0; i < 500; i++ {
			firstID, msgs := s.Messages(cursor, 64)
			// Ids never go backwards even across ring wraps.
			assert.GreaterOrEqual(t, firstID, cursor)
			cursor = firstID + uint64(len(msgs))
		}
	}()
	wg.Wait()

	assert.Equal(t, uint64(2000), s.MessageCount())
}

func TestMessageStoreDefaultSize(t *testing.T) {
	assert.Equal(t, DefaultMessageStoreSize, NewMessageStore(0).Capacity())
	assert.Equal(t, DefaultMessageStoreSize, NewMessageStore(-1).Capacity())
	assert.Equal(t, 64, NewMessageStore(64).Capacity())
}
