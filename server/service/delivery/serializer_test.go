package delivery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

func testUnit(chat, content string) *unit {
	return &unit{
		instanceID: "i1",
		chatName:   chat,
		messages:   []*store.Message{{ChatName: chat, Content: content}},
	}
}

func TestSerializerKeepsOrderPerKey(t *testing.T) {
	var mu sync.Mutex
	var got []string
	s := newSerializer(func(u *unit) {
		mu.Lock()
		got = append(got, u.messages[0].Content)
		mu.Unlock()
	})

	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.enqueue("alice", testUnit("alice", c)))
	}
	s.wait()
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestSerializerRejectsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, chatQueueCapacity+2)
	s := newSerializer(func(*unit) {
		started <- struct{}{}
		<-block
	})

	// First unit occupies the drain goroutine.
	require.NoError(t, s.enqueue("alice", testUnit("alice", "busy")))
	<-started

	// The queue then holds chatQueueCapacity units; one more overflows.
	for i := 0; i < chatQueueCapacity; i++ {
		require.NoError(t, s.enqueue("alice", testUnit("alice", "queued")))
	}
	err := s.enqueue("alice", testUnit("alice", "overflow"))
	require.Error(t, err)
	require.Equal(t, apperr.KindOverload, apperr.KindOf(err))

	// A different chat is unaffected.
	require.NoError(t, s.enqueue("bob", testUnit("bob", "hi")))

	close(block)
	s.wait()
}
