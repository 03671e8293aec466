package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var got []string
	unsub := b.Subscribe(func(msg *Message) {
		got = append(got, msg.Type)
	})
	defer unsub()

	for _, typ := range []string{FrameEvent, FrameCommandQueued, FrameCommandCompleted} {
		require.NoError(t, b.Publish(context.Background(), &Message{Type: typ, RunID: "r1"}))
	}
	assert.Equal(t, []string{FrameEvent, FrameCommandQueued, FrameCommandCompleted}, got)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	count := 0
	unsub := b.Subscribe(func(*Message) { count++ })
	require.NoError(t, b.Publish(context.Background(), &Message{Type: FrameEvent}))
	unsub()
	require.NoError(t, b.Publish(context.Background(), &Message{Type: FrameEvent}))

	assert.Equal(t, 1, count)
}

func TestMemoryBusStampsTimestamp(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var seen *Message
	b.Subscribe(func(msg *Message) { seen = msg })

	payload, _ := json.Marshal(map[string]any{"id": 1})
	require.NoError(t, b.Publish(context.Background(), &Message{
		Type: FrameEvent, RunID: "r1", Payload: payload,
	}))
	require.NotNil(t, seen)
	assert.False(t, seen.Timestamp.IsZero())
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	count := 0
	b.Subscribe(func(*Message) { count++ })
	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), &Message{Type: FrameEvent}))
	assert.Zero(t, count)
}
