package node

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubDeliversToEverySubscriber(t *testing.T) {
	hub := NewHub(discardLogger())

	first, unsubFirst := hub.Subscribe(4)
	second, unsubSecond := hub.Subscribe(4)
	defer unsubFirst()
	defer unsubSecond()

	hub.Publish("peer_connected", map[string]any{"node_id": "aaaa000011112222"})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, "peer_connected", ev.Type)
			assert.Equal(t, "aaaa000011112222", ev.Data["node_id"])
			assert.False(t, ev.TS.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestHubDropsWhenSubscriberLagsBehind(t *testing.T) {
	hub := NewHub(discardLogger())

	ch, unsub := hub.Subscribe(1)
	defer unsub()

	// the second publish must not block even though nobody is reading
	hub.Publish("first", nil)
	hub.Publish("second", nil)

	ev := <-ch
	assert.Equal(t, "first", ev.Type)
	select {
	case ev := <-ch:
		t.Fatalf("expected the second event to be dropped, got %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(discardLogger())

	ch, unsub := hub.Subscribe(0)
	require.Equal(t, 1, hub.SubscriberCount())

	unsub()
	assert.Equal(t, 0, hub.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// unsubscribing twice is harmless
	unsub()
	assert.Equal(t, 0, hub.SubscriberCount())

	hub.Publish("after_close", nil)
}
