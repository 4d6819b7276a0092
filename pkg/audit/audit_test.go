package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger(t *testing.T, cfg Config) (*Logger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLogger(client, cfg, nil), mr
}

func TestLogger_RecordAndGet(t *testing.T) {
	l, mr := newLogger(t, Config{})
	ctx := context.Background()

	assert.True(t, l.Record(&Event{UserID: "alice", EventType: EventCallIncoming, CallID: "call-1"}))
	assert.True(t, l.Record(&Event{UserID: "alice", EventType: EventCallEnded, CallID: "call-1", Reason: "hangup"}))
	assert.True(t, l.Record(&Event{UserID: "bob", EventType: EventCallError}))
	l.Close()

	events, err := l.GetEvents(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCallEnded, events[0].EventType, "newest first")
	assert.Equal(t, "hangup", events[0].Reason)
	assert.NotEmpty(t, events[0].EventID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, EventCallIncoming, events[1].EventType)

	assert.Positive(t, mr.TTL("audit:calls:alice"))
	assert.False(t, l.Record(&Event{UserID: "alice"}), "closed logger drops events")
}

func TestLogger_TrimsToMaxEvents(t *testing.T) {
	l, _ := newLogger(t, Config{MaxEvents: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Log(ctx, &Event{UserID: "alice", EventType: EventCallEnded, CallID: fmt.Sprintf("call-%d", i)}))
	}

	events, err := l.GetEvents(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "call-4", events[0].CallID)
	assert.Equal(t, "call-2", events[2].CallID)

	page, err := l.GetEvents(ctx, "alice", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "call-3", page[0].CallID)
	l.Close()
}

func TestLogger_SkipsMalformedEntries(t *testing.T) {
	l, mr := newLogger(t, Config{})
	defer l.Close()

	_, err := mr.Lpush("audit:calls:alice", "not json")
	require.NoError(t, err)
	require.NoError(t, l.Log(context.Background(), &Event{UserID: "alice", EventType: EventCallDropped, Timestamp: time.Now()}))

	events, err := l.GetEvents(context.Background(), "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventCallDropped, events[0].EventType)
}

func TestLogger_RedisDownDoesNotBlock(t *testing.T) {
	l, mr := newLogger(t, Config{Buffer: 1})
	mr.SetError("down")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Record(&Event{UserID: "alice", EventType: EventCallError})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked")
	}
	l.Close()
}
