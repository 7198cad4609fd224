package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-live/linkplay/internal/v1/types"
)

func TestNilServiceIsNoOp(t *testing.T) {
	var s *Service
	assert.NoError(t, s.PublishRoomEvent(context.Background(), "create", types.RoomSummary{ID: "r"}))
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
	s.SubscribeRoomEvents(context.Background(), nil, func(RoomEvent) {})
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := NewService(mr.Addr(), "", "node-a")
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewService(mr.Addr(), "", "node-b")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	events := make(chan RoomEvent, 16)
	sub.SubscribeRoomEvents(ctx, &wg, func(ev RoomEvent) { events <- ev })

	// The subscription attaches asynchronously; retry until an event
	// makes it through.
	require.Eventually(t, func() bool {
		require.NoError(t, pub.PublishRoomEvent(ctx, "create",
			types.RoomSummary{ID: "r1", OwnerName: "alice", PlayerCount: 1}))
		select {
		case ev := <-events:
			assert.Equal(t, "create", ev.Kind)
			assert.Equal(t, "node-a", ev.ServerName)
			assert.Equal(t, types.RoomIDType("r1"), ev.Room.ID)
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestOwnEventsFiltered(t *testing.T) {
	mr := miniredis.RunT(t)
	svc, err := NewService(mr.Addr(), "", "node-a")
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	events := make(chan RoomEvent, 16)
	svc.SubscribeRoomEvents(ctx, &wg, func(ev RoomEvent) { events <- ev })

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, svc.PublishRoomEvent(ctx, "create", types.RoomSummary{ID: "mine"}))

	select {
	case ev := <-events:
		t.Fatalf("own event should be filtered, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
	cancel()
	wg.Wait()
}
