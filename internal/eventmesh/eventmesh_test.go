package eventmesh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPublish_FansOutWithoutDedup(t *testing.T) {
	bus := New(nil)

	var calls int32
	handler := func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	_, err := bus.Subscribe("mesh.component.*", "sub-a", handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("mesh.component.*", "sub-b", handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "mesh.component.registered", PriorityNormal, nil, false, false))

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestPublish_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New(nil, WithSubscriberTimeout(50*time.Millisecond))

	var fastCalled int32
	_, err := bus.Subscribe("slow.*", "slow", func(ctx context.Context, e Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("slow.*", "fast", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&fastCalled, 1)
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, bus.Publish(context.Background(), "slow.event", PriorityNormal, nil, false, false))
	require.Less(t, time.Since(start), time.Second)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&fastCalled) == 1 })
}

func TestSubscribe_HandlerFailureEmitsEvent(t *testing.T) {
	bus := New(nil)

	var failures int32
	_, err := bus.Subscribe("handler.failure", "watcher", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&failures, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("flaky.*", "flaky", func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "flaky.event", PriorityNormal, nil, false, false))

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&failures) == 1 })
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := New(nil)

	var calls int32
	id, err := bus.Subscribe("mesh.*", "sub", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe(id))
	require.Error(t, bus.Unsubscribe(id))

	require.NoError(t, bus.Publish(context.Background(), "mesh.test", PriorityNormal, nil, false, false))
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestPublish_DropsOnFullInboxUnderBackpressure(t *testing.T) {
	bus := New(nil, WithSubscriberQueueSize(1))

	block := make(chan struct{})
	_, err := bus.Subscribe("drop.*", "slow", func(ctx context.Context, e Event) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	var dropped int32
	_, err = bus.Subscribe("event.dropped", "watcher", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&dropped, 1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "drop.event", PriorityLow, nil, false, false))
	}
	close(block)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&dropped) > 0 })
}

func TestHistory_RingBufferBounded(t *testing.T) {
	bus := New(nil, WithHistorySize(3))
	for i := 0; i < 5; i++ {
		_ = bus.Publish(context.Background(), "mesh.test", PriorityNormal, nil, false, false)
	}
	require.Len(t, bus.History(10), 3)
}

func TestRoutes_MatchesGlobAndDoubleStarSuffix(t *testing.T) {
	bus := New([]RouteRule{
		{Pattern: "unified_logic.**", Subscribers: []string{"all"}},
	})
	require.Len(t, bus.Routes("unified_logic.update"), 1)
	require.Empty(t, bus.Routes("mesh.component.registered"))
}
