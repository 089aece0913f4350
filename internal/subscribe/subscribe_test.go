package subscribe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestOnNewMessage_DeliversInPublishOrder(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnNewMessage(bus, "session-1", testLogger(t))
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := eventbus.NewEvent("new-message", "session-1", map[string]interface{}{
			"message_id": "msg-" + string(rune('a'+i)),
		})
		require.NoError(t, bus.Publish(ctx, "messages:session-1", ev))
	}

	for i := 0; i < 3; i++ {
		tagged, ok := sub.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, "msg-"+string(rune('a'+i)), tagged.ClientID)
	}
}

func TestOnNewMessage_FallsBackToEventIDWithoutMessageID(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnNewMessage(bus, "session-1", testLogger(t))
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	ev := eventbus.NewEvent("new-message", "session-1", map[string]interface{}{})
	require.NoError(t, bus.Publish(ctx, "messages:session-1", ev))

	tagged, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, ev.ID, tagged.ClientID)
}

func TestOnAgentRunning_TagsByCompositeID(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnAgentRunning(bus, "session-1", testLogger(t))
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, "agent:session-1", eventbus.NewEvent("agent-running", "session-1", map[string]interface{}{
		"running": true,
	})))

	tagged, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "session-1-true", tagged.ClientID)
}

func TestSubscription_BlocksUntilEventArrives(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnSessionUpdate(bus, "session-1", testLogger(t))
	require.NoError(t, err)
	defer sub.Cancel()

	done := make(chan Tagged, 1)
	go func() {
		tagged, ok := sub.Next(context.Background())
		if ok {
			done <- tagged
		}
	}()

	select {
	case <-done:
		t.Fatal("Next returned before any event was published")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, bus.Publish(context.Background(), "session:session-1", eventbus.NewEvent("session-updated", "session-1", map[string]interface{}{
		"status": "running",
	})))

	select {
	case tagged := <-done:
		assert.Equal(t, "session-updated", tagged.Event.Type)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after publish")
	}
}

func TestSubscription_CancelUnblocksNext(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnSessionUpdate(bus, "session-1", testLogger(t))
	require.NoError(t, err)

	result := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(context.Background())
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Cancel()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock Next")
	}

	assert.False(t, sub.busSub.IsValid())
}

func TestSubscription_CancelDeliversAnyBufferedEventFirst(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnSessionUpdate(bus, "session-1", testLogger(t))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "session:session-1", eventbus.NewEvent("session-updated", "session-1", nil)))
	sub.Cancel()

	tagged, ok := sub.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "session-updated", tagged.Event.Type)

	_, ok = sub.Next(context.Background())
	assert.False(t, ok)
}

func TestSubscription_ContextCancellationUnblocksNextIndependently(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnSessionUpdate(bus, "session-1", testLogger(t))
	require.NoError(t, err)
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(ctx)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ctx cancellation did not unblock Next")
	}
}

func TestSubscription_DropsOldestWhenBufferFull(t *testing.T) {
	bus := eventbus.NewMemoryBus(testLogger(t))
	defer bus.Close()

	sub, err := OnSessionUpdate(bus, "session-1", testLogger(t))
	require.NoError(t, err)
	defer sub.Cancel()

	ctx := context.Background()
	for i := 0; i < bufferLimit+5; i++ {
		require.NoError(t, bus.Publish(ctx, "session:session-1", eventbus.NewEvent("session-updated", "session-1", map[string]interface{}{
			"seq": i,
		})))
	}

	tagged, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, 5, tagged.Event.Data["seq"])
}
