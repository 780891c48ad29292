// ABOUTME: Tests for the broadcaster fan-out and the NATS exporter
// ABOUTME: The NATS tests run against an embedded server on a random port

package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_TaskSubscriberReceivesOwnEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "task-1")

	b.Publish(NewTaskEvent(TaskStarted, "task-2", nil))
	b.Publish(NewTaskEvent(TaskStarted, "task-1", nil))

	ev := receive(t, ch)
	assert.Equal(t, "task-1", ev.TaskID)
	assert.Equal(t, TaskStarted, ev.Type)
	assert.Empty(t, ch, "events for other tasks are not delivered")
}

func TestBroadcaster_FirehoseReceivesEverything(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), FirehoseKey)

	b.Publish(NewTaskEvent(TaskCreated, "task-1", nil))
	b.Publish(NewProviderEvent("claude", "CLOSED", "OPEN"))

	assert.Equal(t, TaskCreated, receive(t, ch).Type)
	ev := receive(t, ch)
	assert.Equal(t, ProviderStateChanged, ev.Type)
	assert.Equal(t, "claude", ev.Provider)
	assert.Equal(t, "OPEN", ev.Data["to"])
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "task-1")
	require.Equal(t, 1, b.SubscriberCount("task-1"))

	b.Unsubscribe("task-1", subID)
	b.Unsubscribe("task-1", subID)

	_, ok := <-ch
	assert.False(t, ok, "channel is closed")
	assert.Equal(t, 0, b.SubscriberCount("task-1"))

	b.Publish(NewTaskEvent(TaskStarted, "task-1", nil))
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "task-1")
	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount("task-1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context(), "task-1")

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 3 {
			b.Publish(NewTaskEvent(PhaseCompleted, "task-1", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(t.Context(), FirehoseKey)

	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := b.Subscribe(t.Context(), FirehoseKey)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		_, subID := b.Subscribe(t.Context(), "task-1")
		go func() {
			defer wg.Done()
			b.Publish(NewTaskEvent(PhaseCompleted, "task-1", nil))
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe("task-1", subID)
		}()
	}
	wg.Wait()
}

func TestType_Terminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.False(t, PhaseCompleted.Terminal())
}

func startNATS(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestNATSPublisher_Subjects(t *testing.T) {
	srv := startNATS(t)
	p, err := NewNATSPublisher(srv.ClientURL(), "", nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "conclave.task.abc.phase.completed", p.Subject(NewTaskEvent(PhaseCompleted, "abc", nil)))
	assert.Equal(t, "conclave.provider.open_ai.state", p.Subject(NewProviderEvent("open.ai", "CLOSED", "OPEN")))
}

func TestNATSPublisher_ForwardsFirehose(t *testing.T) {
	srv := startNATS(t)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("test.>", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := NewNATSPublisher(srv.ClientURL(), "test", nil)
	require.NoError(t, err)
	defer p.Close()

	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, FirehoseKey)
	go p.Forward(ctx, ch)

	b.Publish(NewTaskEvent(TaskCompleted, "task-9", map[string]any{"confidence": 0.9}))

	select {
	case msg := <-received:
		assert.Equal(t, "test.task.task-9.task.completed", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, TaskCompleted, ev.Type)
		assert.Equal(t, "task-9", ev.TaskID)
		assert.InDelta(t, 0.9, ev.Data["confidence"], 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for NATS message")
	}
}
