package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriberAfterStart(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventCommandStarted, AgentName: "myA", MessageID: "1-0"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventCommandStarted, evt.Type)
		assert.Equal(t, "myA", evt.AgentName)
		assert.False(t, evt.Timestamp.IsZero(), "Publish must stamp a zero Timestamp")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestPublish_PreservesExplicitTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	stamp := time.Now().Add(-time.Hour)
	b.Publish(&Event{Type: EventCommandFailed, Timestamp: stamp})

	select {
	case evt := <-sub:
		assert.True(t, evt.Timestamp.Equal(stamp))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestPublish_NeverBlocksWithoutStart(t *testing.T) {
	b := NewBroker()
	// Never call Start. eventCh has capacity 100; Publish must still return
	// promptly rather than block forever on an unread channel.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(&Event{Type: EventStageTransition})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no dispatch loop running")
	}
}

func TestSubscribe_CountReflectsActiveSubscribers(t *testing.T) {
	b := NewBroker()
	assert.Equal(t, 0, b.SubscriberCount())

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub2)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcast_DropsRatherThanBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Fill the subscriber's inbox (capacity 50) past its limit; none of
	// these publishes, nor the broker's dispatch loop, should ever block.
	for i := 0; i < 60; i++ {
		b.Publish(&Event{Type: EventStageTransition, Stage: "filling"})
	}

	// Give the dispatch loop a moment to drain eventCh into the subscriber.
	time.Sleep(100 * time.Millisecond)

	drained := 0
	for {
		select {
		case <-sub:
			drained++
		default:
			require.LessOrEqual(t, drained, 50)
			return
		}
	}
}

func TestStart_IsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	b.Publish(&Event{Type: EventCommandSucceeded})

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("broker did not dispatch after redundant Start calls")
	}
}
