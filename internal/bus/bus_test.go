package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("session")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionLifecycle, SessionLifecycleEvent{SessionID: "s-1", NewStatus: "ACTIVE"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSessionLifecycle {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSessionLifecycle)
		}
		payload, ok := event.Payload.(SessionLifecycleEvent)
		if !ok {
			t.Fatalf("payload type = %T, want SessionLifecycleEvent", event.Payload)
		}
		if payload.SessionID != "s-1" {
			t.Fatalf("session id = %q, want s-1", payload.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, TaskCompletedEvent{ExecutionID: "e-1"})
	b.Publish(TopicSessionLifecycle, SessionLifecycleEvent{SessionID: "s-1"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub must not see the session topic.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	// allSub sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d on allSub", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn")
	defer b.Unsubscribe(sub)

	// Fill the buffer and then some; publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish("turn.event", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if got := sub.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(fmt.Sprintf("task.p%d", n), j)
			}
		}(i)
	}

	received := 0
	drain := make(chan struct{})
	go func() {
		for range sub.Ch() {
			received++
		}
		close(drain)
	}()

	wg.Wait()
	b.Unsubscribe(sub)
	<-drain

	if received+int(sub.Dropped()) != 400 {
		t.Fatalf("received %d + dropped %d, want total 400", received, sub.Dropped())
	}
}
