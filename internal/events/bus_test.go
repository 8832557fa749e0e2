package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	t.Cleanup(bus.Close)

	transitions := make(chan Event, 1)
	degraded := make(chan Event, 1)

	bus.Subscribe(EventTypeSessionTransition, func(event Event) {
		transitions <- event
	})
	bus.Subscribe(EventTypeWorkspaceDegraded, func(event Event) {
		degraded <- event
	})

	bus.Publish(SessionEvent(EventTypeSessionTransition, "s-1", SeverityInfo, TransitionPayload{From: "idle", To: "acknowledged"}))

	got := waitForEvent(t, transitions)
	if got.Type != EventTypeSessionTransition {
		t.Fatalf("received type = %q, want %q", got.Type, EventTypeSessionTransition)
	}
	payload, ok := got.Payload.(TransitionPayload)
	if !ok || payload.To != "acknowledged" {
		t.Fatalf("payload = %#v, want transition to acknowledged", got.Payload)
	}

	select {
	case got := <-degraded:
		t.Fatalf("unexpected degraded event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	t.Cleanup(bus.Close)
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(SessionEvent(EventTypeRunStarted, "s-1", SeverityInfo, nil))
	bus.Publish(SessionEvent(EventTypeActivityDropped, "s-1", SeverityWarn, ActivityPayload{Kind: "thought", Err: "timeout"}))

	got := []string{waitForEvent(t, all).Type, waitForEvent(t, all).Type}
	for _, want := range []string{EventTypeRunStarted, EventTypeActivityDropped} {
		if !containsType(got, want) {
			t.Fatalf("wildcard subscriber missing %q event; got %v", want, got)
		}
	}
}

func TestPublishDropsWhenSubscriberBufferIsFullAndReturnsQuickly(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeActivitySent, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := SessionEvent(EventTypeActivitySent, "s-42", SeverityInfo, nil)

	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event)

	start := time.Now()
	bus.Publish(event)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)
	bus.Close()

	if !logger.contains("dropping event") {
		t.Fatalf("expected drop warning log, got %v", logger.messages())
	}
}

func TestPublishPopulatesTimestampAndPreservesMetadata(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	t.Cleanup(bus.Close)
	ch := make(chan Event, 1)

	bus.Subscribe(EventTypeRunFinished, func(event Event) {
		ch <- event
	})

	bus.Publish(SessionEvent(EventTypeRunFinished, "s-7", SeverityError, RunFinishedPayload{Outcome: "failed", Duration: time.Second}))

	got := waitForEvent(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp is zero; expected publish to populate timestamp")
	}
	if got.EntityType != EntitySession || got.EntityID != "s-7" {
		t.Fatalf("entity = %s/%s, want session/s-7", got.EntityType, got.EntityID)
	}
	if got.Severity != SeverityError {
		t.Fatalf("severity = %q, want %q", got.Severity, SeverityError)
	}
}

func TestCloseDrainsQueuedEventsAndIgnoresLaterPublishes(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		time.Sleep(time.Millisecond)
		received.Add(1)
	})

	for i := 0; i < 10; i++ {
		bus.Publish(SessionEvent(EventTypeActivitySent, "s-1", SeverityInfo, nil))
	}
	bus.Close()
	if got := received.Load(); got != 10 {
		t.Fatalf("received = %d after close, want 10", got)
	}

	bus.Publish(SessionEvent(EventTypeActivitySent, "s-1", SeverityInfo, nil))
	bus.SubscribeAll(func(Event) { t.Error("subscriber registered after close must never run") })
	bus.Close()
	if got := received.Load(); got != 10 {
		t.Fatalf("received = %d after late publish, want 10", got)
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000), WithLogger(&captureLogger{}))
	t.Cleanup(bus.Close)
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	expectedFromWildcard := int64(publisherCount * eventsPerPublisher)

	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(SessionEvent(EventTypeActivitySent, fmt.Sprintf("s-%d", i), SeverityInfo, j))
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTypeActivitySent, func(Event) {})
		}()
	}

	wg.Wait()
	waitForCount(t, &received, expectedFromWildcard, 2*time.Second)
}

func TestDiscardAndNilBusIgnoreEvents(t *testing.T) {
	t.Parallel()

	Discard.Publish(SessionEvent(EventTypeRunStarted, "s-1", SeverityInfo, nil))
	var bus *InMemoryBus
	bus.Publish(SessionEvent(EventTypeRunStarted, "s-1", SeverityInfo, nil))
}

func containsType(types []string, want string) bool {
	for _, eventType := range types {
		if eventType == want {
			return true
		}
	}
	return false
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type captureLogger struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

func (c *captureLogger) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, message := range c.logs {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}
