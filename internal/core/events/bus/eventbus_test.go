package bus

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/decksync/internal/core/observability/log"
)

type testObserver struct {
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_, _ string, _ Event) {
	o.publishCount++
}

func (o *testObserver) OnDelivered(_, _ string, handlers int, err error, _ time.Duration) {
	o.deliveredCount += handlers
	o.lastErr = err
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got Event
	_, err := b.Subscribe("test.event", func(e Event) error {
		got = e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = b.Publish(NewEvent("test.event", "tester", 123)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got == nil || got.Data() != 123 || got.Source() != "tester" {
		t.Fatalf("handler not called with event: %#v", got)
	}
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	first, second := errors.New("first"), errors.New("second")
	_, _ = b.Subscribe("x", func(Event) error { return first })
	_, _ = b.Subscribe("x", func(Event) error { return second })

	err := b.Publish(NewEvent("x", "src", nil))
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestTopicsIsolation(t *testing.T) {
	b := New()
	count1 := 0
	count2 := 0
	_, _ = b.SubscribeTopic("t1", "ev", func(e Event) error { count1++; return nil })
	_, _ = b.SubscribeTopic("t2", "ev", func(e Event) error { count2++; return nil })
	_ = b.PublishToTopic("t1", NewEvent("ev", "src", nil))
	if count1 != 1 || count2 != 0 {
		t.Fatalf("topic isolation failed: %d %d", count1, count2)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub, _ := b.Subscribe("ev", func(Event) error { calls++; return nil })
	_ = b.Publish(NewEvent("ev", "src", nil))
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = sub.Cancel()
	_ = b.Publish(NewEvent("ev", "src", nil))
	if calls != 1 || sub.IsActive() {
		t.Fatalf("expected one call and inactive subscription, got %d %v", calls, sub.IsActive())
	}
}

func TestDropTopic(t *testing.T) {
	b := New()
	calls := 0
	sub, _ := b.SubscribeTopic("doc-1", "ev", func(Event) error { calls++; return nil })
	b.DropTopic("doc-1")
	_ = b.PublishToTopic("doc-1", NewEvent("ev", "src", nil))
	if calls != 0 || sub.IsActive() {
		t.Fatalf("dropped topic still delivers: %d", calls)
	}
	for _, info := range b.Topics() {
		if info.Name == "doc-1" {
			t.Fatalf("topic still listed")
		}
	}
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	_, _ = b.Subscribe("e", func(e Event) error { return nil })
	_ = b.Publish(NewEvent("e", "s", nil))
	if m := b.Metrics(); m.Published != 0 {
		t.Fatalf("metrics should be zero without observers: %+v", m)
	}
	obs := &testObserver{}
	b.AddObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil))
	m := b.Metrics()
	if m.Published != 1 || m.DeliveredHandlers != 1 || m.SubscribersActive != 1 {
		t.Fatalf("metrics should update with observer: %+v", m)
	}
	if obs.publishCount != 1 || obs.deliveredCount != 1 {
		t.Fatalf("observer not called: %+v", obs)
	}
	b.RemoveObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil))
	if obs.publishCount != 1 {
		t.Fatalf("removed observer still called")
	}
}

func TestPropertyChanges(t *testing.T) {
	b := New()
	var changes []PropertyChange
	_, err := OnPropertyChanged(b, "", PropertySortType, func(c PropertyChange) {
		changes = append(changes, c)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = PublishChange(b, "", "store", PropertyChange{Property: PropertySortType, Old: 1, New: 2})
	_ = PublishChange(b, "", "store", PropertyChange{Property: PropertyDocuments})
	if len(changes) != 1 || changes[0].Old != 1 || changes[0].New != 2 {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if _, err := OnPropertyChanged(b, "", PropertySortType, nil); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("expected ErrNilHandler, got %v", err)
	}
}

func TestLogObserverReportsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	b := New()
	b.AddObserver(NewLogObserver(log.NewWithCore(core)))
	_, _ = b.Subscribe("ok", func(Event) error { return nil })
	_, _ = b.Subscribe("bad", func(Event) error { return errors.New("boom") })

	_ = b.Publish(NewEvent("ok", "s", nil))
	_ = b.Publish(NewEvent("bad", "s", nil))

	entries := logs.FilterMessage("Event handler failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if entries[0].ContextMap()["event_type"] != "bad" {
		t.Fatalf("unexpected fields: %v", entries[0].ContextMap())
	}
}
