package bus

import "time"

// EventBus is an in-process pub/sub bus. Handlers subscribe by event type,
// optionally within a topic, and are called synchronously in the publisher's
// goroutine. Handler errors are joined and returned from Publish.
//
// The sync engine uses one topic per document for document-scoped
// notifications (local change state, slide thumbnails) and the default topic
// for collection-wide ones. All methods are safe for concurrent use.
type EventBus interface {
	// Publish delivers event to the subscribers of event.Type() in the default topic.
	Publish(event Event) error
	// PublishToTopic delivers event to the subscribers within topic.
	PublishToTopic(topic string, event Event) error
	// PublishBatch publishes events in order and joins their errors.
	PublishBatch(events ...Event) error

	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. A nil sub is ignored.
	Unsubscribe(sub Subscription) error

	// DropTopic removes every subscription within topic.
	DropTopic(topic string)

	AddObserver(obs EventBusObserver)
	RemoveObserver(obs EventBusObserver)
	// Metrics is only collected while at least one observer is registered.
	Metrics() EventBusMetrics
	Topics() []TopicInfo
}

// Event is a read-only message on the bus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	EventHandler func(event Event) error
)

// Subscription is a registered handler.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel de-registers the handler. Repeated calls are safe.
	Cancel() error
}

// EventBusObserver is told about every delivery.
type EventBusObserver interface {
	OnPublish(topic, eventType string, event Event)
	OnDelivered(topic, eventType string, handlers int, err error, took time.Duration)
}

type EventBusMetrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
	Topics            uint64
}

type TopicInfo struct {
	Name       string
	EventTypes int
	Subs       int
}
