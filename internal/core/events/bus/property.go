package bus

import (
	"time"

	"github.com/zeusync/decksync/internal/core/observability/log"
)

// Property names an observable value of the sync engine.
type Property string

const (
	PropertyDocuments       Property = "documents"
	PropertyActiveDocument  Property = "activeDocument"
	PropertySortType        Property = "sortType"
	PropertyScratchpad      Property = "scratchpad"
	PropertyHasLocalChanges Property = "hasLocalChanges"
	PropertySlides          Property = "slides"
	PropertyAccount         Property = "account"
	PropertyRealtimeState   Property = "realtimeState"
)

func (p Property) eventType() string {
	return "property." + string(p)
}

// PropertyChange is the payload of a property event. Subject identifies the
// object whose property changed when the topic alone does not.
type PropertyChange struct {
	Property Property
	Subject  string
	Old      any
	New      any
}

// PublishChange announces a property change within topic.
func PublishChange(b EventBus, topic, source string, change PropertyChange) error {
	return b.PublishToTopic(topic, NewEvent(change.Property.eventType(), source, change))
}

// OnPropertyChanged subscribes handler to changes of p within topic.
func OnPropertyChanged(b EventBus, topic string, p Property, handler func(PropertyChange)) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	return b.SubscribeTopic(topic, p.eventType(), func(event Event) error {
		if change, ok := event.Data().(PropertyChange); ok {
			handler(change)
		}
		return nil
	})
}

// LogObserver reports failed deliveries.
type LogObserver struct {
	logger log.Log
}

func NewLogObserver(logger log.Log) *LogObserver {
	return &LogObserver{logger: logger.With(log.String("component", "bus"))}
}

func (o *LogObserver) OnPublish(string, string, Event) {}

func (o *LogObserver) OnDelivered(topic, eventType string, handlers int, err error, took time.Duration) {
	if err == nil {
		return
	}
	o.logger.Warn("Event handler failed",
		log.String("topic", topic),
		log.String("event_type", eventType),
		log.Int("handlers", handlers),
		log.Duration("took", took),
		log.Error(err))
}
