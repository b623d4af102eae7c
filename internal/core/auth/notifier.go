package auth

import (
	"sync"

	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/observability/log"
)

// Notifier holds the current endpoint and announces account changes on the
// bus as PropertyAccount changes whose Old and New are endpoints.
type Notifier struct {
	bus    bus.EventBus
	logger log.Log

	mu      sync.RWMutex
	current endpoint.Endpoint
}

// NewNotifier starts signed out when initial is nil.
func NewNotifier(b bus.EventBus, initial endpoint.Endpoint, logger log.Log) *Notifier {
	if initial == nil {
		initial = endpoint.NewLocalOnly()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Notifier{
		bus:     b,
		logger:  logger.With(log.String("component", "auth")),
		current: initial,
	}
}

func (n *Notifier) Endpoint() endpoint.Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

// SetEndpoint replaces the current endpoint and notifies subscribers. Handlers
// run synchronously on the caller's goroutine.
func (n *Notifier) SetEndpoint(ep endpoint.Endpoint) error {
	if ep == nil {
		ep = endpoint.NewLocalOnly()
	}
	n.mu.Lock()
	previous := n.current
	n.current = ep
	n.mu.Unlock()

	n.logger.Info("Authentication changed",
		log.String("previous_account", previous.AccountID()),
		log.String("account", ep.AccountID()),
		log.Bool("authenticated", ep.IsAuthenticated()))

	return bus.PublishChange(n.bus, "", "auth", bus.PropertyChange{
		Property: bus.PropertyAccount,
		Subject:  ep.AccountID(),
		Old:      previous,
		New:      ep,
	})
}

// SignOut switches to the local-only endpoint.
func (n *Notifier) SignOut() error {
	return n.SetEndpoint(endpoint.NewLocalOnly())
}

// OnChange calls handler with the new endpoint after every change.
func (n *Notifier) OnChange(handler func(endpoint.Endpoint)) (bus.Subscription, error) {
	return bus.OnPropertyChanged(n.bus, "", bus.PropertyAccount, func(change bus.PropertyChange) {
		if ep, ok := change.New.(endpoint.Endpoint); ok {
			handler(ep)
		}
	})
}
