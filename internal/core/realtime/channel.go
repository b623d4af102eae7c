// Package realtime keeps a push subscription open against the record service
// and routes every record delta it receives, in arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/observability/metrics"
	"github.com/zeusync/decksync/internal/core/record"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	}
	return "unknown"
}

// Message types of the subscription protocol.
const (
	MessageConnectionInit  = "connection_init"
	MessageConnectionAck   = "connection_ack"
	MessageConnectionError = "connection_error"
	MessageKeepAlive       = "ka"
	MessageStartAck        = "start_ack"
	MessageData            = "data"

	errorUnauthorized = "UnauthorizedException"
)

// Router receives every record delivered by the channel.
type Router interface {
	HandleRealtimeRecord(r *record.Record)
}

// SubscriptionSource tells the channel where to connect.
type SubscriptionSource interface {
	GetSyncSubscriptionInfo(ctx context.Context) (*endpoint.SubscriptionInfo, error)
}

type Config struct {
	// ReconnectInterval is the minimum spacing between connection attempts
	// once the burst is spent.
	ReconnectInterval time.Duration
	ReconnectBurst    int
	HandshakeTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 5 * time.Second,
		ReconnectBurst:    2,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Envelope is one message of the subscription protocol.
type Envelope struct {
	Type    string   `json:"type"`
	Payload *Payload `json:"payload,omitempty"`
}

type Payload struct {
	Data   *PayloadData   `json:"data,omitempty"`
	Errors []PayloadError `json:"errors,omitempty"`
}

type PayloadData struct {
	UpdatedRecord json.RawMessage `json:"updatedRecord,omitempty"`
}

type PayloadError struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message,omitempty"`
}

// Channel is the realtime update channel.
type Channel struct {
	router  Router
	config  Config
	limiter *rate.Limiter
	logger  log.Log
	metrics *metrics.Metrics
	bus     bus.EventBus

	state atomic.Int32

	mu       sync.Mutex
	source   SubscriptionSource
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	handlers []func(State)
}

type Option func(*Channel)

func WithLogger(logger log.Log) Option {
	return func(c *Channel) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(c *Channel) { c.config = cfg }
}

// WithBus publishes state changes as PropertyRealtimeState.
func WithBus(b bus.EventBus) Option {
	return func(c *Channel) { c.bus = b }
}

func New(source SubscriptionSource, router Router, opts ...Option) *Channel {
	c := &Channel{
		source: source,
		router: router,
		config: DefaultConfig(),
		logger: log.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(log.String("component", "realtime"))
	every := rate.Inf
	if c.config.ReconnectInterval > 0 {
		every = rate.Every(c.config.ReconnectInterval)
	}
	c.limiter = rate.NewLimiter(every, max(c.config.ReconnectBurst, 1))
	return c
}

func (c *Channel) State() State {
	return State(c.state.Load())
}

// OnStateChange registers handler for every state transition.
func (c *Channel) OnStateChange(handler func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// SetSource points the channel at another account. It takes effect on the
// next connection; call Restart to force one.
func (c *Channel) SetSource(source SubscriptionSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = source
}

// Start connects in the background and keeps reconnecting until Stop or until
// ctx is done.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	if c.source == nil {
		return ErrNoSource
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Restart drops the current connection. The run loop reconnects.
func (c *Channel) Restart() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Stop closes the connection and waits for the reader to exit.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	conn := c.conn
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		if attempt > 0 {
			c.metrics.ObserveReconnect()
		}
		c.setState(StateConnecting)

		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("Realtime connection ended", log.Int("attempt", attempt), log.Error(err))
	}
}

func (c *Channel) session(ctx context.Context) error {
	c.mu.Lock()
	source := c.source
	c.mu.Unlock()

	info, err := source.GetSyncSubscriptionInfo(ctx)
	if err != nil {
		return errors.Wrap(err, "get subscription info")
	}

	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.config.HandshakeTimeout,
		Subprotocols:     info.Subprotocols,
	}
	conn, _, err := dialer.DialContext(ctx, info.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", info.URL)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if err := conn.WriteJSON(Envelope{Type: MessageConnectionInit}); err != nil {
		return errors.Wrap(err, "send connection_init")
	}
	if len(info.StartMessage) > 0 && string(info.StartMessage) != "null" {
		if err := conn.WriteMessage(websocket.TextMessage, info.StartMessage); err != nil {
			return errors.Wrap(err, "send start message")
		}
	}
	c.setState(StateSubscribed)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.handleMessage(data); err != nil {
			return err
		}
	}
}

// handleMessage processes one raw message. It returns ErrReconnect when the
// service asks for a fresh connection; malformed messages are logged and
// dropped.
func (c *Channel) handleMessage(data []byte) error {
	var msg Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Dropping unreadable realtime message", log.Error(err))
		return nil
	}
	c.metrics.ObserveRealtime(msg.Type)

	switch msg.Type {
	case MessageKeepAlive, MessageStartAck, MessageConnectionAck:
		return nil
	case MessageConnectionError:
		return ErrReconnect
	case MessageData:
	default:
		c.logger.Info("Unknown realtime message type", log.String("type", msg.Type))
		return nil
	}

	if msg.Payload == nil {
		c.logger.Warn("Realtime message without payload")
		return nil
	}
	if msg.Payload.Data == nil {
		for _, e := range msg.Payload.Errors {
			if e.ErrorType == errorUnauthorized {
				return ErrReconnect
			}
		}
		c.logger.Warn("Realtime payload without data", log.Int("errors", len(msg.Payload.Errors)))
		return nil
	}
	raw := msg.Payload.Data.UpdatedRecord
	if len(raw) == 0 || string(raw) == "null" {
		c.logger.Warn("Realtime data without updatedRecord")
		return nil
	}

	r, err := record.Unmarshal(raw)
	if err != nil {
		c.logger.Warn("Dropping malformed realtime record", log.Error(errors.Wrap(ErrMalformedRecord, err.Error())))
		return nil
	}
	if r.Collection == "" {
		c.logger.Warn("Realtime record without collection", log.String("id", r.ID))
		return nil
	}
	c.router.HandleRealtimeRecord(r)
	return nil
}

func (c *Channel) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.logger.Debug("Realtime state changed", log.String("from", old.String()), log.String("to", s.String()))

	c.mu.Lock()
	handlers := append([]func(State){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
	if c.bus != nil {
		_ = bus.PublishChange(c.bus, "", "realtime", bus.PropertyChange{
			Property: bus.PropertyRealtimeState,
			Old:      old,
			New:      s,
		})
	}
}
