package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/decksync/internal/core/auth"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/realtime"
	"github.com/zeusync/decksync/internal/core/record"
)

// Subprotocol is negotiated on the realtime websocket.
const Subprotocol = "graphql-ws"

const messageStart = "start"

// subscriber is one realtime connection. Writes go through send so that a
// single goroutine owns the socket's write side.
type subscriber struct {
	id      string
	account string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

func (c *subscriber) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		// Too slow to keep up; the client reconnects and refreshes.
		c.close()
		return false
	}
}

func (c *subscriber) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *subscriber) writeLoop(timeout time.Duration, logger log.Log) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("Realtime write failed", log.String("subscriber", c.id), log.Error(err))
				c.close()
				return
			}
		}
	}
}

// hub fans record changes out to the subscribed connections of an account.
type hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subscribers: make(map[*subscriber]struct{})}
}

func (h *hub) add(c *subscriber) {
	h.mu.Lock()
	h.subscribers[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *hub) snapshot(account string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.subscribers))
	for c := range h.subscribers {
		if account == "" || c.account == account {
			out = append(out, c)
		}
	}
	return out
}

// publish pushes every record to the account's started subscribers.
func (h *hub) publish(account string, records []*record.Record, logger log.Log) {
	subs := h.snapshot(account)
	if len(subs) == 0 {
		return
	}
	for _, r := range records {
		raw, err := r.MarshalCache()
		if err != nil {
			logger.Warn("Encoding realtime record failed", log.String("id", r.ID), log.Error(err))
			continue
		}
		msg, err := json.Marshal(realtime.Envelope{
			Type:    realtime.MessageData,
			Payload: &realtime.Payload{Data: &realtime.PayloadData{UpdatedRecord: raw}},
		})
		if err != nil {
			continue
		}
		for _, c := range subs {
			if c.started.Load() {
				c.enqueue(msg)
			}
		}
	}
}

func (h *hub) broadcast(msg []byte) {
	for _, c := range h.snapshot("") {
		c.enqueue(msg)
	}
}

func (h *hub) closeAll() {
	for _, c := range h.snapshot("") {
		c.close()
	}
}

// handleRealtime serves the subscription protocol: connection_init is
// acknowledged, start subscribes the connection to its account's changes.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	account, err := auth.VerifyToken(s.config.Secret, r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Realtime upgrade failed", log.Error(err))
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	c := &subscriber{
		id:      s.newID(),
		account: account,
		conn:    conn,
		send:    make(chan []byte, s.config.SendBufferSize),
		done:    make(chan struct{}),
	}
	s.hub.add(c)
	logger := s.logger.With(log.String("subscriber", c.id), log.String("account", account))
	logger.Info("Realtime client connected", log.Int("total_clients", s.hub.count()))
	defer func() {
		s.hub.remove(c)
		c.close()
		logger.Info("Realtime client disconnected", log.Int("total_clients", s.hub.count()))
	}()

	go c.writeLoop(s.config.WriteTimeout, logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id,omitempty"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Dropping unreadable realtime message", log.Error(err))
			continue
		}
		switch msg.Type {
		case realtime.MessageConnectionInit:
			c.enqueue(mustEnvelope(realtime.MessageConnectionAck))
		case messageStart:
			c.started.Store(true)
			c.enqueue(mustEnvelope(realtime.MessageStartAck))
		case "stop":
			c.started.Store(false)
		default:
			logger.Debug("Ignoring realtime message", log.String("type", msg.Type))
		}
	}
}

func mustEnvelope(messageType string) []byte {
	msg, err := json.Marshal(realtime.Envelope{Type: messageType})
	if err != nil {
		panic(err)
	}
	return msg
}
