// Package server is an in-memory record service for local development and
// tests. It speaks the same HTTP and realtime protocol as the production
// service: signed bearer tokens, batched record posts, locator queries,
// multipart asset uploads and websocket push of every stored change.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/realtime"
)

// Server is the development record service.
type Server struct {
	config   Config
	logger   log.Log
	now      func() time.Time
	newID    func() string
	upgrader websocket.Upgrader

	records *recordStore
	blobs   *blobStore
	hub     *hub
	handler http.Handler

	httpServer *http.Server
	listener   net.Listener

	running atomic.Bool
	closed  atomic.Bool

	workerGroup sync.WaitGroup
	stopChan    chan struct{}
}

// Config holds server configuration
type Config struct {
	ListenAddr string
	// Secret signs and verifies the HS256 access tokens.
	Secret []byte

	PageSize       int
	PartSize       int64
	MaxMessageSize int64

	// KeepAliveInterval paces "ka" messages on realtime connections.
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		PageSize:          100,
		PartSize:          5 * 1024 * 1024,
		MaxMessageSize:    16 * 1024 * 1024,
		KeepAliveInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBufferSize:    256,
		ShutdownTimeout:   5 * time.Second,
	}
}

func (c Config) validate() error {
	if len(c.Secret) == 0 {
		return errors.Wrap(ErrInvalidConfig, "secret is required")
	}
	if c.PageSize <= 0 || c.PartSize <= 0 || c.MaxMessageSize <= 0 || c.SendBufferSize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "sizes must be positive")
	}
	return nil
}

type Option func(*Server)

func WithLogger(logger log.Log) Option {
	return func(s *Server) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Server) { s.newID = newID }
}

// NewServer creates a server. Zero sizes in config take their defaults.
func NewServer(config Config, opts ...Option) (*Server, error) {
	defaults := DefaultServerConfig()
	if config.PageSize == 0 {
		config.PageSize = defaults.PageSize
	}
	if config.PartSize == 0 {
		config.PartSize = defaults.PartSize
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if config.SendBufferSize == 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		logger:   log.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
		records:  newRecordStore(),
		blobs:    newBlobStore(config.PartSize),
		hub:      newHub(),
		stopChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "server"))
	s.handler = s.routes()

	s.logger.Info("Server created", log.String("listen_addr", config.ListenAddr))
	return s, nil
}

// Handler exposes the routes, for httptest or an outer mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		s.running.Store(false)
		s.logger.Error("Failed to create listener", log.Error(err))
		return errors.Wrapf(err, "listen %s", s.config.ListenAddr)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startWorkers()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Serving failed", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Stop shuts the listener down, drops realtime clients and waits for the
// background workers.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrServerNotRunning
	}
	s.logger.Info("Stopping server")

	close(s.stopChan)
	s.hub.closeAll()

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.workerGroup.Wait()
	s.logger.Info("Server stopped")
	return err
}

// Close stops the server if needed; it cannot be started again.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Closing server")
	if s.running.Load() {
		return s.Stop(context.Background())
	}
	return nil
}

func (s *Server) startWorkers() {
	if s.config.KeepAliveInterval <= 0 {
		return
	}
	s.workerGroup.Add(1)
	go s.keepAlive()
}

// keepAlive sends "ka" to every realtime connection so idle proxies keep
// them open.
func (s *Server) keepAlive() {
	defer s.workerGroup.Done()
	ticker := time.NewTicker(s.config.KeepAliveInterval)
	defer ticker.Stop()
	msg := mustEnvelope(realtime.MessageKeepAlive)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.hub.broadcast(msg)
		}
	}
}
