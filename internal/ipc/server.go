package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"overfloatd/internal/metrics"
)

// ErrAlreadyRunning is returned by Start when another daemon is listening on
// the socket.
var ErrAlreadyRunning = errors.New("daemon already listening on socket")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, conn *Conn, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, conn *Conn, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
	return f(ctx, conn, msg)
}

// Conn is one connected consumer. Its label is set by the handshake and
// never changes afterwards.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	conn net.Conn

	mu           sync.Mutex
	consumer     string
	version      string
	ready        bool
	lastActivity time.Time

	outbox chan *Message
	done   chan struct{}
}

// Consumer returns the label the connection handshook with.
func (c *Conn) Consumer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumer
}

// Ready reports whether the handshake has completed.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// LastActivity returns when the last request arrived.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string // Unix socket path
	Version        string // Server version
	WriteTimeout   time.Duration
	MaxConnections int
	// OutboxSize bounds the events queued per connection; further events
	// are dropped.
	OutboxSize int
	// RateLimit is requests per second per consumer; 0 disables.
	RateLimit float64
	RateBurst int
	// VerifyPeer rejects connections from other users where the platform
	// exposes peer credentials.
	VerifyPeer bool

	Logger  *slog.Logger
	Metrics *metrics.Overfloat
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(dataDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(dataDir, "overfloatd.sock"),
		Version:        "dev",
		WriteTimeout:   10 * time.Second,
		MaxConnections: 64,
		OutboxSize:     256,
		VerifyPeer:     true,
	}
}

// Server is the IPC server that manages consumer connections. It is also a
// notify.Sink: Emit routes to connections by label, Broadcast to all.
type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	metrics *metrics.Overfloat
	limiter *keyedLimiter

	mu           sync.RWMutex
	listener     net.Listener
	handler      Handler
	conns        map[string]*Conn
	onDisconnect func(consumer string)
	startedAt    time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewOverfloat(nil)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "ipc"),
		metrics: cfg.Metrics,
		limiter: newKeyedLimiter(cfg.RateLimit, cfg.RateBurst),
		handler: handler,
		conns:   make(map[string]*Conn),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler replaces the message handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnDisconnect registers fn to run when the last connection carrying a
// consumer label closes.
func (s *Server) OnDisconnect(fn func(consumer string)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

// Start begins listening for connections
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if socketLive(path) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
	}
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := chmodSocket(path); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.log.Info("ipc listening", "socket", path)
	return nil
}

// Stop closes the listener and every connection, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when Start succeeded.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Version returns the version reported in handshakes.
func (s *Server) Version() string {
	return s.cfg.Version
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Consumers returns the distinct labels of handshaken connections, sorted.
func (s *Server) Consumers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.conns {
		if !c.Ready() {
			continue
		}
		if name := c.Consumer(); !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Emit queues an event for every connection labelled consumer.
func (s *Server) Emit(consumer, channel string, payload any) {
	s.fanout(channel, payload, func(c *Conn) bool { return c.Consumer() == consumer })
}

// Broadcast queues an event for every handshaken connection.
func (s *Server) Broadcast(channel string, payload any) {
	s.fanout(channel, payload, func(*Conn) bool { return true })
}

func (s *Server) fanout(channel string, payload any, match func(*Conn) bool) {
	msg, err := NewEventMessage(s.nextRequestID.Add(1), channel, payload)
	if err != nil {
		s.log.Error("encode event", "channel", channel, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		if !c.Ready() || !match(c) {
			continue
		}
		select {
		case c.outbox <- msg:
		default:
			s.metrics.NotificationsDropped.Inc()
			s.log.Debug("outbox full, event dropped", "conn", c.ID, "consumer", c.Consumer(), "channel", channel)
		}
	}
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if s.cfg.VerifyPeer {
			if ok, err := samePeerUser(conn); err != nil || !ok {
				s.log.Warn("rejecting connection from another user", "error", err)
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}
		c := &Conn{
			ID:           uuid.NewString(),
			ConnectedAt:  time.Now(),
			conn:         conn,
			lastActivity: time.Now(),
			outbox:       make(chan *Message, s.cfg.OutboxSize),
			done:         make(chan struct{}),
		}
		s.conns[c.ID] = c
		s.mu.Unlock()
		s.metrics.IPCClients.Inc()

		s.wg.Add(2)
		go s.writeLoop(c)
		go s.handleConnection(c)
	}
}

// writeLoop is the only writer of c.conn.
func (s *Server) writeLoop(c *Conn) {
	defer s.wg.Done()
	for {
		select {
		case msg := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := msg.Write(c.conn); err != nil {
				s.log.Debug("write failed", "conn", c.ID, "error", err)
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleConnection reads requests until the peer goes away.
func (s *Server) handleConnection(c *Conn) {
	defer s.wg.Done()
	defer s.disconnect(c)

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "conn", c.ID, "error", err)
			}
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		resp, err := s.processMessage(c, msg)
		if err != nil {
			s.log.Error("request failed", "conn", c.ID, "type", msg.Header.Type, "error", err)
			resp = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if resp == nil {
			continue
		}
		select {
		case c.outbox <- resp:
		case <-c.done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) disconnect(c *Conn) {
	close(c.done)
	c.conn.Close()

	consumer := c.Consumer()
	s.mu.Lock()
	delete(s.conns, c.ID)
	last := consumer != ""
	for _, other := range s.conns {
		if other.Consumer() == consumer {
			last = false
			break
		}
	}
	hook := s.onDisconnect
	s.mu.Unlock()
	s.metrics.IPCClients.Dec()

	s.log.Debug("connection closed", "conn", c.ID, "consumer", consumer)
	if last {
		s.limiter.Forget(consumer)
		if hook != nil {
			hook(consumer)
		}
	}
}

// processMessage handles protocol messages itself and passes the rest to
// the handler once the connection has a label.
func (s *Server) processMessage(c *Conn, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(c, msg)
	}

	if !c.Ready() {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "handshake required"), nil
	}
	if !s.limiter.Allow(c.Consumer()) {
		s.metrics.IPCRateLimited.Inc()
		return NewErrorMessage(msg.Header.RequestID, ErrRateLimited, "rate limit exceeded"), nil
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "no handler"), nil
	}

	s.metrics.IPCRequests.Inc()
	start := time.Now()
	defer func() { s.metrics.IPCRequestDuration.ObserveDuration(time.Since(start)) }()
	return handler.HandleMessage(s.ctx, c, msg)
}

// handleHandshake records the consumer label. A connection handshakes once.
func (s *Server) handleHandshake(c *Conn, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ClientName == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "client_name is required"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return NewErrorMessage(msg.Header.RequestID, ErrAlreadyExists, "already handshaken"), nil
	}
	c.consumer = req.ClientName
	c.version = req.ClientVersion
	c.ready = true
	c.mu.Unlock()

	s.log.Info("consumer connected", "conn", c.ID, "consumer", req.ClientName, "client_version", req.ClientVersion)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ConnectionID:    c.ID,
		Consumer:        req.ClientName,
	})
}
