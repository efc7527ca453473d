package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath string
	// ClientName is the consumer label events are addressed to.
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(dataDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(dataDir, "overfloatd.sock"),
		ClientName:     "overfloatctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		EventBuffer:    256,
	}
}

// IPCClient talks to the daemon on behalf of one consumer.
type IPCClient struct {
	cfg ClientConfig

	mu           sync.RWMutex
	conn         net.Conn
	connectionID string
	serverVer    string

	writeMu   sync.Mutex
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	nextReqID atomic.Uint32

	events  chan *Event
	dropped atomic.Uint64

	readDone chan struct{}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &IPCClient{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, cfg.EventBuffer),
	}
}

// Connect dials the daemon and performs the handshake. A client connects
// once; its event channel closes when the connection ends.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.cfg.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the reader to exit.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.readDone
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ConnectionID returns the id the server assigned in the handshake.
func (c *IPCClient) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// ServerVersion returns the daemon version from the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVer
}

// Events returns pushed events. The channel is closed when the connection
// ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.events
}

// DroppedEvents counts events discarded because Events was not drained.
func (c *IPCClient) DroppedEvents() uint64 {
	return c.dropped.Load()
}

func (c *IPCClient) handshake(ctx context.Context) error {
	var ack HandshakeResponse
	err := c.call(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.cfg.ClientVersion,
		ClientName:      c.cfg.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.connectionID = ack.ConnectionID
	c.serverVer = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the response with the same id.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := NewMessage(msgType, reqID, data).Write(conn)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call performs a request and decodes a response of type want into out.
// Error frames are returned as *ErrorResponse.
func (c *IPCClient) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	switch resp.Header.Type {
	case MsgError:
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &e
	case want:
		if out == nil || len(resp.Payload) == 0 {
			return nil
		}
		return Decode(resp.Payload, out)
	default:
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
}

// readLoop dispatches responses and events until the connection closes.
func (c *IPCClient) readLoop(conn net.Conn) {
	c.mu.RLock()
	done := c.readDone
	c.mu.RUnlock()

	defer func() {
		c.connected.Store(false)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.events)
		close(done)
	}()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}
		c.handleMessage(conn, msg)
	}
}

func (c *IPCClient) handleMessage(conn net.Conn, msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.writeMu.Lock()
		NewMessage(MsgPong, msg.Header.RequestID, nil).Write(conn)
		c.writeMu.Unlock()

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.events <- &event:
		default:
			c.dropped.Add(1)
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Watch registers a recursive watch on path for this client's consumer.
func (c *IPCClient) Watch(ctx context.Context, path, watchID string) (*WatchResponse, error) {
	return c.WatchFor(ctx, "", path, watchID)
}

// WatchFor registers a watch on behalf of another consumer label.
func (c *IPCClient) WatchFor(ctx context.Context, consumer, path, watchID string) (*WatchResponse, error) {
	var resp WatchResponse
	req := &WatchRequest{Path: path, ConsumerID: consumer, WatchID: watchID}
	if err := c.call(ctx, MsgWatch, req, MsgWatchResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopWatching cancels a watch and reports whether it was running.
func (c *IPCClient) StopWatching(ctx context.Context, consumer, watchID string) (bool, error) {
	var resp StopWatchingResponse
	req := &StopWatchingRequest{ConsumerID: consumer, WatchID: watchID}
	if err := c.call(ctx, MsgStopWatching, req, MsgStopWatchingResp, &resp); err != nil {
		return false, err
	}
	return resp.Stopped, nil
}

// ListWatches lists running watches, optionally for one consumer.
func (c *IPCClient) ListWatches(ctx context.Context, consumer string) (*ListWatchesResponse, error) {
	var resp ListWatchesResponse
	if err := c.call(ctx, MsgListWatches, &ListWatchesRequest{ConsumerID: consumer}, MsgListWatchesResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadFile runs the read_file command.
func (c *IPCClient) ReadFile(ctx context.Context, req ReadFileRequest) (*FSResult, error) {
	var res FSResult
	if err := c.call(ctx, MsgReadFile, &req, MsgReadFileResp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WriteFile runs the write_file command.
func (c *IPCClient) WriteFile(ctx context.Context, req WriteFileRequest) (*FSResult, error) {
	var res FSResult
	if err := c.call(ctx, MsgWriteFile, &req, MsgWriteFileResp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetConfig returns the stored consumer config, or "" if none was saved.
func (c *IPCClient) GetConfig(ctx context.Context) (string, error) {
	var resp DocumentResponse
	if err := c.call(ctx, MsgGetConfig, nil, MsgGetConfigResp, &resp); err != nil {
		return "", err
	}
	return resp.Body, nil
}

// SaveConfig replaces the stored consumer config.
func (c *IPCClient) SaveConfig(ctx context.Context, body string) error {
	return c.call(ctx, MsgSaveConfig, &SaveDocumentRequest{Body: body}, MsgSaveConfigResp, nil)
}

// GetProfiles returns the stored profiles, or "" if none were saved.
func (c *IPCClient) GetProfiles(ctx context.Context) (string, error) {
	var resp DocumentResponse
	if err := c.call(ctx, MsgGetProfiles, nil, MsgGetProfilesResp, &resp); err != nil {
		return "", err
	}
	return resp.Body, nil
}

// SaveProfiles replaces the stored profiles.
func (c *IPCClient) SaveProfiles(ctx context.Context, body string) error {
	return c.call(ctx, MsgSaveProfiles, &SaveDocumentRequest{Body: body}, MsgSaveProfilesResp, nil)
}

// ErrorCode returns the protocol error code carried by err, or 0.
func ErrorCode(err error) int {
	var e *ErrorResponse
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
