package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"overfloatd/internal/fileio"
	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
	"overfloatd/internal/schemavalidation"
	"overfloatd/internal/store"
	"overfloatd/internal/watcher"
)

// Watches is the part of watcher.Registry the handler drives.
type Watches interface {
	Register(key watcher.Key, path string)
	Unregister(key watcher.Key)
	Active(key watcher.Key) bool
	Watches() []watcher.Info
}

// Files serves the read_file and write_file commands.
type Files interface {
	Read(req fileio.ReadRequest) fileio.Result
	Write(req fileio.WriteRequest) fileio.Result
}

// Documents stores the consumer config and profiles.
type Documents interface {
	Get(ctx context.Context, name string) (string, error)
	Put(ctx context.Context, name, body string) error
}

// Clients describes the connected consumers for status replies.
type Clients interface {
	ClientCount() int
	Consumers() []string
	StartedAt() time.Time
	Version() string
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Watches   Watches
	Files     Files
	Documents Documents
	Clients   Clients
	// Backend names the watch backend for status replies.
	Backend string
	// Keyboard reports whether the global key hook is live.
	Keyboard func() (bool, string)
	Metrics  *metrics.Overfloat
	Logger   *slog.Logger
}

// DaemonHandler implements the Handler interface for the daemon's commands.
type DaemonHandler struct {
	cfg DaemonHandlerConfig
	log *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewOverfloat(nil)
	}
	return &DaemonHandler{cfg: cfg, log: cfg.Logger.With("component", "handler")}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgWatch:
		return h.handleWatch(conn, msg)
	case MsgStopWatching:
		return h.handleStopWatching(conn, msg)
	case MsgListWatches:
		return h.handleListWatches(msg)
	case MsgReadFile:
		return h.handleReadFile(msg)
	case MsgWriteFile:
		return h.handleWriteFile(msg)
	case MsgGetConfig:
		return h.handleGetDocument(ctx, msg, store.DocConfig, MsgGetConfigResp)
	case MsgSaveConfig:
		return h.handleSaveDocument(ctx, msg, store.DocConfig, schemavalidation.Config, MsgSaveConfigResp)
	case MsgGetProfiles:
		return h.handleGetDocument(ctx, msg, store.DocProfiles, MsgGetProfilesResp)
	case MsgSaveProfiles:
		return h.handleSaveDocument(ctx, msg, store.DocProfiles, schemavalidation.Profiles, MsgSaveProfilesResp)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		WatchBackend: h.cfg.Backend,
		Metrics:      h.cfg.Metrics.Registry().Snapshot(),
	}
	if c := h.cfg.Clients; c != nil {
		resp.Version = c.Version()
		resp.StartedAt = c.StartedAt()
		resp.Uptime = time.Since(resp.StartedAt)
		resp.Clients = c.ClientCount()
		resp.Consumers = c.Consumers()
	}
	if h.cfg.Watches != nil {
		resp.Watches = h.cfg.Watches.Watches()
	}
	if h.cfg.Keyboard != nil {
		resp.Keyboard, resp.KeyboardDetail = h.cfg.Keyboard()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// watchKey resolves the consumer a watch command applies to.
func watchKey(conn *Conn, consumer, watchID string) watcher.Key {
	if consumer == "" {
		consumer = conn.Consumer()
	}
	return watcher.Key{Consumer: consumer, WatchID: watchID}
}

func (h *DaemonHandler) handleWatch(conn *Conn, msg *Message) (*Message, error) {
	var req WatchRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid watch request"), nil
	}
	if req.Path == "" || req.WatchID == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "path and watch_id are required"), nil
	}
	if h.cfg.Watches == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "watching disabled"), nil
	}

	key := watchKey(conn, req.ConsumerID, req.WatchID)
	h.cfg.Watches.Register(key, req.Path)

	path := req.Path
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return NewResponse(MsgWatchResp, msg.Header.RequestID, &WatchResponse{
		ConsumerID: key.Consumer,
		WatchID:    key.WatchID,
		Path:       path,
		Channel:    notify.FSEventChannel(key.WatchID),
	})
}

func (h *DaemonHandler) handleStopWatching(conn *Conn, msg *Message) (*Message, error) {
	var req StopWatchingRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid stop_watching request"), nil
	}
	if req.WatchID == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "watch_id is required"), nil
	}
	if h.cfg.Watches == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "watching disabled"), nil
	}

	key := watchKey(conn, req.ConsumerID, req.WatchID)
	stopped := h.cfg.Watches.Active(key)
	h.cfg.Watches.Unregister(key)
	return NewResponse(MsgStopWatchingResp, msg.Header.RequestID, &StopWatchingResponse{Stopped: stopped})
}

func (h *DaemonHandler) handleListWatches(msg *Message) (*Message, error) {
	var req ListWatchesRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	resp := &ListWatchesResponse{Watches: []watcher.Info{}}
	if h.cfg.Watches != nil {
		for _, w := range h.cfg.Watches.Watches() {
			if req.ConsumerID == "" || w.Consumer == req.ConsumerID {
				resp.Watches = append(resp.Watches, w)
			}
		}
	}
	return NewResponse(MsgListWatchesResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleReadFile(msg *Message) (*Message, error) {
	var req ReadFileRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid read_file request"), nil
	}
	if h.cfg.Files == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "file commands disabled"), nil
	}
	return NewResponse(MsgReadFileResp, msg.Header.RequestID, h.cfg.Files.Read(req))
}

func (h *DaemonHandler) handleWriteFile(msg *Message) (*Message, error) {
	var req WriteFileRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid write_file request"), nil
	}
	if h.cfg.Files == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "file commands disabled"), nil
	}
	return NewResponse(MsgWriteFileResp, msg.Header.RequestID, h.cfg.Files.Write(req))
}

// handleGetDocument answers with the stored body. Storage failures are
// logged and read as an empty document.
func (h *DaemonHandler) handleGetDocument(ctx context.Context, msg *Message, name string, respType MessageType) (*Message, error) {
	resp := &DocumentResponse{}
	if h.cfg.Documents != nil {
		body, err := h.cfg.Documents.Get(ctx, name)
		if err != nil {
			h.log.Error("load document failed", "document", name, "error", err)
		} else {
			resp.Body = body
		}
	}
	return NewResponse(respType, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleSaveDocument(ctx context.Context, msg *Message, name, schema string, respType MessageType) (*Message, error) {
	var req SaveDocumentRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid save request"), nil
	}
	if h.cfg.Documents == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "document store disabled"), nil
	}

	if err := schemavalidation.Validate(schema, []byte(req.Body)); err != nil {
		code := ErrInternalError
		if errors.Is(err, schemavalidation.ErrInvalidDocument) {
			code = ErrInvalidDocument
		}
		return NewErrorMessage(msg.Header.RequestID, code, err.Error()), nil
	}
	if err := h.cfg.Documents.Put(ctx, name, req.Body); err != nil {
		h.log.Error("save document failed", "document", name, "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "save failed"), nil
	}
	return NewResponse(respType, msg.Header.RequestID, &SaveDocumentResponse{Success: true})
}
