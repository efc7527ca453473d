// Package ipc connects consumer windows to the daemon over a local socket.
//
// The protocol provides:
//   - request/response commands correlated by request id
//   - server-pushed events addressed to one consumer or broadcast
//   - protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"overfloatd/internal/fileio"
	"overfloatd/internal/watcher"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4F564643 // "OVFC" - Overfloat client
)

// MaxPayload bounds a single message payload.
const MaxPayload = 64 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Watches (0x02xx)
	MsgWatch            MessageType = 0x0200
	MsgWatchResp        MessageType = 0x0201
	MsgStopWatching     MessageType = 0x0202
	MsgStopWatchingResp MessageType = 0x0203
	MsgListWatches      MessageType = 0x0204
	MsgListWatchesResp  MessageType = 0x0205

	// File commands (0x03xx)
	MsgReadFile      MessageType = 0x0300
	MsgReadFileResp  MessageType = 0x0301
	MsgWriteFile     MessageType = 0x0302
	MsgWriteFileResp MessageType = 0x0303

	// Documents (0x04xx)
	MsgGetConfig        MessageType = 0x0400
	MsgGetConfigResp    MessageType = 0x0401
	MsgSaveConfig       MessageType = 0x0402
	MsgSaveConfigResp   MessageType = 0x0403
	MsgGetProfiles      MessageType = 0x0404
	MsgGetProfilesResp  MessageType = 0x0405
	MsgSaveProfiles     MessageType = 0x0406
	MsgSaveProfilesResp MessageType = 0x0407

	// Event streaming (0x05xx)
	MsgEvent MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:             "ping",
	MsgPong:             "pong",
	MsgHandshake:        "handshake",
	MsgHandshakeAck:     "handshake_ack",
	MsgError:            "error",
	MsgShutdown:         "shutdown",
	MsgStatusRequest:    "status",
	MsgStatusResponse:   "status_resp",
	MsgWatch:            "watch",
	MsgWatchResp:        "watch_resp",
	MsgStopWatching:     "stop_watching",
	MsgStopWatchingResp: "stop_watching_resp",
	MsgListWatches:      "list_watches",
	MsgListWatchesResp:  "list_watches_resp",
	MsgReadFile:         "read_file",
	MsgReadFileResp:     "read_file_resp",
	MsgWriteFile:        "write_file",
	MsgWriteFileResp:    "write_file_resp",
	MsgGetConfig:        "get_config",
	MsgGetConfigResp:    "get_config_resp",
	MsgSaveConfig:       "save_config",
	MsgSaveConfigResp:   "save_config_resp",
	MsgGetProfiles:      "get_profiles",
	MsgGetProfilesResp:  "get_profiles_resp",
	MsgSaveProfiles:     "save_profiles",
	MsgSaveProfilesResp: "save_profiles_resp",
	MsgEvent:            "event",
}

func (t MessageType) String() string {
	if n, ok := messageNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// ErrBadMagic is returned for frames that do not start with ProtocolMagic.
var ErrBadMagic = errors.New("invalid magic number")

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	_, err := w.Write(h.encode())
	return err
}

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer as a single write, so concurrent
// writers serialized by a mutex never interleave frames.
func (m *Message) Write(w io.Writer) error {
	buf := append(m.Header.encode(), m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection. ClientName
// is the consumer label events are routed by.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ConnectionID    string `json:"connection_id"`
	Consumer        string `json:"consumer"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrAlreadyExists    = 6
	ErrNotInitialized   = 7
	ErrRateLimited      = 8
	ErrInvalidDocument  = 9
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version        string         `json:"version"`
	Uptime         time.Duration  `json:"uptime"`
	StartedAt      time.Time      `json:"started_at"`
	Clients        int            `json:"clients"`
	Consumers      []string       `json:"consumers"`
	WatchBackend   string         `json:"watch_backend"`
	Watches        []watcher.Info `json:"watches"`
	Keyboard       bool           `json:"keyboard"`
	KeyboardDetail string         `json:"keyboard_detail,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
}

// WatchRequest registers a watch. An empty ConsumerID means the consumer
// that sent the request.
type WatchRequest struct {
	Path       string `json:"path"`
	ConsumerID string `json:"consumer_id,omitempty"`
	WatchID    string `json:"watch_id"`
}

// WatchResponse acknowledges a watch. Registration always succeeds; a path
// that cannot be watched simply never produces events.
type WatchResponse struct {
	ConsumerID string `json:"consumer_id"`
	WatchID    string `json:"watch_id"`
	Path       string `json:"path"`
	Channel    string `json:"channel"`
}

// StopWatchingRequest cancels a watch.
type StopWatchingRequest struct {
	ConsumerID string `json:"consumer_id,omitempty"`
	WatchID    string `json:"watch_id"`
}

// StopWatchingResponse reports whether a watch was running.
type StopWatchingResponse struct {
	Stopped bool `json:"stopped"`
}

// ListWatchesRequest filters the watch list by consumer when set.
type ListWatchesRequest struct {
	ConsumerID string `json:"consumer_id,omitempty"`
}

type ListWatchesResponse struct {
	Watches []watcher.Info `json:"watches"`
}

// ReadFileRequest and WriteFileRequest are the file commands; both are
// answered with a fileio.Result.
type (
	ReadFileRequest  = fileio.ReadRequest
	WriteFileRequest = fileio.WriteRequest
	FSResult         = fileio.Result
)

// DocumentResponse carries a stored document. Body is empty for documents
// never saved.
type DocumentResponse struct {
	Body string `json:"body"`
}

// SaveDocumentRequest replaces a stored document.
type SaveDocumentRequest struct {
	Body string `json:"body"`
}

type SaveDocumentResponse struct {
	Success bool `json:"success"`
}

// Event is a streamed notification.
type Event struct {
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// NewEventMessage encodes payload into an event frame for channel.
func NewEventMessage(requestID uint32, channel string, payload any) (*Message, error) {
	raw, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return NewResponse(MsgEvent, requestID, &Event{
		Channel:   channel,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}
