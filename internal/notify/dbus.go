package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// D-Bus names used by DBusSink.
const (
	DBusName      = "org.overfloat.Daemon"
	DBusPath      = dbus.ObjectPath("/org/overfloat/Daemon")
	DBusInterface = "org.overfloat.Daemon"

	SignalFileEvent = DBusInterface + ".FileEvent"
	SignalBroadcast = DBusInterface + ".Broadcast"
)

// ErrBusNameTaken is returned when another process owns DBusName.
var ErrBusNameTaken = errors.New("notify: D-Bus name already taken")

// DBusSink publishes messages as signals on the session bus so desktop
// components that do not speak the IPC protocol can observe them.
//
// Consumer-addressed messages are emitted as FileEvent(consumer, channel, json);
// broadcasts as Broadcast(channel, json).
type DBusSink struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewDBusSink connects to the session bus and claims DBusName.
func NewDBusSink(log *slog.Logger) (*DBusSink, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return newDBusSink(conn, log)
}

func newDBusSink(conn *dbus.Conn, log *slog.Logger) (*DBusSink, error) {
	reply, err := conn.RequestName(DBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, ErrBusNameTaken
	}
	if log == nil {
		log = slog.Default()
	}
	return &DBusSink{conn: conn, log: log}, nil
}

func (s *DBusSink) Emit(consumer, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("dbus: marshal payload", "channel", channel, "error", err)
		return
	}
	if err := s.conn.Emit(DBusPath, SignalFileEvent, consumer, channel, string(body)); err != nil {
		s.log.Debug("dbus: emit failed", "channel", channel, "error", err)
	}
}

func (s *DBusSink) Broadcast(channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("dbus: marshal payload", "channel", channel, "error", err)
		return
	}
	if err := s.conn.Emit(DBusPath, SignalBroadcast, channel, string(body)); err != nil {
		s.log.Debug("dbus: emit failed", "channel", channel, "error", err)
	}
}

// Close releases the bus name and the connection.
func (s *DBusSink) Close() error {
	if _, err := s.conn.ReleaseName(DBusName); err != nil {
		s.log.Debug("dbus: release name", "error", err)
	}
	return s.conn.Close()
}
