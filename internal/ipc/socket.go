package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// socketLive reports whether something is accepting on path.
func socketLive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// removeStaleSocket deletes a leftover socket file. Anything at path that is
// not a socket is left alone and reported.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 && !socketFileAmbiguous {
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	return os.Remove(path)
}

// samePeerUser reports whether the process on the other end of conn runs as
// this user. Platforms without peer credentials accept every peer and rely
// on the socket's mode.
func samePeerUser(conn net.Conn) (bool, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false, fmt.Errorf("not a unix connection: %T", conn)
	}
	uid, known, err := peerUID(uc)
	if err != nil {
		return false, err
	}
	if !known {
		return true, nil
	}
	return uid == os.Getuid(), nil
}
