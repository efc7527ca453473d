package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

const socketFileAmbiguous = false

// peerUID uses LOCAL_PEERCRED.
func peerUID(conn *net.UnixConn) (int, bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, false, err
	}
	var cred *unix.Xucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	}); err != nil {
		return 0, false, err
	}
	if credErr != nil {
		return 0, false, credErr
	}
	return int(cred.Uid), true, nil
}

func chmodSocket(path string) error { return unix.Chmod(path, 0o600) }
