//go:build !windows

package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "ovfs")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	assert.NoError(t, removeStaleSocket(filepath.Join(dir, "missing.sock")))

	regular := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(regular, []byte("keep"), 0o600))
	assert.ErrorContains(t, removeStaleSocket(regular), "not a socket")
	assert.FileExists(t, regular)

	sock := filepath.Join(dir, "s.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	assert.False(t, socketLive(sock))
	require.NoError(t, removeStaleSocket(sock))
	assert.NoFileExists(t, sock)
}

func TestSamePeerUser(t *testing.T) {
	dir, err := os.MkdirTemp("", "ovfp")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	ln, err := net.Listen("unix", filepath.Join(dir, "p.sock"))
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted
	defer server.Close()

	ok, err := samePeerUser(server)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = samePeerUser(&net.TCPConn{})
	assert.Error(t, err)
}
