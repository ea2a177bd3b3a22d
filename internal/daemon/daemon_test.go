package daemon

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/protocol"
	"github.com/gpg/payproc/internal/session"
)

func TestDirOf(t *testing.T) {
	assert.Equal(t, "/var/run/payproc", dirOf("/var/run/payproc/daemon"))
	assert.Equal(t, ".", dirOf("daemon"))
}

func TestRemoveStaleSocketNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon")
	require.NoError(t, removeStaleSocket(path, zap.NewNop()))
}

func TestRemoveStaleSocketRemovesDeadSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon")
	addr, err := net.ResolveUnixAddr("unix", path)
	require.NoError(t, err)
	l, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	l.SetUnlinkOnClose(false)
	require.NoError(t, l.Close()) // leaves the socket file on disk, unowned

	require.NoError(t, removeStaleSocket(path, zap.NewNop()))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveStaleSocketRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon")
	addr, err := net.ResolveUnixAddr("unix", path)
	require.NoError(t, err)
	l, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("OK\n\n"))
	}()

	err = removeStaleSocket(path, zap.NewNop())
	assert.Error(t, err)
}

func TestServeConnDispatchesOneRequestThenCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon")
	addr, err := net.ResolveUnixAddr("unix", path)
	require.NoError(t, err)
	listener, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	defer listener.Close()

	dispatcher := protocol.NewDispatcher(protocol.Deps{Sessions: session.New(), Version: "test"})
	d := New(Config{SocketPath: path, ShutdownTimeout: time.Second}, dispatcher, session.New(), nil, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		conn, err := listener.AcceptUnix()
		require.NoError(t, err)
		d.serveConn(conn)
		close(done)
	}()

	client, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("PING\n\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK pong\n", line)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveConn did not terminate after one request")
	}
}

func TestShutdownPendingReportsFlag(t *testing.T) {
	d := New(Config{SocketPath: "unused", ShutdownTimeout: time.Second}, nil, nil, nil, nil, zap.NewNop())
	assert.False(t, d.ShutdownPending())
	d.shutdownPending.Store(true)
	assert.True(t, d.ShutdownPending())
}
