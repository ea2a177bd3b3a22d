package daemon

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/gpg/payproc/internal/protocol"
)

// peerCreds reads SO_PEERCRED off conn's underlying file descriptor (spec
// §4.1: "upon accept the daemon obtains the peer's uid/gid/pid from the
// socket"). The connection must be rejected by the caller when this
// errors — an unreadable peer credential is not "permit by default."
func peerCreds(conn *net.UnixConn) (protocol.PeerCreds, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return protocol.PeerCreds{}, err
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return protocol.PeerCreds{}, err
	}
	if sockErr != nil {
		return protocol.PeerCreds{}, sockErr
	}

	return protocol.PeerCreds{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}
