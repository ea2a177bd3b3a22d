package protocol

// PeerCreds is the Unix peer credential set obtained at accept time (spec
// §4.1: "upon accept the daemon obtains the peer's uid/gid/pid from the
// socket"). internal/daemon populates this from SO_PEERCRED; protocol
// only consumes it for the allow-list check.
type PeerCreds struct {
	UID uint32
	GID uint32
	PID int32
}

// HalfCloser is satisfied by a connection that can shut down its write
// half independently of the read half — used only by the PPIPNHD async
// flow (spec §4.1, §9).
type HalfCloser interface {
	CloseWrite() error
}
