package daemon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/protocol"
)

// serveConn implements one connection task: obtain peer credentials,
// read exactly one request, dispatch it, write the response, and close
// (spec §2, §5). A connection whose peer credentials cannot be obtained
// is rejected without a response (spec §4.1).
func (d *Daemon) serveConn(conn *net.UnixConn) {
	defer func() {
		_ = conn.Close()
		d.activeConnections.Add(-1)
		if d.metrics != nil {
			d.metrics.ActiveConnections.Dec()
		}
	}()

	peer, err := peerCreds(conn)
	if err != nil {
		d.logger.Warn("rejecting connection: could not obtain peer credentials", zap.Error(err))
		return
	}

	reader := bufio.NewReader(conn)
	req, err := protocol.ReadRequest(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		_ = protocol.WriteErr(conn, err)
		return
	}

	ctx := context.Background()
	if err := d.dispatcher.Handle(ctx, peer, req, conn, conn); err != nil {
		d.logger.Warn("error writing response", zap.Error(err), zap.String("command", req.Command))
	}
}
