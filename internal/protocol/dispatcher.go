package protocol

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/account"
	"github.com/gpg/payproc/internal/cryptofacade"
	"github.com/gpg/payproc/internal/currency"
	"github.com/gpg/payproc/internal/journal"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/paypal"
	"github.com/gpg/payproc/internal/perr"
	"github.com/gpg/payproc/internal/preorder"
	"github.com/gpg/payproc/internal/session"
	"github.com/gpg/payproc/internal/stripe"
)

// EventPublisher is the best-effort transaction-event sink (internal/events
// satisfies this). A nil EventPublisher on Deps disables publishing — the
// daemon still functions, just without the downstream mirror (spec
// SPEC_FULL.md §2.1: "additive and never gates the synchronous response").
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, dict *kv.List)
}

// Deps wires the protocol engine to every subsystem a command handler
// might touch (spec §2 dependency order: everything protocol sits on top
// of).
type Deps struct {
	Sessions   *session.Store
	Preorders  *preorder.Store
	Accounts   *account.Store
	Currencies *currency.Table
	Crypto     *cryptofacade.Facade
	Journal    *journal.Journal
	Stripe     *stripe.Client
	PayPal     *paypal.Client
	Events     EventPublisher
	Logger     *zap.Logger

	Version string
	Live    bool

	// AllowedUIDs gates ordinary service commands; empty means unrestricted
	// (used in test mode, spec §6.4's *-test variants). AdminUIDs gates
	// SHUTDOWN in place of AllowedUIDs (it is typically a subset of them);
	// an empty AdminUIDs likewise leaves SHUTDOWN unrestricted.
	AllowedUIDs map[uint32]bool
	AdminUIDs   map[uint32]bool

	// RequestShutdown is invoked by the SHUTDOWN command (spec §6.3); the
	// daemon wires this to its own graceful-shutdown trigger.
	RequestShutdown func()
}

func (d *Deps) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// handlerFunc is the shape every command (other than PPIPNHD, which needs
// control over response timing) implements.
type handlerFunc func(ctx context.Context, d *Dispatcher, peer PeerCreds, req Request) (extra string, out *kv.List, err error)

// Dispatcher holds the command table and its Deps (spec §4.1 "Dispatch").
type Dispatcher struct {
	deps     Deps
	commands map[string]handlerFunc
}

// NewDispatcher builds a Dispatcher with the full command table of spec
// §6.3 wired in.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{deps: deps}
	d.commands = map[string]handlerFunc{
		"PING":           cmdPing,
		"GETINFO":        cmdGetInfo,
		"SESSION":        cmdSession,
		"CARDTOKEN":      cmdCardToken,
		"CHARGECARD":     cmdChargeCard,
		"PPCHECKOUT":     cmdPPCheckout,
		"SEPAPREORDER":   cmdSepaPreorder,
		"CHECKAMOUNT":    cmdCheckAmount,
		"COMMITPREORDER": cmdCommitPreorder,
		"GETPREORDER":    cmdGetPreorder,
		"LISTPREORDER":   cmdListPreorder,
		"SHUTDOWN":       cmdShutdown,
	}
	return d
}

// adminCommands gates on Deps.AdminUIDs rather than Deps.AllowedUIDs (spec
// §4.1: "a subset allow-list gates admin commands").
var adminCommands = map[string]bool{"SHUTDOWN": true}

func (d *Dispatcher) authorize(peer PeerCreds, command string) error {
	if adminCommands[command] {
		if len(d.deps.AdminUIDs) > 0 && !d.deps.AdminUIDs[peer.UID] {
			return perr.ErrPermission
		}
		return nil
	}
	if len(d.deps.AllowedUIDs) > 0 && !d.deps.AllowedUIDs[peer.UID] {
		return perr.ErrPermission
	}
	return nil
}

// Handle authorizes, dispatches, and writes the response for one parsed
// Request (spec §4.1). PPIPNHD is special-cased: it must answer OK and
// half-close the connection before the IPN body is even looked at (spec
// §4.1, §9), so it bypasses the generic handler/out-dict plumbing.
func (d *Dispatcher) Handle(ctx context.Context, peer PeerCreds, req Request, w io.Writer, half HalfCloser) error {
	if err := d.authorize(peer, req.Command); err != nil {
		return WriteErr(w, err)
	}

	if req.Command == "PPIPNHD" {
		return d.handlePPIPNHD(ctx, req, w, half)
	}

	handler, ok := d.commands[req.Command]
	if !ok {
		return WriteErr(w, perr.New(perr.Unknown, "Unknown command"))
	}

	extra, out, err := handler(ctx, d, peer, req)
	if err != nil {
		return WriteErr(w, err)
	}
	return WriteOK(w, extra, out)
}

// handlePPIPNHD implements spec §4.1's asynchronous flow: emit OK, shut
// down the write half, then verify the IPN off to the side. The client
// never learns the verification outcome over this connection (spec §9).
func (d *Dispatcher) handlePPIPNHD(ctx context.Context, req Request, w io.Writer, half HalfCloser) error {
	body := req.Dict.GetDefault("Request", "")

	if err := WriteOK(w, "", nil); err != nil {
		return err
	}
	if half != nil {
		_ = half.CloseWrite()
	}

	go func() {
		verifyCtx := context.Background()
		log := d.deps.logger()
		if d.deps.PayPal == nil {
			return
		}
		if err := d.deps.PayPal.VerifyIPN(verifyCtx, body); err != nil {
			log.Warn("ipn verification failed", zap.Error(err))
			return
		}
		// Duplicate-notification and transaction-status checks are
		// explicit design placeholders (spec §4.7); this is the point
		// where they would be consulted before acting on the payload.
		log.Info("ipn verified")
		if d.deps.Events != nil {
			d.deps.Events.Publish(verifyCtx, "ipn_verified", req.Dict)
		}
	}()
	return nil
}
