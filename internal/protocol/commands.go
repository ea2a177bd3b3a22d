package protocol

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gpg/payproc/internal/currency"
	"github.com/gpg/payproc/internal/journal"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
	"github.com/gpg/payproc/internal/stripe"
	"github.com/gpg/payproc/pkg/validate"
)

// amountCurrencyShape is pre-validated via go-playground/validator before
// the deeper currency-table/amount-parsing checks run (spec §4.6, §4.8);
// it catches malformed requests with a uniform error shape instead of
// letting each handler hand-roll the same required/len checks.
type amountCurrencyShape struct {
	Currency string `validate:"required,len=3"`
	Amount   string `validate:"required"`
}

func boolStr(b bool) string {
	if b {
		return "t"
	}
	return "f"
}

// cmdPing implements PING [text] (spec §6.3).
func cmdPing(_ context.Context, _ *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	if len(req.Args) == 0 {
		return "pong", nil, nil
	}
	return strings.Join(req.Args, " "), nil, nil
}

// cmdGetInfo implements GETINFO <sub> (spec §6.3).
func cmdGetInfo(_ context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	if len(req.Args) == 0 {
		return "", nil, perr.New(perr.MissingValue, "GETINFO requires a sub-command")
	}
	out := kv.New()
	switch req.Args[0] {
	case "list-currencies":
		out.Put("Currencies", strings.Join(currency.ListCodes(), ","))
	case "version":
		out.Put("Version", d.deps.Version)
	case "pid":
		out.Put("Pid", strconv.Itoa(os.Getpid()))
	case "live":
		out.Put("Live", boolStr(d.deps.Live))
	default:
		return "", nil, perr.New(perr.Unknown, "unknown GETINFO sub-command")
	}
	return "", out, nil
}

// cmdSession implements SESSION <sub> [id] (spec §4.2, §6.3).
func cmdSession(_ context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	if len(req.Args) == 0 {
		return "", nil, perr.New(perr.MissingValue, "SESSION requires a sub-command")
	}
	sub, rest := req.Args[0], req.Args[1:]

	switch sub {
	case "create":
		ttl := time.Duration(0)
		if len(rest) > 0 {
			secs, err := strconv.Atoi(rest[0])
			if err != nil || secs < 0 {
				return "", nil, perr.New(perr.InvalidValue, "invalid ttl")
			}
			ttl = time.Duration(secs) * time.Second
		}
		id, err := d.deps.Sessions.Create(ttl, req.Dict)
		if err != nil {
			return "", nil, err
		}
		out := kv.New()
		out.Put("_SESSID", id)
		return "", out, nil

	case "get":
		if len(rest) == 0 {
			return "", nil, perr.New(perr.MissingValue, "session id is required")
		}
		out := kv.New()
		if err := d.deps.Sessions.Get(rest[0], out); err != nil {
			return "", nil, err
		}
		return "", out, nil

	case "put":
		if len(rest) == 0 {
			return "", nil, perr.New(perr.MissingValue, "session id is required")
		}
		if err := d.deps.Sessions.Put(rest[0], req.Dict); err != nil {
			return "", nil, err
		}
		return "", nil, nil

	case "destroy":
		if len(rest) == 0 {
			return "", nil, perr.New(perr.MissingValue, "session id is required")
		}
		if err := d.deps.Sessions.Destroy(rest[0]); err != nil {
			return "", nil, err
		}
		return "", nil, nil

	case "alias":
		if len(rest) == 0 {
			return "", nil, perr.New(perr.MissingValue, "session id is required")
		}
		aliasID, err := d.deps.Sessions.CreateAlias(rest[0])
		if err != nil {
			return "", nil, err
		}
		out := kv.New()
		out.Put("_ALIASID", aliasID)
		return "", out, nil

	case "dealias":
		if len(rest) == 0 {
			return "", nil, perr.New(perr.MissingValue, "alias id is required")
		}
		if err := d.deps.Sessions.DestroyAlias(rest[0]); err != nil {
			return "", nil, err
		}
		return "", nil, nil

	case "sessid":
		if len(rest) == 0 {
			return "", nil, perr.New(perr.MissingValue, "alias id is required")
		}
		sessID, err := d.deps.Sessions.GetSessID(rest[0])
		if err != nil {
			return "", nil, err
		}
		out := kv.New()
		out.Put("_SESSID", sessID)
		return "", out, nil

	default:
		return "", nil, perr.New(perr.Unknown, "unknown SESSION sub-command")
	}
}

// cmdCardToken implements CARDTOKEN (spec §4.6 step 1, §6.3).
func cmdCardToken(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	tok, err := d.deps.Stripe.CreateCardToken(ctx, req.Dict)
	if err != nil {
		return "", nil, err
	}
	out := kv.New()
	out.Put("Token", tok.Token)
	out.Put("Last4", tok.Last4)
	out.Put("Live", boolStr(tok.Live))
	return "", out, nil
}

// amountCurrency pulls and validates the Amount/Currency pair most
// commands share, returning the currency Info and minor-unit integer.
func amountCurrency(dict *kv.List) (string, *currency.Info, int64, error) {
	shape := amountCurrencyShape{
		Currency: dict.GetDefault("Currency", ""),
		Amount:   dict.GetDefault("Amount", ""),
	}
	if err := validate.Struct(shape); err != nil {
		return "", nil, 0, err
	}

	info, ok := currency.Lookup(shape.Currency)
	if !ok {
		return "", nil, 0, perr.New(perr.InvalidValue, "unknown currency")
	}
	cents, err := currency.ParseCheckedAmount(shape.Amount, info)
	if err != nil {
		return "", nil, 0, err
	}
	return shape.Currency, info, cents, nil
}

// cmdChargeCard implements CHARGECARD (spec §4.6 step 2, §6.3).
func cmdChargeCard(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	code, info, cents, err := amountCurrency(req.Dict)
	if err != nil {
		return "", nil, err
	}
	cardToken := req.Dict.GetDefault("Card-Token", "")
	if cardToken == "" {
		return "", nil, perr.New(perr.MissingValue, "Card-Token is required")
	}

	res, err := d.deps.Stripe.Charge(ctx, stripe.ChargeInput{
		Currency:  code,
		AmountInt: cents,
		CardToken: cardToken,
		Desc:      req.Dict.GetDefault("Desc", ""),
		StmtDesc:  req.Dict.GetDefault("Stmt-Desc", ""),
	})
	if err != nil {
		return "", nil, err
	}

	euro := ""
	if d.deps.Currencies != nil {
		euro = d.deps.Currencies.ConvertToEuro(res.AmountInt, res.Currency)
	}
	ts := d.deps.Journal.StoreCharge(journal.ChargeInput{
		Live: res.Live, Currency: res.Currency, Amount: currency.FromMinorUnits(res.AmountInt, info.DecDigits),
		Desc: req.Dict.GetDefault("Desc", ""), Email: req.Dict.GetDefault("Email", ""),
		Last4: res.Last4, Service: "stripe", ChargeID: res.ChargeID, TxID: res.BalanceTransaction,
		Euro: euro, Dict: req.Dict,
	})
	if d.deps.Events != nil {
		d.deps.Events.Publish(ctx, "charge", req.Dict)
	}

	out := kv.New()
	out.Put("Charge-Id", res.ChargeID)
	out.Put("Live", boolStr(res.Live))
	out.Put("Currency", res.Currency)
	out.Put("Amount", currency.FromMinorUnits(res.AmountInt, info.DecDigits))
	out.Put("_timestamp", ts)
	return "", out, nil
}

// cmdPPCheckout implements PPCHECKOUT <sub> (spec §4.7, §6.3).
func cmdPPCheckout(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	if len(req.Args) == 0 {
		return "", nil, perr.New(perr.MissingValue, "PPCHECKOUT requires a sub-command")
	}
	switch req.Args[0] {
	case "prepare":
		redirect, sessid, err := d.deps.PayPal.PrepareCheckout(ctx, req.Dict, d.deps.Sessions)
		if err != nil {
			return "", nil, err
		}
		out := kv.New()
		out.Put("Redirect-Url", redirect)
		if sessid != "" {
			out.Put("_SESSID", sessid)
		}
		return "", out, nil

	case "execute":
		res, err := d.deps.PayPal.ExecuteCheckout(ctx, req.Dict, d.deps.Sessions, d.deps.Accounts)
		if err != nil {
			return "", nil, err
		}
		d.deps.Journal.StoreCharge(journal.ChargeInput{
			Live: d.deps.Live, Currency: res.Currency, Amount: res.Amount, Email: res.Email,
			Service: "paypal", Account: res.AccountID, ChargeID: res.ChargeID, TxID: res.BalanceTransaction,
			Dict: req.Dict,
		})
		if d.deps.Events != nil {
			d.deps.Events.Publish(ctx, "charge", req.Dict)
		}

		out := kv.New()
		out.Put("Charge-Id", res.ChargeID)
		out.Put("Live", boolStr(d.deps.Live))
		out.Put("Currency", res.Currency)
		out.Put("Amount", res.Amount)
		out.Put("Email", res.Email)
		out.Put("_timestamp", res.Timestamp)
		if res.AccountID != "" {
			out.Put("account-id", res.AccountID)
		}
		return "", out, nil

	default:
		return "", nil, perr.New(perr.Unknown, "unknown PPCHECKOUT sub-command")
	}
}

// cmdSepaPreorder implements SEPAPREORDER (spec §4.3, §6.3). SEPAPREORDER
// logs a 'C' journal record at creation time (scenario S4), not only at
// COMMITPREORDER.
func cmdSepaPreorder(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	if req.Dict.GetDefault("Currency", "") == "" {
		req.Dict.Put("Currency", "EUR")
	}
	rec, err := d.deps.Preorders.Store(ctx, req.Dict)
	if err != nil {
		return "", nil, err
	}

	ts := d.deps.Journal.StoreCharge(journal.ChargeInput{
		Currency: rec.Currency, Amount: rec.Amount, Desc: rec.Desc.String, Email: rec.Email.String,
		Service: "sepa", ChargeID: rec.Ref, Dict: req.Dict,
	})
	if d.deps.Events != nil {
		d.deps.Events.Publish(ctx, "preorder", req.Dict)
	}

	out := kv.New()
	out.Put("Sepa-Ref", rec.Ref)
	out.Put("Amount", rec.Amount)
	out.Put("Currency", rec.Currency)
	out.Put("_timestamp", ts)
	return "", out, nil
}

// cmdCheckAmount implements CHECKAMOUNT (spec §4.8, §6.3).
func cmdCheckAmount(_ context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	code, info, cents, err := amountCurrency(req.Dict)
	if err != nil {
		return "", nil, err
	}
	out := kv.New()
	out.Put("_amount", strconv.FormatInt(cents, 10))
	out.Put("Amount", currency.FromMinorUnits(cents, info.DecDigits))
	if d.deps.Currencies != nil {
		if euro := d.deps.Currencies.ConvertToEuro(cents, code); euro != "" {
			out.Put("Euro", euro)
		}
	}
	return "", out, nil
}

// cmdCommitPreorder implements COMMITPREORDER (spec §4.3, §6.3): the
// journal write happens only after the SQL update has succeeded.
func cmdCommitPreorder(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	ref := req.Dict.GetDefault("Sepa-Ref", "")
	if ref == "" {
		return "", nil, perr.New(perr.MissingValue, "Sepa-Ref is required")
	}
	if err := d.deps.Preorders.Update(ctx, ref, req.Dict); err != nil {
		return "", nil, err
	}

	out := kv.New()
	if err := d.deps.Preorders.Get(ctx, ref, out); err != nil {
		return "", nil, err
	}

	d.deps.Journal.StoreCharge(journal.ChargeInput{
		Currency: req.Dict.GetDefault("Currency", "EUR"), Amount: req.Dict.GetDefault("Amount", ""),
		Service: "sepa", ChargeID: ref, Dict: req.Dict,
	})
	if d.deps.Events != nil {
		d.deps.Events.Publish(ctx, "preorder_committed", req.Dict)
	}

	out.Put("_timestamp", req.Dict.GetDefault("_timestamp", ""))
	return "", out, nil
}

// cmdGetPreorder implements GETPREORDER (spec §4.3, §6.3).
func cmdGetPreorder(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	ref := req.Dict.GetDefault("Sepa-Ref", "")
	if ref == "" {
		return "", nil, perr.New(perr.MissingValue, "Sepa-Ref is required")
	}
	out := kv.New()
	if err := d.deps.Preorders.Get(ctx, ref, out); err != nil {
		return "", nil, err
	}
	return "", out, nil
}

// cmdListPreorder implements LISTPREORDER (spec §4.3, §6.3).
func cmdListPreorder(ctx context.Context, d *Dispatcher, _ PeerCreds, req Request) (string, *kv.List, error) {
	var refnn *int
	if v := req.Dict.GetDefault("Refnn", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", nil, perr.New(perr.InvalidValue, "invalid Refnn")
		}
		refnn = &n
	}
	out := kv.New()
	if err := d.deps.Preorders.List(ctx, refnn, out); err != nil {
		return "", nil, err
	}
	return "", out, nil
}

// cmdShutdown implements SHUTDOWN (spec §6.3); authorization (admin-only)
// is enforced by Dispatcher.authorize before this handler runs.
func cmdShutdown(_ context.Context, d *Dispatcher, _ PeerCreds, _ Request) (string, *kv.List, error) {
	if d.deps.RequestShutdown != nil {
		d.deps.RequestShutdown()
	}
	return "", nil, nil
}
