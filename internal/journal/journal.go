// Package journal implements the append-only, daily-rotating transaction
// log of spec §3.6 and §4.5. Durability is prioritized over availability:
// any write failure is fatal to the process (spec §9 "journal fatal-on-error").
package journal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/kv"
)

// RecordType is one of the five journal record types (spec §3.6).
type RecordType byte

const (
	TypeSystem RecordType = '$'
	TypeCharge RecordType = 'C'
	TypeRefund RecordType = 'R'
	TypeManual RecordType = 'M'
)

// fieldCount is the fixed number of colon-delimited fields in a record.
const fieldCount = 16

// fieldNames documents the field order for readers (spec §3.6). Index 0 is
// "date", matching the field order serialize builds below.
var fieldNames = [fieldCount]string{
	"date", "type", "live", "currency", "amount", "desc", "mail", "meta",
	"last4", "service", "account", "chargeid", "txid", "rtxid", "euro", "recur",
}

// OnFatal is called (if non-nil) just before the process exits on an
// unrecoverable journal I/O error, so the daemon can attempt to drain
// in-flight connections first (spec §7 propagation policy).
type OnFatal func(err error)

// Journal is the module-scoped, lock-serialized log writer.
type Journal struct {
	mu       sync.Mutex
	basename string
	logger   *zap.Logger
	onFatal  OnFatal

	curSuffix string
	file      *os.File
}

// New returns a Journal rooted at basename; files are written as
// "<basename>-YYYYMMDD.log" (spec §4.5, §6.4). The file is opened lazily on
// the first Store* call so a daemon that never processes a transaction
// never touches the filesystem.
func New(basename string, logger *zap.Logger, onFatal OnFatal) *Journal {
	return &Journal{basename: basename, logger: logger, onFatal: onFatal}
}

// Record is the 16-field payload of one journal line, built by callers from
// a kv.List and an explicit record type.
type Record struct {
	Date     time.Time
	Type     RecordType
	Live     bool
	Currency string
	Amount   string
	Desc     string
	Mail     string
	Meta     string
	Last4    string
	Service  string
	Account  string
	ChargeID string
	TxID     string
	RTxID    string
	Euro     string
	Recur    string
}

// dateField renders "date" as required by testable property 7:
// ^\d{8}T\d{6}$, in UTC.
func (r Record) dateField() string {
	return r.Date.UTC().Format("20060102T150405")
}

func boolField(b bool) string {
	if b {
		return "t"
	}
	return "f"
}

// serialize renders r into the 16 percent-escaped, colon-joined fields plus
// a terminating LF (spec §3.6).
func serialize(r Record) string {
	fields := [fieldCount]string{
		r.dateField(),
		string(r.Type),
		boolField(r.Live),
		r.Currency,
		r.Amount,
		r.Desc,
		r.Mail,
		r.Meta,
		r.Last4,
		r.Service,
		r.Account,
		r.ChargeID,
		r.TxID,
		r.RTxID,
		r.Euro,
		r.Recur,
	}
	escaped := make([]string, fieldCount)
	for i, f := range fields {
		escaped[i] = escapeField(f)
	}
	return strings.Join(escaped, ":") + "\n"
}

// escapeField percent-escapes ':', '&', '\n', '\r' and '%' itself inside a
// field.
func escapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ':', '&', '\n', '\r', '%':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ParseRecord is the inverse of serialize, used by tests (testable
// property 7) and by the out-of-scope journal query tool's contract.
func ParseRecord(line string) ([fieldCount]string, error) {
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	parts := strings.Split(line, ":")
	if len(parts) != fieldCount {
		return [fieldCount]string{}, fmt.Errorf("journal: expected %d fields, got %d", fieldCount, len(parts))
	}
	var out [fieldCount]string
	for i, p := range parts {
		out[i] = unescapeField(p)
	}
	return out, nil
}

// encodeMeta builds the ampersand-joined "name=value" meta field from a
// kv.List's `Meta[FOO]` entries (spec §3.6).
func encodeMeta(dict *kv.List) string {
	if dict == nil {
		return ""
	}
	var parts []string
	for _, p := range dict.Pairs() {
		if strings.HasPrefix(p.Name, "Meta[") && strings.HasSuffix(p.Name, "]") {
			name := p.Name[len("Meta[") : len(p.Name)-1]
			parts = append(parts, escapeField(name)+"="+escapeField(p.Value))
		}
	}
	return strings.Join(parts, "&")
}

// suffixFor returns the "YYYYMMDD" rotation suffix embedded in a record's
// own date field, NOT wall-clock time: concurrent connections may construct
// records slightly out of timestamp order, so rotation must follow the
// record rather than the writer's clock (spec §5 "Ordering guarantees").
func suffixFor(t time.Time) string {
	return t.UTC().Format("20060102")
}

// fatal logs and terminates the process per the journal's fatal-on-error
// discipline (spec §4.5, §7). onFatal, if set, is given a chance to drain
// in-flight connections before the process exits with status 4.
func (j *Journal) fatal(err error) {
	if j.logger != nil {
		j.logger.Error("journal: fatal I/O error, exiting", zap.Error(err))
	}
	if j.onFatal != nil {
		j.onFatal(err)
	}
	os.Exit(4)
}

// ensureFile rotates to (or opens) the file for suffix, closing and
// flushing the previous file first. Must be called with j.mu held.
func (j *Journal) ensureFile(suffix string) {
	if j.file != nil && suffix == j.curSuffix {
		return
	}
	if j.file != nil {
		if err := j.file.Sync(); err != nil {
			j.fatal(fmt.Errorf("journal: flush on rotate: %w", err))
		}
		j.file.Close()
	}
	path := fmt.Sprintf("%s-%s.log", j.basename, suffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		j.fatal(fmt.Errorf("journal: open %s: %w", path, err))
	}
	j.file = f
	j.curSuffix = suffix
}

// write appends line, rotating by the record's own date suffix, and treats
// any I/O failure as fatal.
func (j *Journal) write(suffix, line string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.ensureFile(suffix)
	if _, err := j.file.WriteString(line); err != nil {
		j.fatal(fmt.Errorf("journal: write: %w", err))
	}
	if err := j.file.Sync(); err != nil {
		j.fatal(fmt.Errorf("journal: fsync: %w", err))
	}
}

// StoreSysRecord appends a system ('$') record carrying a single free-text
// message in the desc field (spec §4.5 jrnl_store_sys_record).
func (j *Journal) StoreSysRecord(text string) {
	now := time.Now()
	r := Record{Date: now, Type: TypeSystem, Desc: text}
	j.write(suffixFor(now), serialize(r))
}

// StoreRateRecord appends a system record documenting an exchange-rate
// refresh (spec §4.5 "exchange-rate system variant").
func (j *Journal) StoreRateRecord(currency, rate string) {
	j.StoreSysRecord(fmt.Sprintf("rate %s=%s", currency, rate))
}

// ChargeInput is the caller-supplied data for a 'C' (charge) record. The
// writer computes and stores `_timestamp` back into dict so the caller can
// relay it to the client (spec §4.5).
type ChargeInput struct {
	Live     bool
	Currency string
	Amount   string
	Desc     string
	Email    string
	Last4    string
	Service  string
	Account  string
	ChargeID string
	TxID     string
	Euro     string
	Recur    string
	Dict     *kv.List
}

// StoreCharge appends a 'C' record and returns the timestamp it stamped.
func (j *Journal) StoreCharge(in ChargeInput) string {
	now := time.Now()
	r := Record{
		Date: now, Type: TypeCharge, Live: in.Live, Currency: in.Currency,
		Amount: in.Amount, Desc: in.Desc, Mail: in.Email, Meta: encodeMeta(in.Dict),
		Last4: in.Last4, Service: in.Service, Account: in.Account,
		ChargeID: in.ChargeID, TxID: in.TxID, Euro: in.Euro, Recur: in.Recur,
	}
	line := serialize(r)
	j.write(suffixFor(now), line)
	ts := r.dateField()
	if in.Dict != nil {
		in.Dict.Put("_timestamp", ts)
	}
	return ts
}

// RefundInput mirrors ChargeInput for 'R' records.
type RefundInput struct {
	Live     bool
	Currency string
	Amount   string
	Desc     string
	Service  string
	Account  string
	ChargeID string
	RTxID    string
	Euro     string
}

// StoreRefund appends an 'R' record.
func (j *Journal) StoreRefund(in RefundInput) string {
	now := time.Now()
	r := Record{
		Date: now, Type: TypeRefund, Live: in.Live, Currency: in.Currency,
		Amount: in.Amount, Desc: in.Desc, Service: in.Service, Account: in.Account,
		ChargeID: in.ChargeID, RTxID: in.RTxID, Euro: in.Euro,
	}
	line := serialize(r)
	j.write(suffixFor(now), line)
	return r.dateField()
}

// StoreManual appends an 'M' record for operator-entered adjustments.
func (j *Journal) StoreManual(desc, amount, currency string) string {
	now := time.Now()
	r := Record{Date: now, Type: TypeManual, Currency: currency, Amount: amount, Desc: desc}
	line := serialize(r)
	j.write(suffixFor(now), line)
	return r.dateField()
}

// Close flushes and closes the current file, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	cerr := j.file.Close()
	j.file = nil
	if err != nil {
		return err
	}
	return cerr
}
