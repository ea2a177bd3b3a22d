// Package preorder implements the SQL-backed preorder store of spec §3.4
// and §4.3: prepared statements behind one module-scoped lock, held across
// bind+step+reset the way the teacher's repositories hold their own
// connection, intentionally bypassing the driver's internal statement
// cache serialization.
package preorder

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/gpg/payproc/internal/idgen"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
)

// dateLayout is the UTC datetime format mandated by spec §4.3.
const dateLayout = "2006-01-02 15:04:05"

// maxRefRetries bounds SEPA-ref collision retries (spec §4.3, testable
// property 6).
const maxRefRetries = 11000

// Record is one preorder row (spec §3.4).
type Record struct {
	Ref      string         `db:"ref"`
	Refnn    int            `db:"refnn"`
	Created  string         `db:"created"`
	Paid     sql.NullString `db:"paid"`
	Npaid    int            `db:"npaid"`
	Amount   string         `db:"amount"`
	Currency string         `db:"currency"`
	Desc     sql.NullString `db:"desc"`
	Email    sql.NullString `db:"email"`
	Meta     sql.NullString `db:"meta"`
}

// Store holds the prepared statements for the preorder table. One lock
// serializes every statement execution (spec §4.3, §5).
type Store struct {
	mu sync.Mutex
	db *sqlx.DB

	insertStmt  *sqlx.Stmt
	updateStmt  *sqlx.Stmt
	byRefStmt   *sqlx.Stmt
	byRefnnStmt *sqlx.Stmt
	listStmt    *sqlx.Stmt
}

// New prepares the preorder store's statements against db, which the
// caller opened and migrated beforehand (internal/store.Open/RunMigrations).
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}

	var err error
	if s.insertStmt, err = db.Preparex(`
		INSERT INTO preorders (ref, refnn, created, npaid, amount, currency, "desc", email, meta)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8)
	`); err != nil {
		return nil, err
	}
	if s.updateStmt, err = db.Preparex(`
		UPDATE preorders SET paid = $1, npaid = npaid + 1
		WHERE ref = $2
		RETURNING npaid
	`); err != nil {
		return nil, err
	}
	if s.byRefStmt, err = db.Preparex(`
		SELECT * FROM preorders WHERE ref = $1
	`); err != nil {
		return nil, err
	}
	if s.byRefnnStmt, err = db.Preparex(`
		SELECT * FROM preorders WHERE refnn = $1 ORDER BY created
	`); err != nil {
		return nil, err
	}
	if s.listStmt, err = db.Preparex(`
		SELECT * FROM preorders ORDER BY created
	`); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the prepared statements.
func (s *Store) Close() error {
	for _, stmt := range []*sqlx.Stmt{s.insertStmt, s.updateStmt, s.byRefStmt, s.byRefnnStmt, s.listStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// EncodeMeta renders Meta[FOO] entries of dict as a www-form-encoded
// k1=v1&k2=v2 string (spec §3.4, §3.6).
func EncodeMeta(dict *kv.List) string {
	vals := url.Values{}
	for _, p := range dict.Pairs() {
		if strings.HasPrefix(p.Name, "Meta[") && strings.HasSuffix(p.Name, "]") {
			name := p.Name[len("Meta[") : len(p.Name)-1]
			vals.Set(name, p.Value)
		}
	}
	return vals.Encode()
}

// DecodeMeta parses a www-form-encoded meta string, writing each entry
// back into dst as Meta[name].
func DecodeMeta(encoded string, dst *kv.List) error {
	if encoded == "" {
		return nil
	}
	vals, err := url.ParseQuery(encoded)
	if err != nil {
		return perr.Wrap(perr.InvalidValue, "invalid meta encoding", err)
	}
	for name, vs := range vals {
		if len(vs) == 0 {
			continue
		}
		dst.Put("Meta["+name+"]", vs[0])
	}
	return nil
}

// Store inserts a new preorder row from dict, generating a SEPA-ref and
// retrying on primary-key collision up to maxRefRetries times (spec §4.3,
// testable property 6). dict must carry Amount; Currency defaults to EUR;
// Desc/Email/Meta[*] are optional.
func (s *Store) Store(ctx context.Context, dict *kv.List) (Record, error) {
	amount := dict.GetDefault("Amount", "")
	currency := dict.GetDefault("Currency", "EUR")
	if amount == "" {
		return Record{}, perr.New(perr.MissingValue, "Amount is required")
	}

	desc := nullableString(dict.GetDefault("Desc", ""))
	email := nullableString(dict.GetDefault("Email", ""))
	meta := nullableString(EncodeMeta(dict))
	now := time.Now().UTC().Format(dateLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxRefRetries; attempt++ {
		ref := idgen.SepaRef()
		refnn := idgen.SepaRefNN()

		_, err := s.insertStmt.ExecContext(ctx, ref, refnn, now, amount, currency, desc, email, meta)
		if err == nil {
			return Record{
				Ref: ref, Refnn: refnn, Created: now, Npaid: 0,
				Amount: amount, Currency: currency,
				Desc: desc, Email: email, Meta: meta,
			}, nil
		}
		if !isUniqueViolation(err) {
			return Record{}, perr.Wrap(perr.General, "preorder insert failed", err)
		}
		// collision on ref: retry with a freshly generated one
	}
	return Record{}, perr.New(perr.General, "exhausted SEPA-ref retries")
}

// Get reads one row by ref, writing it into dst using the wire names of
// spec §4.3: Sepa-Ref, Created, Paid, N-Paid, Amount, Currency, Desc,
// Email, plus de-serialized Meta[...] entries.
func (s *Store) Get(ctx context.Context, ref string, dst *kv.List) error {
	s.mu.Lock()
	var rec Record
	err := s.byRefStmt.GetContext(ctx, &rec, ref)
	s.mu.Unlock()

	if err == sql.ErrNoRows {
		return perr.ErrNotFound
	}
	if err != nil {
		return perr.Wrap(perr.General, "preorder lookup failed", err)
	}

	dst.Put("Sepa-Ref", rec.Ref)
	dst.Put("Created", rec.Created)
	dst.Put("Paid", rec.Paid.String)
	dst.Put("N-Paid", strconv.Itoa(rec.Npaid))
	dst.Put("Amount", rec.Amount)
	dst.Put("Currency", rec.Currency)
	dst.Put("Desc", rec.Desc.String)
	dst.Put("Email", rec.Email.String)
	return DecodeMeta(rec.Meta.String, dst)
}

// escapePipe replaces '|' with its spec §4.3 list escape "=7C".
func escapePipe(s string) string {
	return strings.ReplaceAll(s, "|", "=7C")
}

// List streams rows (optionally filtered by refnn) into dst as pipe-
// delimited D[n] rows plus a Count (spec §4.3).
func (s *Store) List(ctx context.Context, refnn *int, dst *kv.List) error {
	s.mu.Lock()
	var recs []Record
	var err error
	if refnn != nil {
		err = s.byRefnnStmt.SelectContext(ctx, &recs, *refnn)
	} else {
		err = s.listStmt.SelectContext(ctx, &recs)
	}
	s.mu.Unlock()

	if err != nil {
		return perr.Wrap(perr.General, "preorder list failed", err)
	}

	for i, rec := range recs {
		fields := []string{
			rec.Ref, strconv.Itoa(rec.Refnn), rec.Created, rec.Paid.String,
			strconv.Itoa(rec.Npaid), rec.Amount, rec.Currency, rec.Desc.String, rec.Email.String,
		}
		for i, f := range fields {
			fields[i] = escapePipe(f)
		}
		dst.Put("D["+strconv.Itoa(i)+"]", strings.Join(fields, "|"))
	}
	dst.Put("Count", strconv.Itoa(len(recs)))
	return nil
}

// Update bumps paid=now, npaid+=1 for ref, and stamps dict's _timestamp
// with the same instant (spec §4.3 update). The journal write for the
// payment must happen only after this call succeeds.
func (s *Store) Update(ctx context.Context, ref string, dict *kv.List) error {
	now := time.Now().UTC()
	nowStr := now.Format(dateLayout)

	s.mu.Lock()
	var npaid int
	err := s.updateStmt.GetContext(ctx, &npaid, nowStr, ref)
	s.mu.Unlock()

	if err == sql.ErrNoRows {
		return perr.ErrNotFound
	}
	if err != nil {
		return perr.Wrap(perr.General, "preorder update failed", err)
	}

	dict.Put("_timestamp", now.Format("20060102T150405"))
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation recognizes a Postgres unique-constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
