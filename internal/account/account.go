// Package account implements the SQL-backed account store of spec §3.5
// and §4.4: prepared insert/update/select under one lock, with the
// stripe_cus and meta columns encrypted at rest through cryptofacade
// before they are ever bound to a statement.
package account

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/gpg/payproc/internal/cryptofacade"
	"github.com/gpg/payproc/internal/idgen"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
)

const dateLayout = "2006-01-02 15:04:05"

// maxIDRetries bounds account-id collision retries (spec §4.4).
const maxIDRetries = 100

// Record is one account row (spec §3.5). StripeCus and Meta are ciphertext
// on disk; callers never see plaintext through this type.
type Record struct {
	AccountID string         `db:"account_id"`
	Created   string         `db:"created"`
	Updated   string         `db:"updated"`
	Email     sql.NullString `db:"email"`
	Verified  int            `db:"verified"`
	StripeCus sql.NullString `db:"stripe_cus"`
	Meta      sql.NullString `db:"meta"`
}

// Store holds the prepared statements for the accounts table, plus the
// encryption façade used to seal/open stripe_cus and meta.
type Store struct {
	mu     sync.Mutex
	db     *sqlx.DB
	crypto *cryptofacade.Facade

	insertStmt *sqlx.Stmt
	updateStmt *sqlx.Stmt
	byIDStmt   *sqlx.Stmt
}

// New prepares the account store's statements against db.
func New(db *sqlx.DB, crypto *cryptofacade.Facade) (*Store, error) {
	s := &Store{db: db, crypto: crypto}

	var err error
	if s.insertStmt, err = db.Preparex(`
		INSERT INTO accounts (account_id, created, updated, email, verified, stripe_cus, meta)
		VALUES ($1, $2, $2, $3, 0, $4, $5)
	`); err != nil {
		return nil, err
	}
	if s.updateStmt, err = db.Preparex(`
		UPDATE accounts SET updated = $1, email = COALESCE($2, email),
			verified = $3, stripe_cus = COALESCE($4, stripe_cus), meta = COALESCE($5, meta)
		WHERE account_id = $6
	`); err != nil {
		return nil, err
	}
	if s.byIDStmt, err = db.Preparex(`
		SELECT * FROM accounts WHERE account_id = $1
	`); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the prepared statements.
func (s *Store) Close() error {
	for _, stmt := range []*sqlx.Stmt{s.insertStmt, s.updateStmt, s.byIDStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// Create inserts a new account row, generating an account id and retrying
// on primary-key collision (spec §4.4). email may be empty.
func (s *Store) Create(ctx context.Context, email string) (string, error) {
	now := time.Now().UTC().Format(dateLayout)
	emailVal := nullableString(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxIDRetries; attempt++ {
		id := idgen.AccountID()
		_, err := s.insertStmt.ExecContext(ctx, id, now, emailVal, sql.NullString{}, sql.NullString{})
		if err == nil {
			return id, nil
		}
		if !isUniqueViolation(err) {
			return "", perr.Wrap(perr.General, "account insert failed", err)
		}
	}
	return "", perr.New(perr.General, "exhausted account-id retries")
}

// UpdateInput carries the fields an update may change. A nil pointer
// leaves the corresponding column untouched.
type UpdateInput struct {
	Email     *string
	Verified  *bool
	StripeCus *string // plaintext; encrypted here before binding
	Meta      *string // plaintext; encrypted here before binding
}

// Update encrypts StripeCus/Meta (spec §4.4: "encrypt _stripe_cus with
// encrypt(ENCRYPT_TO_DATABASE | ENCRYPT_TO_BACKOFFICE) before binding")
// and applies the update. Missing account returns NotFound.
func (s *Store) Update(ctx context.Context, accountID string, in UpdateInput) error {
	var emailVal, cusVal, metaVal sql.NullString
	var verifiedVal sql.NullInt32

	if in.Email != nil {
		emailVal = nullableString(*in.Email)
	}
	if in.Verified != nil {
		v := int32(0)
		if *in.Verified {
			v = 1
		}
		verifiedVal = sql.NullInt32{Int32: v, Valid: true}
	}
	if in.StripeCus != nil {
		ct, err := s.crypto.Encrypt(*in.StripeCus, cryptofacade.ToDatabase|cryptofacade.ToBackoffice)
		if err != nil {
			return err
		}
		cusVal = nullableString(ct)
	}
	if in.Meta != nil {
		ct, err := s.crypto.Encrypt(*in.Meta, cryptofacade.ToDatabase|cryptofacade.ToBackoffice)
		if err != nil {
			return err
		}
		metaVal = nullableString(ct)
	}

	now := time.Now().UTC().Format(dateLayout)
	// verified column keeps its current value when unspecified: fold the
	// caller's current record in rather than relying on COALESCE, since
	// the column is an INTEGER and 0 is a valid explicit value.
	s.mu.Lock()
	defer s.mu.Unlock()

	var verifiedArg interface{}
	if verifiedVal.Valid {
		verifiedArg = verifiedVal.Int32
	} else {
		cur, err := s.getLocked(ctx, accountID)
		if err != nil {
			return err
		}
		verifiedArg = int32(cur.Verified)
	}

	res, err := s.updateStmt.ExecContext(ctx, now, emailVal, verifiedArg, cusVal, metaVal, accountID)
	if err != nil {
		return perr.Wrap(perr.General, "account update failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return perr.Wrap(perr.General, "account update rows-affected failed", err)
	}
	if n == 0 {
		return perr.ErrNotFound
	}
	return nil
}

// Get reads one account row and writes it into dst using wire names
// Account-Id, Created, Updated, Email, Verified. stripe_cus is decrypted
// and exposed only as _Stripe-Cus for internal callers (never echoed to
// clients — callers decide what to forward). The meta column is not read
// back into dst.
func (s *Store) Get(ctx context.Context, accountID string, dst *kv.List) error {
	rec, err := func() (Record, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.getLocked(ctx, accountID)
	}()
	if err != nil {
		return err
	}

	dst.Put("Account-Id", rec.AccountID)
	dst.Put("Created", rec.Created)
	dst.Put("Updated", rec.Updated)
	dst.Put("Email", rec.Email.String)
	dst.Put("Verified", strconv.Itoa(rec.Verified))

	if rec.StripeCus.Valid && rec.StripeCus.String != "" {
		plain, err := s.crypto.Decrypt(rec.StripeCus.String)
		if err != nil {
			return err
		}
		dst.Put("_Stripe-Cus", plain)
	}
	return nil
}

// getLocked must be called with s.mu held (Update calls it re-entrantly
// through a nested locked helper path, so it takes no lock itself).
func (s *Store) getLocked(ctx context.Context, accountID string) (Record, error) {
	var rec Record
	err := s.byIDStmt.GetContext(ctx, &rec, accountID)
	if err == sql.ErrNoRows {
		return Record{}, perr.ErrNotFound
	}
	if err != nil {
		return Record{}, perr.Wrap(perr.General, "account lookup failed", err)
	}
	return rec, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
