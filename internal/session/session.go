// Package session implements the in-memory session and alias store of spec
// §3.2, §3.3, and §4.2: two bucketed index tables under one coarse lock,
// bounded lifetime, and an alias mechanism for handing non-hijackable
// handles to external redirects (gateway return URLs).
package session

import (
	"time"

	"github.com/gpg/payproc/internal/idgen"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
)

const (
	// MaxLifetime bounds a session's absolute age regardless of activity
	// (spec §3.2).
	MaxLifetime = 6 * time.Hour

	// DefaultTTL is used when a caller requests ttl=0 (spec §3.2).
	DefaultTTL = 30 * time.Minute

	// MaxSessions bounds concurrent sessions (spec §3.2).
	MaxSessions = 65536

	// MaxAliasesPerSession bounds the per-session alias fan-out (spec §3.3).
	MaxAliasesPerSession = 3

	// bucketDigits is the number of leading zbase32 characters used to
	// bucket the index tables (spec §4.2: "32 buckets").
	//
	// The source's index arrays are declared 32x32 but some guards
	// compare against `> 32`; the correct upper bound is 31 and this
	// implementation enforces 0..=31 strictly (spec §9 open questions).
	bucketDigits = 2
	bucketWidth  = 32
)

// session is a store entry. Fields are unexported: all access goes through
// the Store's locked methods, never through a returned pointer, so callers
// cannot race with housekeeping.
type session struct {
	id        string
	created   time.Time
	accessed  time.Time
	ttl       time.Duration
	dict      *kv.List
	aliasIDs  []string
}

func (s *session) expired(now time.Time) bool {
	if s.accessed.Add(s.ttl).Before(now) {
		return true
	}
	if s.created.Add(MaxLifetime).Before(now) {
		return true
	}
	return false
}

// alias is a one-time lookup handle resolving to a session id (spec §3.3).
type alias struct {
	id        string
	sessionID string
}

// bucketIndex returns the [0,31] bucket for a zbase32-encoded id, built
// from its first two characters. Returns -1 for malformed ids.
func bucketIndex(id string) int {
	if len(id) < bucketDigits {
		return -1
	}
	h := 0
	for i := 0; i < bucketDigits; i++ {
		h = h*bucketWidth + int(id[i])
	}
	return ((h % bucketWidth) + bucketWidth) % bucketWidth
}

// Store is the session/alias table. One coarse lock (via the embedded
// guard) protects both index tables, matching spec §4.2's explicit choice
// to keep ordering simple over per-session locking.
type Store struct {
	guard       chan struct{} // binary semaphore acting as the coarse lock
	sessions    [bucketWidth]map[string]*session
	aliases     [bucketWidth]map[string]*alias
	sessionByID map[string]*session
	aliasByID   map[string]*alias
	total       int
	totalAlias  int
}

// New returns an empty Store.
func New() *Store {
	s := &Store{
		guard:       make(chan struct{}, 1),
		sessionByID: make(map[string]*session),
		aliasByID:   make(map[string]*alias),
	}
	for i := range s.sessions {
		s.sessions[i] = make(map[string]*session)
		s.aliases[i] = make(map[string]*alias)
	}
	return s
}

func (s *Store) lock()   { s.guard <- struct{}{} }
func (s *Store) unlock() { <-s.guard }

// Create allocates a session, copying only dict's non-empty values into it
// (spec §4.2 create). ttl of 0 uses DefaultTTL; ttl is always capped at
// MaxLifetime.
func (s *Store) Create(ttl time.Duration, dict *kv.List) (string, error) {
	s.lock()
	defer s.unlock()

	if s.total >= MaxSessions {
		return "", perr.New(perr.LimitReached, "session store is full")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxLifetime {
		ttl = MaxLifetime
	}

	now := time.Now()
	id := idgen.SessionID()
	for s.sessionByID[id] != nil { // vanishingly unlikely, but never silently collide
		id = idgen.SessionID()
	}

	sess := &session{id: id, created: now, accessed: now, ttl: ttl, dict: kv.New()}
	if dict != nil {
		sess.dict.CopyNonEmptyFrom(dict)
	}

	b := bucketIndex(id)
	s.sessions[b][id] = sess
	s.sessionByID[id] = sess
	s.total++

	return id, nil
}

// lookupLocked returns the live session for id, expiring and evicting it in
// place if it has timed out. Must be called with the lock held.
func (s *Store) lookupLocked(id string) (*session, bool) {
	sess, ok := s.sessionByID[id]
	if !ok {
		return nil, false
	}
	if sess.expired(time.Now()) {
		s.destroyLocked(sess)
		return nil, false
	}
	return sess, true
}

// destroyLocked removes sess and every alias that refers to it. Must be
// called with the lock held.
func (s *Store) destroyLocked(sess *session) {
	b := bucketIndex(sess.id)
	delete(s.sessions[b], sess.id)
	delete(s.sessionByID, sess.id)
	s.total--

	for _, aid := range sess.aliasIDs {
		if a, ok := s.aliasByID[aid]; ok {
			ab := bucketIndex(aid)
			delete(s.aliases[ab], aid)
			delete(s.aliasByID, aid)
			s.totalAlias--
		}
	}
	sess.aliasIDs = nil
}

// Destroy removes a session and all its aliases (spec §4.2). Idempotent:
// destroying an unknown id returns NotFound, which callers treat as
// already-satisfied (spec §7 "Locally recovered: NOT_FOUND on idempotent
// destroys").
func (s *Store) Destroy(id string) error {
	s.lock()
	defer s.unlock()
	sess, ok := s.lookupLocked(id)
	if !ok {
		return perr.ErrNotFound
	}
	s.destroyLocked(sess)
	return nil
}

// Get checks TTL, refreshes accessed, and copies the session's KVs into
// dst (spec §4.2 get).
func (s *Store) Get(id string, dst *kv.List) error {
	s.lock()
	defer s.unlock()
	sess, ok := s.lookupLocked(id)
	if !ok {
		return perr.ErrNotFound
	}
	sess.accessed = time.Now()
	for _, p := range sess.dict.Pairs() {
		dst.Put(p.Name, p.Value)
	}
	return nil
}

// Put checks TTL, refreshes accessed, and upserts each entry of src into
// the session (empty value deletes); spec §4.2 put.
func (s *Store) Put(id string, src *kv.List) error {
	s.lock()
	defer s.unlock()
	sess, ok := s.lookupLocked(id)
	if !ok {
		return perr.ErrNotFound
	}
	sess.accessed = time.Now()
	for _, p := range src.Pairs() {
		sess.dict.Put(p.Name, p.Value)
	}
	return nil
}

// CreateAlias mints an alias for id, enforcing the per-session cap of 3
// (spec §3.3, §4.2, testable property 5).
func (s *Store) CreateAlias(id string) (string, error) {
	s.lock()
	defer s.unlock()
	sess, ok := s.lookupLocked(id)
	if !ok {
		return "", perr.ErrNotFound
	}
	if len(sess.aliasIDs) >= MaxAliasesPerSession {
		return "", perr.ErrLimitReached
	}

	aid := idgen.AliasID()
	for s.aliasByID[aid] != nil {
		aid = idgen.AliasID()
	}
	a := &alias{id: aid, sessionID: id}
	b := bucketIndex(aid)
	s.aliases[b][aid] = a
	s.aliasByID[aid] = a
	s.totalAlias++
	sess.aliasIDs = append(sess.aliasIDs, aid)

	return aid, nil
}

// DestroyAlias removes a single alias without touching its session (spec
// §3.3, §4.2).
func (s *Store) DestroyAlias(aliasID string) error {
	s.lock()
	defer s.unlock()
	a, ok := s.aliasByID[aliasID]
	if !ok {
		return perr.ErrNotFound
	}
	b := bucketIndex(aliasID)
	delete(s.aliases[b], aliasID)
	delete(s.aliasByID, aliasID)
	s.totalAlias--

	if sess, ok := s.sessionByID[a.sessionID]; ok {
		for i, id := range sess.aliasIDs {
			if id == aliasID {
				sess.aliasIDs = append(sess.aliasIDs[:i], sess.aliasIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// GetSessID resolves an alias to its session id without prolonging the
// session (spec §4.2 get_sessid): it does not refresh `accessed`.
func (s *Store) GetSessID(aliasID string) (string, error) {
	s.lock()
	defer s.unlock()
	a, ok := s.aliasByID[aliasID]
	if !ok {
		return "", perr.ErrNotFound
	}
	if _, ok := s.lookupLocked(a.sessionID); !ok {
		return "", perr.ErrNotFound
	}
	return a.sessionID, nil
}

// Stats reports the current session/alias counts, for the metrics package.
type Stats struct {
	Sessions int
	Aliases  int
}

// Stats returns a point-in-time snapshot of the store's population.
func (s *Store) Stats() Stats {
	s.lock()
	defer s.unlock()
	return Stats{Sessions: s.total, Aliases: s.totalAlias}
}

// Housekeeping sweeps every bucket, expiring and evicting timed-out
// sessions (and their aliases) atomically, and returns how many were
// reaped (spec §4.2 housekeeping).
func (s *Store) Housekeeping() int {
	s.lock()
	defer s.unlock()

	now := time.Now()
	reaped := 0
	for b := 0; b < bucketWidth; b++ {
		for id, sess := range s.sessions[b] {
			if sess.expired(now) {
				s.destroyLocked(sess)
				reaped++
				_ = id
			}
		}
	}
	return reaped
}
