package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
)

func TestCreateGetPut(t *testing.T) {
	s := New()
	in := kv.New()
	in.Put("Mail", "a@b.com")

	id, err := s.Create(time.Minute, in)
	require.NoError(t, err)
	assert.Len(t, id, 32)

	out := kv.New()
	require.NoError(t, s.Get(id, out))
	assert.Equal(t, "a@b.com", out.GetDefault("Mail", ""))

	upd := kv.New()
	upd.Put("Mail", "c@d.com")
	require.NoError(t, s.Put(id, upd))

	out2 := kv.New()
	require.NoError(t, s.Get(id, out2))
	assert.Equal(t, "c@d.com", out2.GetDefault("Mail", ""))
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := New()
	out := kv.New()
	err := s.Get("doesnotexist00000000000000000000", out)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.NotFound, pe.Kind)
}

func TestDestroyIsIdempotent(t *testing.T) {
	s := New()
	id, err := s.Create(0, nil)
	require.NoError(t, err)

	require.NoError(t, s.Destroy(id))
	err = s.Destroy(id)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.NotFound, pe.Kind)
}

func TestSessionExpiresByTTL(t *testing.T) {
	s := New()
	id, err := s.Create(time.Nanosecond, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	out := kv.New()
	err = s.Get(id, out)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.NotFound, pe.Kind)
}

func TestTTLIsCappedAtMaxLifetime(t *testing.T) {
	s := New()
	id, err := s.Create(100*time.Hour, nil)
	require.NoError(t, err)

	s.lock()
	sess := s.sessionByID[id]
	s.unlock()
	assert.Equal(t, MaxLifetime, sess.ttl)
}

func TestAliasRoundTrip(t *testing.T) {
	s := New()
	id, err := s.Create(time.Minute, nil)
	require.NoError(t, err)

	aid, err := s.CreateAlias(id)
	require.NoError(t, err)
	assert.Len(t, aid, 32)
	assert.NotEqual(t, id, aid)

	got, err := s.GetSessID(aid)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	require.NoError(t, s.DestroyAlias(aid))
	_, err = s.GetSessID(aid)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.NotFound, pe.Kind)
}

func TestAliasCapEnforced(t *testing.T) {
	s := New()
	id, err := s.Create(time.Minute, nil)
	require.NoError(t, err)

	for i := 0; i < MaxAliasesPerSession; i++ {
		_, err := s.CreateAlias(id)
		require.NoError(t, err)
	}
	_, err = s.CreateAlias(id)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.LimitReached, pe.Kind)
}

func TestDestroySessionRemovesAliases(t *testing.T) {
	s := New()
	id, err := s.Create(time.Minute, nil)
	require.NoError(t, err)
	aid, err := s.CreateAlias(id)
	require.NoError(t, err)

	require.NoError(t, s.Destroy(id))
	_, err = s.GetSessID(aid)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.NotFound, pe.Kind)
}

func TestHousekeepingReapsExpired(t *testing.T) {
	s := New()
	_, err := s.Create(time.Nanosecond, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	id2, err := s.Create(time.Minute, nil)
	require.NoError(t, err)

	reaped := s.Housekeeping()
	assert.Equal(t, 1, reaped)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Sessions)

	out := kv.New()
	assert.NoError(t, s.Get(id2, out))
}

func TestBucketIndexStaysInRange(t *testing.T) {
	for _, id := range []string{"ybndrfg8ejkmcpqxot1uwisza345h769", "zz", "a", ""} {
		b := bucketIndex(id)
		if len(id) < bucketDigits {
			assert.Equal(t, -1, b)
			continue
		}
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, bucketWidth)
	}
}

func TestStoreIsFullAtCapacity(t *testing.T) {
	s := New()
	s.total = MaxSessions
	_, err := s.Create(0, nil)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.LimitReached, pe.Kind)
}
