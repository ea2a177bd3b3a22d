//go:build integration

package preorder

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/store"
)

// testDSN reads the Postgres connection string from PAYPROC_TEST_DSN, the
// same convention the teacher's integration suite uses for its own DSN
// env var.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PAYPROC_TEST_DSN")
	if dsn == "" {
		t.Skip("PAYPROC_TEST_DSN not set")
	}
	return dsn
}

func TestStoreGetUpdateList(t *testing.T) {
	dsn := testDSN(t)
	db, err := store.Open(dsn)
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	in := kv.New()
	in.Put("Amount", "10.00")
	in.Put("Currency", "EUR")
	in.Put("Desc", "integration test")
	in.Put("Meta[Order]", "42")

	rec, err := s.Store(ctx, in)
	require.NoError(t, err)
	require.Len(t, rec.Ref, 5)
	require.GreaterOrEqual(t, rec.Refnn, 10)
	require.LessOrEqual(t, rec.Refnn, 99)

	out := kv.New()
	require.NoError(t, s.Get(ctx, rec.Ref, out))
	require.Equal(t, "10.00", out.GetDefault("Amount", ""))
	require.Equal(t, "42", out.GetDefault("Meta[Order]", ""))

	updateDict := kv.New()
	require.NoError(t, s.Update(ctx, rec.Ref, updateDict))
	require.NotEmpty(t, updateDict.GetDefault("_timestamp", ""))

	out2 := kv.New()
	require.NoError(t, s.Get(ctx, rec.Ref, out2))
	require.Equal(t, "1", out2.GetDefault("N-Paid", ""))

	list := kv.New()
	require.NoError(t, s.List(ctx, nil, list))
	require.NotEqual(t, "0", list.GetDefault("Count", ""))
}

func TestGetUnknownRefIsNotFound(t *testing.T) {
	dsn := testDSN(t)
	db, err := store.Open(dsn)
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db)
	require.NoError(t, err)
	defer s.Close()

	out := kv.New()
	err = s.Get(context.Background(), "ZZZZZ", out)
	require.Error(t, err)
}
