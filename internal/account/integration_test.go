//go:build integration

package account

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpg/payproc/internal/cryptofacade"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/store"
)

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PAYPROC_TEST_DSN")
	if dsn == "" {
		t.Skip("PAYPROC_TEST_DSN not set")
	}
	return dsn
}

// testFacade builds a Facade from the armored secret keyring that
// PAYPROC_TEST_DATABASE_KEY points at.
func testFacade(t *testing.T) *cryptofacade.Facade {
	t.Helper()
	path := os.Getenv("PAYPROC_TEST_DATABASE_KEY")
	if path == "" {
		t.Skip("PAYPROC_TEST_DATABASE_KEY not set")
	}
	keyData, err := os.ReadFile(path)
	require.NoError(t, err)
	f, err := cryptofacade.New(bytes.NewReader(keyData), nil)
	require.NoError(t, err)
	return f
}

func TestCreateUpdateGetAccount(t *testing.T) {
	dsn := testDSN(t)
	facade := testFacade(t)

	db, err := store.Open(dsn)
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, facade)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.Create(ctx, "a@b.com")
	require.NoError(t, err)
	require.Len(t, id, 15)
	require.True(t, id[0] == 'A')

	cus := "cus_ABC123"
	require.NoError(t, s.Update(ctx, id, UpdateInput{StripeCus: &cus}))

	out := kv.New()
	require.NoError(t, s.Get(ctx, id, out))
	require.Equal(t, "a@b.com", out.GetDefault("Email", ""))
	require.Equal(t, cus, out.GetDefault("_Stripe-Cus", ""))
}

func TestUpdateUnknownAccountIsNotFound(t *testing.T) {
	dsn := testDSN(t)
	facade := testFacade(t)

	db, err := store.Open(dsn)
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, facade)
	require.NoError(t, err)
	defer s.Close()

	err = s.Update(context.Background(), "Annnnnnnnnnnnnn", UpdateInput{})
	require.Error(t, err)
}
