package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/kv"
)

func zapNop() *zap.Logger { return zap.NewNop() }

// newTestClient builds a Client pointed at a local httptest server, the
// way the teacher's newTestGateway helper wires its own mock OAuth/API
// server into a Gateway under test.
func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return New(Config{SecretKey: "sk_test_123", BaseURL: baseURL}, nil, zapNop())
}

func TestCreateCardTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "tok_1",
			"livemode": false,
			"card":     map[string]string{"last4": "4242"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	dict := kv.New()
	dict.Put("Number", "4242424242424242")
	dict.Put("Exp-Year", "2030")
	dict.Put("Exp-Month", "12")
	dict.Put("Cvc", "123")

	tok, err := c.CreateCardToken(context.Background(), dict)
	require.NoError(t, err)
	assert.Equal(t, "tok_1", tok.Token)
	assert.Equal(t, "4242", tok.Last4)
	assert.False(t, tok.Live)
	assert.False(t, dict.Has("Number"))
}

func TestCreateCardTokenInvalidMonth(t *testing.T) {
	c := newTestClient(t, "https://unused.example")
	dict := kv.New()
	dict.Put("Number", "4242424242424242")
	dict.Put("Exp-Year", "2030")
	dict.Put("Exp-Month", "13")
	dict.Put("Cvc", "123")

	_, err := c.CreateCardToken(context.Background(), dict)
	assert.Error(t, err)
}

func TestChargeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":                  "ch_1",
			"balance_transaction": "txn_1",
			"livemode":            false,
			"currency":            "eur",
			"amount":              1000,
			"source":              map[string]string{"last4": "4242"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Charge(context.Background(), ChargeInput{Currency: "EUR", AmountInt: 1000, CardToken: "tok_1"})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", res.ChargeID)
	assert.Equal(t, "EUR", res.Currency)
	assert.Equal(t, int64(1000), res.AmountInt)
}

func TestChargeSurfacesCardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"type":    "card_error",
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Charge(context.Background(), ChargeInput{Currency: "EUR", AmountInt: 1000, CardToken: "tok_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Card was declined")
}

func TestFindOrCreatePlanCreatesOn404(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		created = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "gnupg-12-1000-eur"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.FindOrCreatePlan(context.Background(), PlanInput{Currency: "EUR", Recur: 12, AmountInt: 1000})
	require.NoError(t, err)
	assert.Equal(t, "gnupg-12-1000-eur", id)
	assert.True(t, created)
}

func TestFindOrCreatePlanReturnsExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"id": "gnupg-12-1000-eur"})
			return
		}
		t.Fatalf("unexpected create call for an existing plan")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.FindOrCreatePlan(context.Background(), PlanInput{Currency: "EUR", Recur: 12, AmountInt: 1000})
	require.NoError(t, err)
	assert.Equal(t, "gnupg-12-1000-eur", id)
}
