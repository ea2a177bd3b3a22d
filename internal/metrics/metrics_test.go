package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRegistersEveryMetricOnItsOwnRegistry(t *testing.T) {
	a := New()
	b := New()

	a.ActiveConnections.Set(3)
	assert.Equal(t, float64(0), testutil.ToFloat64(b.ActiveConnections))
	assert.Equal(t, float64(3), testutil.ToFloat64(a.ActiveConnections))
}

func TestServeIsNoOpWithEmptyAddr(t *testing.T) {
	s := NewServer(New(), "", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Serve(ctx))
}

func TestServeRefusesNonLoopbackAddr(t *testing.T) {
	s := NewServer(New(), "0.0.0.0:0", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Serve(ctx))
}

func TestServeOnLoopbackServesMetricsEndpoint(t *testing.T) {
	reg := New()
	reg.ActiveConnections.Set(1)
	s := NewServer(reg, "127.0.0.1:19091", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx)
		close(done)
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://127.0.0.1:19091/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	<-done
}
