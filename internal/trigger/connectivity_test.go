package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectivity_FiresOnlyOnRestore(t *testing.T) {
	var restored int
	c := NewConnectivity(nil, time.Second, func() { restored++ }, nil)

	assert.False(t, c.Online())
	c.Observe(true)
	assert.Zero(t, restored, "first observation is the baseline")
	assert.True(t, c.Online())

	c.Observe(true)
	c.Observe(false)
	assert.Zero(t, restored)
	assert.False(t, c.Online())

	c.Observe(true)
	assert.Equal(t, 1, restored)
	c.Observe(true)
	assert.Equal(t, 1, restored)
}

func TestConnectivity_RunPollsProber(t *testing.T) {
	var online atomic.Bool
	var restored atomic.Int32
	c := NewConnectivity(ProberFunc(func(context.Context) bool { return online.Load() }),
		5*time.Millisecond, func() { restored.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	online.Store(true)
	require.Eventually(t, func() bool { return restored.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Any answer, even an error status, means the network is there.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	url := srv.URL

	p := NewHTTPProber(url, time.Second)
	assert.True(t, p.Probe(context.Background()))

	srv.Close()
	assert.False(t, p.Probe(context.Background()))
}
