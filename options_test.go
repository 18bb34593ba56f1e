package audtext

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestOptions_Defaults(t *testing.T) {
	o := defaultOptions()
	require.Equal(t, 1500*time.Millisecond, o.pollInterval)
	require.Equal(t, 2*time.Second, o.pollBackoff)
	require.Nil(t, o.live.Endpoint, "live channel must be off by default")
	require.Nil(t, o.store)
	require.NotNil(t, o.logger)
	require.NotNil(t, o.encoder)
}

func TestOptions_Setters(t *testing.T) {
	o := defaultOptions()

	PollInterval(10 * time.Millisecond)(&o)
	require.Equal(t, 10*time.Millisecond, o.pollInterval, "PollInterval not set")

	PollBackoff(20 * time.Millisecond)(&o)
	require.Equal(t, 20*time.Millisecond, o.pollBackoff, "PollBackoff not set")

	// Non-positive durations keep the previous value.
	PollInterval(0)(&o)
	PollBackoff(-time.Second)(&o)
	require.Equal(t, 10*time.Millisecond, o.pollInterval)
	require.Equal(t, 20*time.Millisecond, o.pollBackoff)

	// Nil logger and encoder are ignored.
	WithLogger(nil)(&o)
	WithEncoder(nil)(&o)
	require.NotNil(t, o.logger)
	require.NotNil(t, o.encoder)

	l := &FmtLogger{}
	WithLogger(l)(&o)
	require.Same(t, l, o.logger)
}

func TestLiveConfig_Defaults(t *testing.T) {
	var o options
	WithLiveChannel(LiveConfig{Endpoint: func(id string) string { return "ws://x/" + id }})(&o)
	require.Equal(t, "ws://x/abc", o.live.Endpoint("abc"))
	require.Equal(t, 2*time.Second, o.live.ReconnectDelay)
	require.Equal(t, 5, o.live.MaxReconnects)
	require.Equal(t, 30*time.Second, o.live.StableAfter)
	require.Same(t, websocket.DefaultDialer, o.live.Dialer)
	require.Zero(t, o.live.PingInterval)

	cfg := LiveConfig{ReconnectDelay: time.Millisecond, MaxReconnects: -1, PingInterval: time.Second}.withDefaults()
	require.Equal(t, time.Millisecond, cfg.ReconnectDelay)
	require.Equal(t, -1, cfg.MaxReconnects, "negative disables reconnection and must survive defaults")
	require.Equal(t, time.Second, cfg.PingInterval)
}
