package audtext

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPollInterval   = 1500 * time.Millisecond
	defaultPollBackoff    = 2 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 5
	defaultStableAfter    = 30 * time.Second
)

// LiveConfig configures the push channel used alongside polling.
type LiveConfig struct {
	// Endpoint maps a task id to its websocket URL. A nil Endpoint disables the live channel.
	Endpoint func(taskID string) string
	// Dialer opens the websocket. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// ReconnectDelay is the fixed wait before each reconnection attempt.
	ReconnectDelay time.Duration
	// MaxReconnects caps consecutive reconnections. Failed dials and
	// connections dropped before StableAfter both count; a connection that
	// stays up for StableAfter resets the count. Negative disables reconnection.
	MaxReconnects int
	// StableAfter is how long a connection must last to reset the reconnect
	// count. Defaults to 30s.
	StableAfter time.Duration
	// PingInterval sends a text keepalive at this period; 0 disables it.
	PingInterval time.Duration
}

func (c LiveConfig) withDefaults() LiveConfig {
	out := c
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = defaultReconnectDelay
	}
	if out.MaxReconnects == 0 {
		out.MaxReconnects = defaultMaxReconnects
	}
	if out.StableAfter <= 0 {
		out.StableAfter = defaultStableAfter
	}
	return out
}

type options struct {
	pollInterval time.Duration
	pollBackoff  time.Duration
	live         LiveConfig
	logger       Logger
	encoder      Encoder
	store        Store
}

func defaultOptions() options {
	return options{
		pollInterval: defaultPollInterval,
		pollBackoff:  defaultPollBackoff,
		logger:       NoopLogger,
		encoder:      &JSONEncoder{},
	}
}

// Option is a function that configures a Tracker.
type Option func(*options)

// PollInterval sets the delay between successful status polls. Defaults to 1.5s.
func PollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// PollBackoff sets the delay after a failed status poll. Defaults to 2s.
func PollBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollBackoff = d
		}
	}
}

// WithLiveChannel enables the websocket progress channel.
func WithLiveChannel(cfg LiveConfig) Option {
	return func(o *options) {
		o.live = cfg.withDefaults()
	}
}

// WithLogger sets the logger used for lifecycle and transport events.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEncoder sets the decoder used for live channel messages.
func WithEncoder(e Encoder) Option {
	return func(o *options) {
		if e != nil {
			o.encoder = e
		}
	}
}

// WithStore journals every lifecycle event that carries a task id.
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}
