package audtext

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LiveChannel keeps a websocket open to the progress endpoint of one task and
// turns inbound messages into StatusUpdates. Its connection sub-state is
// published on States so the tracker can switch polling on and off.
type LiveChannel struct {
	url    string
	taskID string
	cfg    LiveConfig
	enc    Encoder
	log    Logger

	updates chan StatusUpdate
	states  chan ConnState

	mu       sync.Mutex
	state    ConnState
	last     Status
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int
}

func newLiveChannel(url, taskID string, cfg LiveConfig, enc Encoder, log Logger) *LiveChannel {
	if log == nil {
		log = NoopLogger
	}
	if enc == nil {
		enc = &JSONEncoder{}
	}
	return &LiveChannel{
		url:     url,
		taskID:  taskID,
		cfg:     cfg.withDefaults(),
		enc:     enc,
		log:     log,
		updates: make(chan StatusUpdate, 16),
		states:  make(chan ConnState, 4),
		state:   ConnDisconnected,
		done:    make(chan struct{}),
	}
}

// Updates delivers validated progress records in arrival order.
func (lc *LiveChannel) Updates() <-chan StatusUpdate { return lc.updates }

// States delivers connection sub-state changes.
func (lc *LiveChannel) States() <-chan ConnState { return lc.states }

// State returns the current connection sub-state.
func (lc *LiveChannel) State() ConnState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

// Start opens the connection in the background. It is idempotent.
func (lc *LiveChannel) Start(ctx context.Context) {
	lc.mu.Lock()
	if lc.started || lc.closed {
		lc.mu.Unlock()
		lc.log.Warnf("live channel already started; ignoring Start(): task=%s", lc.taskID)
		return
	}
	lc.started = true
	ctx, lc.cancel = context.WithCancel(ctx)
	lc.mu.Unlock()

	go lc.loop(ctx)
}

// Close disconnects explicitly. A pending reconnection is abandoned and no
// further attempt is made. It blocks until the background loop has exited.
func (lc *LiveChannel) Close() {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		<-lc.done
		return
	}
	lc.closed = true
	cancel := lc.cancel
	lc.mu.Unlock()
	if cancel == nil {
		close(lc.done)
		return
	}
	cancel()
	<-lc.done
}

func (lc *LiveChannel) loop(ctx context.Context) {
	defer close(lc.done)
	defer lc.setState(ctx, ConnDisconnected)

	for {
		conn, _, err := lc.cfg.Dialer.DialContext(ctx, lc.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lc.log.Warnf("live channel dial failed: task=%s attempt=%d err=%v", lc.taskID, lc.attempts+1, err)
		} else {
			lc.log.Debugf("live channel connected: task=%s", lc.taskID)
			lc.setState(ctx, ConnConnected)
			connectedAt := time.Now()
			err = lc.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if lc.lastStatus().Terminal() {
				lc.log.Debugf("live channel closed after terminal status: task=%s", lc.taskID)
				return
			}
			if time.Since(connectedAt) >= lc.cfg.StableAfter {
				lc.attempts = 0
			}
			lc.log.Infof("live channel closed unexpectedly: task=%s err=%v", lc.taskID, err)
		}
		// Dropped connections count like failed dials unless they stayed up
		// for StableAfter.
		lc.attempts++
		if lc.cfg.MaxReconnects < 0 || lc.attempts > lc.cfg.MaxReconnects {
			lc.log.Warnf("live channel giving up: task=%s attempts=%d", lc.taskID, lc.attempts)
			return
		}

		lc.setState(ctx, ConnReconnecting)
		timer := time.NewTimer(lc.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve reads from conn until it fails or ctx is cancelled.
func (lc *LiveChannel) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if lc.cfg.PingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go lc.keepalive(pingCtx, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		data = bytes.TrimSpace(data)
		if string(data) == "pong" {
			continue
		}
		st, err := decodeStatus(lc.enc, data)
		if err != nil {
			lc.log.Warnf("live channel dropping malformed message: task=%s err=%v", lc.taskID, err)
			continue
		}
		if st.TaskID != "" && st.TaskID != lc.taskID {
			lc.log.Warnf("live channel dropping message for other task: task=%s got=%s", lc.taskID, st.TaskID)
			continue
		}
		lc.mu.Lock()
		lc.last = st.Status
		lc.mu.Unlock()

		select {
		case lc.updates <- st:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepalive is the only writer on conn.
func (lc *LiveChannel) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(lc.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(lc.cfg.PingInterval))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				lc.log.Debugf("live channel ping failed: task=%s err=%v", lc.taskID, err)
				return
			}
		}
	}
}

func (lc *LiveChannel) lastStatus() Status {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.last
}

func (lc *LiveChannel) setState(ctx context.Context, s ConnState) {
	lc.mu.Lock()
	if lc.state == s {
		lc.mu.Unlock()
		return
	}
	lc.state = s
	lc.mu.Unlock()

	select {
	case lc.states <- s:
	case <-ctx.Done():
	}
}
