package audtext

import (
	"context"
	"sync"
	"time"
)

const (
	msgUploading = "Uploading file..."
	msgStarting  = "Starting transcription..."
	msgComplete  = "Transcription complete!"

	reasonUpload = "Upload failed"
	reasonRemote = "Transcription failed"
	reasonResult = "Failed to get result"

	storeTimeout = 5 * time.Second
)

// Transport is the remote service as seen by the Tracker. *Client implements it.
// Calls must return once ctx is cancelled: Reset and Close cancel it, and
// Close waits for the call in flight.
type Transport interface {
	Submit(ctx context.Context, up Upload) (string, error)
	PollStatus(ctx context.Context, taskID string) (StatusUpdate, error)
	FetchResult(ctx context.Context, taskID string) (*Result, error)
}

var _ Transport = (*Client)(nil)

// run is one submission. Its goroutine is the only place network calls for
// the task happen, so at most one poll or result fetch is outstanding.
type run struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker owns the lifecycle of one task at a time: it submits the upload,
// follows the task by polling and, optionally, a live channel, and publishes
// every state change to its subscribers in order.
type Tracker struct {
	transport Transport
	opts      options
	log       Logger

	mu      sync.Mutex
	gen     uint64
	cur     Event
	run     *run
	closed  bool
	subs    map[uint64]*subscription
	nextSub uint64

	wg sync.WaitGroup
}

// NewTracker creates an idle tracker on top of transport.
func NewTracker(transport Transport, opts ...Option) *Tracker {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Tracker{
		transport: transport,
		opts:      o,
		log:       o.logger,
		cur:       Event{State: StateIdle, UpdatedAt: time.Now()},
		subs:      make(map[uint64]*subscription),
	}
}

// State returns the current lifecycle snapshot.
func (t *Tracker) State() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Subscribe returns a channel that receives the current snapshot followed by
// every change, in order. Delivery never blocks the tracker. The returned
// function unsubscribes and closes the channel.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	s := newSubscription()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.finish()
		return s.out, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = s
	s.push(t.cur)
	t.mu.Unlock()

	return s.out, func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
		s.cancel()
	}
}

// Submit starts tracking a new task. It returns as soon as the tracker is in
// the submitting state; progress is reported through Subscribe. Calling it
// while a task is present returns ErrAlreadySubmitted and changes nothing.
func (t *Tracker) Submit(ctx context.Context, up Upload) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	if t.cur.State != StateIdle {
		cur := t.cur
		t.mu.Unlock()
		t.log.Warnf("submit ignored: tracker is %s (task=%s); call Reset first", cur.State, cur.TaskID)
		return ErrAlreadySubmitted
	}

	t.gen++
	// The run outlives the Submit call; only Reset/Close end it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{gen: t.gen, cancel: cancel, done: make(chan struct{})}
	t.run = r
	t.setLocked(Event{State: StateSubmitting, Filename: up.Filename, Message: msgUploading})
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.Debugf("submitting: filename=%s", up.Filename)
	go t.track(runCtx, r, up)
	return nil
}

// Reset discards the current task and returns to idle from any state. Timers
// and the live channel are released, and responses still in flight for the
// old task are ignored when they arrive.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Wait blocks until the current run reaches a terminal state or is reset,
// and returns the snapshot at that point.
func (t *Tracker) Wait(ctx context.Context) (Event, error) {
	t.mu.Lock()
	r := t.run
	t.mu.Unlock()
	if r == nil {
		return t.State(), nil
	}
	select {
	case <-r.done:
		return t.State(), nil
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// Close resets the tracker, waits for background work to stop and closes
// every subscription after delivering queued events. The wait includes the
// Transport call in flight, which sees its context cancelled.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.resetLocked()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	t.wg.Wait()
	for _, s := range subs {
		s.finish()
	}
}

func (t *Tracker) resetLocked() {
	t.gen++
	if r := t.run; r != nil {
		r.cancel()
		t.run = nil
	}
	if t.cur.State == StateIdle {
		return
	}
	t.log.Infof("tracker reset: task=%s state=%s", t.cur.TaskID, t.cur.State)
	t.setLocked(Event{State: StateIdle})
}

func (t *Tracker) setLocked(ev Event) {
	ev.UpdatedAt = time.Now()
	t.cur = ev
	for _, s := range t.subs {
		s.push(ev)
	}
}

// update applies mutate to a copy of the current snapshot, provided r is
// still the current run and the task is not terminal. It returns the
// resulting snapshot, whether it changed, and whether r is still current.
func (t *Tracker) update(r *run, mutate func(ev *Event) bool) (Event, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.gen != t.gen || t.cur.State.Terminal() {
		return t.cur, false, false
	}
	next := t.cur
	if !mutate(&next) {
		return t.cur, false, true
	}
	t.setLocked(next)
	return t.cur, true, true
}

func (t *Tracker) current(r *run) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.gen == t.gen && !t.cur.State.Terminal()
}

func (t *Tracker) release(r *run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == r {
		t.run = nil
	}
	r.cancel()
}

func (t *Tracker) track(ctx context.Context, r *run, up Upload) {
	defer t.wg.Done()
	defer close(r.done)
	defer t.release(r)

	taskID, err := t.transport.Submit(ctx, up)
	if err != nil {
		if !t.current(r) {
			return
		}
		t.log.Warnf("upload failed: filename=%s err=%v", up.Filename, err)
		t.fail(ctx, r, SubmissionRejected, failureReason(err, reasonUpload))
		return
	}

	ev, _, ok := t.update(r, func(ev *Event) bool {
		ev.TaskID = taskID
		ev.State = StateActive
		ev.Progress = 0
		ev.Message = msgStarting
		return true
	})
	if !ok {
		t.log.Debugf("discarding upload response after reset: task=%s", taskID)
		return
	}
	t.log.Infof("tracking task: task=%s filename=%s", taskID, up.Filename)
	t.persist(ctx, ev)
	t.follow(ctx, r, taskID)
}

// follow drives the poll cadence and the live channel until the task is
// terminal or the run is cancelled. Polling pauses while the live channel is
// connected and resumes as soon as it is not.
func (t *Tracker) follow(ctx context.Context, r *run, taskID string) {
	var (
		updates <-chan StatusUpdate
		states  <-chan ConnState
	)
	if t.opts.live.Endpoint != nil {
		lc := newLiveChannel(t.opts.live.Endpoint(taskID), taskID, t.opts.live, t.opts.encoder, t.log)
		lc.Start(ctx)
		defer lc.Close()
		updates, states = lc.Updates(), lc.States()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	pollC := timer.C

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollC:
			if ctx.Err() != nil {
				return
			}
			st, err := t.transport.PollStatus(ctx, taskID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.log.Debugf("poll failed, retrying in %s: task=%s kind=%s err=%v", t.opts.pollBackoff, taskID, TransientNetworkError, err)
				timer.Reset(t.opts.pollBackoff)
				continue
			}
			if t.handle(ctx, r, taskID, st) {
				return
			}
			timer.Reset(t.opts.pollInterval)

		case st := <-updates:
			if t.handle(ctx, r, taskID, st) {
				return
			}

		case s := <-states:
			if s == ConnConnected {
				if pollC != nil {
					t.log.Debugf("live channel connected, pausing polls: task=%s", taskID)
					timer.Stop()
					pollC = nil
				}
				continue
			}
			// Apply whatever the channel delivered before it dropped.
			if t.drain(ctx, r, taskID, updates) {
				return
			}
			if pollC == nil {
				t.log.Debugf("live channel %s, resuming polls: task=%s", s, taskID)
				timer.Reset(0)
				pollC = timer.C
			}
		}
	}
}

func (t *Tracker) drain(ctx context.Context, r *run, taskID string, updates <-chan StatusUpdate) bool {
	for {
		select {
		case st := <-updates:
			if t.handle(ctx, r, taskID, st) {
				return true
			}
		default:
			return false
		}
	}
}

// handle applies one status record and reports whether tracking must stop.
func (t *Tracker) handle(ctx context.Context, r *run, taskID string, st StatusUpdate) bool {
	if st.TaskID != "" && st.TaskID != taskID {
		t.log.Warnf("ignoring status for another task: task=%s got=%s", taskID, st.TaskID)
		return false
	}

	switch st.Status {
	case StatusCompleted:
		return t.complete(ctx, r, taskID, st)
	case StatusFailed:
		reason := st.Message
		if reason == "" {
			reason = reasonRemote
		}
		t.fail(ctx, r, RemoteReportedFailure, reason)
		return true
	}

	ev, changed, ok := t.update(r, func(ev *Event) bool {
		if st.Progress < ev.Progress {
			t.log.Debugf("dropping out-of-order progress: task=%s have=%.1f got=%.1f", taskID, ev.Progress, st.Progress)
			return false
		}
		msg := st.Message
		if msg == "" {
			msg = ev.Message
		}
		if st.Progress == ev.Progress && msg == ev.Message {
			return false
		}
		ev.Progress = st.Progress
		ev.Message = msg
		return true
	})
	if !ok {
		return true
	}
	if changed {
		t.persist(ctx, ev)
	}
	return false
}

// complete fetches the result exactly once. A completed task whose result
// cannot be read ends in failed.
func (t *Tracker) complete(ctx context.Context, r *run, taskID string, st StatusUpdate) bool {
	if !t.current(r) {
		return true
	}
	res, err := t.transport.FetchResult(ctx, taskID)
	if err != nil {
		if ctx.Err() != nil || !t.current(r) {
			return true
		}
		t.log.Warnf("result fetch failed after completion: task=%s err=%v", taskID, err)
		t.fail(ctx, r, ResultFetchFailed, failureReason(err, reasonResult))
		return true
	}

	msg := st.Message
	if msg == "" {
		msg = msgComplete
	}
	ev, changed, _ := t.update(r, func(ev *Event) bool {
		ev.State = StateCompleted
		ev.Progress = 100
		ev.Message = msg
		ev.Result = res
		return true
	})
	if changed {
		t.log.Infof("task completed: task=%s segments=%d", taskID, len(res.Segments))
		t.persist(ctx, ev)
	}
	return true
}

func (t *Tracker) fail(ctx context.Context, r *run, kind ErrorKind, reason string) {
	ev, changed, _ := t.update(r, func(ev *Event) bool {
		ev.State = StateFailed
		ev.Message = reason
		ev.Result = nil
		ev.FailureKind = kind
		ev.FailureReason = reason
		return true
	})
	if changed {
		t.log.Warnf("task failed: task=%s kind=%s reason=%s", ev.TaskID, kind, reason)
		t.persist(ctx, ev)
	}
}

// persist journals ev when a store is configured. Store failures never
// affect the lifecycle.
func (t *Tracker) persist(ctx context.Context, ev Event) {
	if t.opts.store == nil || ev.TaskID == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := t.opts.store.Save(sctx, ev); err != nil {
		t.log.Warnf("could not journal event: task=%s state=%s err=%v", ev.TaskID, ev.State, err)
	}
}
