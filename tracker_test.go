package audtext

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedTransport struct {
	submit func(ctx context.Context, up Upload) (string, error)
	poll   func(ctx context.Context, taskID string, n int) (StatusUpdate, error)
	result func(ctx context.Context, taskID string) (*Result, error)

	submits atomic.Int32
	polls   atomic.Int32
	results atomic.Int32
}

func (s *scriptedTransport) Submit(ctx context.Context, up Upload) (string, error) {
	s.submits.Add(1)
	if s.submit == nil {
		return "t1", nil
	}
	return s.submit(ctx, up)
}

func (s *scriptedTransport) PollStatus(ctx context.Context, taskID string) (StatusUpdate, error) {
	n := int(s.polls.Add(1)) - 1
	return s.poll(ctx, taskID, n)
}

func (s *scriptedTransport) FetchResult(ctx context.Context, taskID string) (*Result, error) {
	s.results.Add(1)
	if s.result == nil {
		return &Result{TaskID: taskID, Status: StatusCompleted, Progress: 100, FullText: "hello"}, nil
	}
	return s.result(ctx, taskID)
}

// sequence replays steps, repeating the last one.
func sequence(steps ...StatusUpdate) func(context.Context, string, int) (StatusUpdate, error) {
	return func(_ context.Context, id string, n int) (StatusUpdate, error) {
		if n >= len(steps) {
			n = len(steps) - 1
		}
		st := steps[n]
		st.TaskID = id
		return st, nil
	}
}

func processing(p float64) StatusUpdate {
	return StatusUpdate{Status: StatusProcessing, Progress: p}
}

var completed = StatusUpdate{Status: StatusCompleted, Progress: 100}

func newTestTracker(t *testing.T, tr Transport, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{PollInterval(2 * time.Millisecond), PollBackoff(2 * time.Millisecond)}, opts...)
	tk := NewTracker(tr, opts...)
	t.Cleanup(tk.Close)
	return tk
}

// collect reads events until stop returns true for one of them.
func collect(t *testing.T, ch <-chan Event, stop func(Event) bool) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed early after %d events", len(out))
			}
			out = append(out, ev)
			if stop(ev) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out after %d events: %+v", len(out), out)
		}
	}
}

func terminal(ev Event) bool { return ev.State.Terminal() }

func states(evs []Event) []State {
	var out []State
	for _, ev := range evs {
		if len(out) == 0 || out[len(out)-1] != ev.State {
			out = append(out, ev.State)
		}
	}
	return out
}

func progressions(evs []Event) []float64 {
	var out []float64
	for _, ev := range evs {
		if len(out) == 0 || out[len(out)-1] != ev.Progress {
			out = append(out, ev.Progress)
		}
	}
	return out
}

func TestTracker_CompletesAndFetchesResultOnce(t *testing.T) {
	tr := &scriptedTransport{poll: sequence(
		StatusUpdate{Status: StatusPending, Message: "File uploaded, waiting to start..."},
		processing(50),
		completed,
	)}
	tk := newTestTracker(t, tr)
	ch, unsubscribe := tk.Subscribe()
	defer unsubscribe()

	require.NoError(t, tk.Submit(context.Background(), audio("talk.mp3")))
	evs := collect(t, ch, terminal)

	require.Equal(t, []State{StateIdle, StateSubmitting, StateActive, StateCompleted}, states(evs))
	require.Equal(t, []float64{0, 50, 100}, progressions(evs))

	last := evs[len(evs)-1]
	require.Equal(t, "t1", last.TaskID)
	require.Equal(t, "talk.mp3", last.Filename)
	require.Equal(t, "Transcription complete!", last.Message)
	require.NotNil(t, last.Result)
	require.Equal(t, "hello", last.Result.FullText)
	require.Empty(t, last.FailureKind)
	require.Equal(t, int32(1), tr.results.Load())

	require.Equal(t, "Uploading file...", evs[1].Message)
	require.Equal(t, "Starting transcription...", evs[2].Message)
	for _, ev := range evs {
		if ev.State != StateCompleted {
			require.Nil(t, ev.Result, "result only attached when completed")
		}
	}

	// Nothing more happens after the terminal state.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), tr.results.Load())
	polls := tr.polls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, polls, tr.polls.Load(), "polling stops once terminal")
}

func TestTracker_SubmitOnlyFromIdle(t *testing.T) {
	release := make(chan struct{})
	tr := &scriptedTransport{
		submit: func(ctx context.Context, _ Upload) (string, error) {
			select {
			case <-release:
				return "t1", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		poll: sequence(completed),
	}
	tk := newTestTracker(t, tr)
	ctx := context.Background()

	require.NoError(t, tk.Submit(ctx, audio("a.mp3")))
	require.ErrorIs(t, tk.Submit(ctx, audio("b.mp3")), ErrAlreadySubmitted)
	require.Equal(t, "a.mp3", tk.State().Filename)
	require.Eventually(t, func() bool { return tr.submits.Load() == 1 }, time.Second, time.Millisecond)

	close(release)
	ev, err := tk.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)

	require.ErrorIs(t, tk.Submit(ctx, audio("c.mp3")), ErrAlreadySubmitted, "terminal is not idle")
	tk.Reset()
	require.Equal(t, StateIdle, tk.State().State)
	require.Empty(t, tk.State().TaskID)
	require.NoError(t, tk.Submit(ctx, audio("c.mp3")))
	ev, err = tk.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)
	require.Equal(t, "c.mp3", ev.Filename)
}

func TestTracker_SubmissionRejected(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason string
	}{
		{"service detail", &TransportError{Op: "upload", Cause: CauseRejected, StatusCode: 400, Reason: "Invalid file type. Allowed: mp3"}, "Invalid file type. Allowed: mp3"},
		{"unreachable", &TransportError{Op: "upload", Cause: CauseNetwork, Err: errors.New("connection refused")}, "connection refused"},
		{"no detail", &TransportError{Op: "upload", Cause: CauseRejected, StatusCode: 400}, "Upload failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &scriptedTransport{submit: func(context.Context, Upload) (string, error) { return "", tc.err }}
			tk := newTestTracker(t, tr)
			require.NoError(t, tk.Submit(context.Background(), audio("a.txt")))
			ev, err := tk.Wait(context.Background())
			require.NoError(t, err)
			require.Equal(t, StateFailed, ev.State)
			require.Equal(t, SubmissionRejected, ev.FailureKind)
			require.Equal(t, tc.reason, ev.FailureReason)
			require.Equal(t, tc.reason, ev.Message)
			require.Empty(t, ev.TaskID)
			require.Zero(t, tr.polls.Load())
		})
	}
}

func TestTracker_TransientPollErrorsAreRetried(t *testing.T) {
	tr := &scriptedTransport{poll: func(_ context.Context, id string, n int) (StatusUpdate, error) {
		switch {
		case n < 3:
			return StatusUpdate{}, &TransportError{Op: "status", Cause: CauseNetwork, StatusCode: 503}
		case n == 3:
			return StatusUpdate{TaskID: id, Status: StatusProcessing, Progress: 30}, nil
		case n < 6:
			return StatusUpdate{}, &TransportError{Op: "status", Cause: CauseNetwork, Err: errors.New("timeout")}
		default:
			return StatusUpdate{TaskID: id, Status: StatusCompleted, Progress: 100}, nil
		}
	}}
	tk := newTestTracker(t, tr)
	ch, unsubscribe := tk.Subscribe()
	defer unsubscribe()

	require.NoError(t, tk.Submit(context.Background(), audio("a.wav")))
	evs := collect(t, ch, terminal)
	for _, ev := range evs {
		require.NotEqual(t, StateFailed, ev.State, "transient errors never fail the task")
	}
	require.Equal(t, StateCompleted, evs[len(evs)-1].State)
	require.Equal(t, []float64{0, 30, 100}, progressions(evs), "errors keep the last progress")
	require.Equal(t, int32(7), tr.polls.Load())
}

func TestTracker_BackoffAfterPollError(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)
	tr := &scriptedTransport{poll: func(_ context.Context, id string, n int) (StatusUpdate, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		if n == 0 {
			return StatusUpdate{}, errors.New("down")
		}
		return StatusUpdate{TaskID: id, Status: StatusCompleted, Progress: 100}, nil
	}}
	tk := newTestTracker(t, tr, PollInterval(time.Millisecond), PollBackoff(60*time.Millisecond))
	require.NoError(t, tk.Submit(context.Background(), audio("a.wav")))
	ev, err := tk.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), 60*time.Millisecond)
}

func TestTracker_RemoteReportedFailure(t *testing.T) {
	for msg, want := range map[string]string{"Ollama not available": "Ollama not available", "": "Transcription failed"} {
		tr := &scriptedTransport{poll: sequence(processing(20), StatusUpdate{Status: StatusFailed, Message: msg})}
		tk := newTestTracker(t, tr)
		require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
		ev, err := tk.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateFailed, ev.State)
		require.Equal(t, RemoteReportedFailure, ev.FailureKind)
		require.Equal(t, want, ev.FailureReason)
		require.Equal(t, "t1", ev.TaskID)
		require.Nil(t, ev.Result)
		require.Zero(t, tr.results.Load(), "no result fetch for a failed task")
		polls := tr.polls.Load()
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, polls, tr.polls.Load(), "no polls after failure")
	}
}

func TestTracker_ResultFetchFailure(t *testing.T) {
	cases := []struct {
		err    error
		reason string
	}{
		{&TransportError{Op: "result", Cause: CauseNetwork, StatusCode: 500}, "Failed to get result"},
		{&TransportError{Op: "result", Cause: CauseNotFound, StatusCode: 404, Reason: "Task not found"}, "Task not found"},
	}
	for _, tc := range cases {
		tr := &scriptedTransport{
			poll:   sequence(completed),
			result: func(context.Context, string) (*Result, error) { return nil, tc.err },
		}
		tk := newTestTracker(t, tr)
		require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
		ev, err := tk.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateFailed, ev.State)
		require.Equal(t, ResultFetchFailed, ev.FailureKind)
		require.Equal(t, tc.reason, ev.FailureReason)
		require.Equal(t, int32(1), tr.results.Load(), "result is fetched exactly once")
	}
}

func TestTracker_DropsOutOfOrderAndDuplicateProgress(t *testing.T) {
	tr := &scriptedTransport{poll: sequence(
		processing(20), processing(20), processing(60), processing(30), processing(60), processing(70), completed,
	)}
	tk := newTestTracker(t, tr)
	ch, unsubscribe := tk.Subscribe()
	defer unsubscribe()

	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	evs := collect(t, ch, terminal)

	var active []float64
	for _, ev := range evs {
		if ev.State == StateActive {
			active = append(active, ev.Progress)
		}
	}
	require.Equal(t, []float64{0, 20, 60, 70}, active)
}

func TestTracker_IgnoresStatusForOtherTask(t *testing.T) {
	tr := &scriptedTransport{poll: func(_ context.Context, id string, n int) (StatusUpdate, error) {
		if n == 0 {
			return StatusUpdate{TaskID: "other", Status: StatusCompleted, Progress: 100}, nil
		}
		if n < 3 {
			return StatusUpdate{TaskID: id, Status: StatusProcessing, Progress: 40}, nil
		}
		return StatusUpdate{TaskID: id, Status: StatusCompleted, Progress: 100}, nil
	}}
	tk := newTestTracker(t, tr)
	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	ev, err := tk.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)
	require.Equal(t, int32(4), tr.polls.Load())
}

func TestTracker_ResetDiscardsLateUploadResponse(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	tr := &scriptedTransport{
		// Ignores cancellation to deliver its answer after Reset.
		submit: func(context.Context, Upload) (string, error) {
			close(entered)
			<-release
			return "late", nil
		},
		poll: sequence(completed),
	}
	tk := NewTracker(tr, PollInterval(time.Millisecond))
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()
	ch, _ := tk.Subscribe()

	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	<-entered
	tk.Reset()
	require.Equal(t, StateIdle, tk.State().State)

	unblock()
	tk.Close()

	var evs []Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	require.Equal(t, []State{StateIdle, StateSubmitting, StateIdle}, states(evs))
	for _, ev := range evs {
		require.NotEqual(t, "late", ev.TaskID)
	}
	require.Zero(t, tr.polls.Load())
}

func TestTracker_ResetDiscardsLatePollAfterResubmit(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var ids atomic.Int32
	tr := &scriptedTransport{
		submit: func(context.Context, Upload) (string, error) {
			if ids.Add(1) == 1 {
				return "t1", nil
			}
			return "t2", nil
		},
		// The first task's poll ignores cancellation and answers after Reset.
		poll: func(_ context.Context, id string, _ int) (StatusUpdate, error) {
			if id == "t1" {
				close(entered)
				<-release
				return StatusUpdate{TaskID: "t1", Status: StatusCompleted, Progress: 100}, nil
			}
			return StatusUpdate{TaskID: id, Status: StatusProcessing, Progress: 10}, nil
		},
	}
	tk := newTestTracker(t, tr)
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	ctx := context.Background()

	require.NoError(t, tk.Submit(ctx, audio("a.mp3")))
	<-entered
	tk.Reset()
	require.NoError(t, tk.Submit(ctx, audio("b.mp3")))
	require.Eventually(t, func() bool { return tk.State().Progress == 10 }, waitFor, time.Millisecond)

	unblock()
	time.Sleep(30 * time.Millisecond)
	cur := tk.State()
	require.Equal(t, StateActive, cur.State)
	require.Equal(t, "t2", cur.TaskID)
	require.Equal(t, 10.0, cur.Progress)
	require.Zero(t, tr.results.Load(), "stale completion must not fetch a result")
}

func TestTracker_ResetWhileSubmittingThenResubmit(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	tr := &scriptedTransport{
		submit: func(_ context.Context, up Upload) (string, error) {
			if calls.Add(1) == 1 {
				<-release
				return "old", nil
			}
			return "new", nil
		},
		poll: sequence(processing(10), completed),
	}
	tk := newTestTracker(t, tr)
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	ctx := context.Background()

	require.NoError(t, tk.Submit(ctx, audio("first.mp3")))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, time.Millisecond)
	tk.Reset()
	require.NoError(t, tk.Submit(ctx, audio("second.mp3")))
	ev, err := tk.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)
	require.Equal(t, "new", ev.TaskID)

	unblock()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, "new", tk.State().TaskID)
	require.Equal(t, StateCompleted, tk.State().State)
}

func TestTracker_ResetFromEveryState(t *testing.T) {
	tr := &scriptedTransport{poll: sequence(processing(10))}
	tk := newTestTracker(t, tr)
	ctx := context.Background()

	// idle stays idle without emitting
	ch, unsubscribe := tk.Subscribe()
	tk.Reset()
	require.Equal(t, StateIdle, (<-ch).State)
	select {
	case ev := <-ch:
		t.Fatalf("reset from idle emitted %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
	unsubscribe()

	require.NoError(t, tk.Submit(ctx, audio("a.mp3")))
	require.Eventually(t, func() bool { return tk.State().Progress == 10 }, waitFor, time.Millisecond)
	tk.Reset()
	cur := tk.State()
	require.Equal(t, StateIdle, cur.State)
	require.Zero(t, cur.Progress)
	require.Empty(t, cur.Message)

	time.Sleep(10 * time.Millisecond)
	polls := tr.polls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, polls, tr.polls.Load(), "reset stops polling")
}

func TestTracker_JournalsToStore(t *testing.T) {
	_, rdb := newMiniClient(t)
	store := NewRedisStore(rdb, RedisStoreConfig{Retention: time.Hour})
	tr := &scriptedTransport{poll: sequence(processing(40), completed)}
	tk := newTestTracker(t, tr, WithStore(store))

	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	ev, err := tk.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)

	got, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, "a.mp3", got.Filename)
	require.NotNil(t, got.Result)
	require.Equal(t, "hello", got.Result.FullText)
}

func TestTracker_CloseAndSubscriptions(t *testing.T) {
	tr := &scriptedTransport{poll: sequence(processing(10))}
	tk := NewTracker(tr, PollInterval(time.Millisecond))

	ch1, unsubscribe := tk.Subscribe()
	unsubscribe()
	for range ch1 {
	}

	ch2, _ := tk.Subscribe()
	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	tk.Close()
	tk.Close()

	var evs []Event
	for ev := range ch2 {
		evs = append(evs, ev)
	}
	require.Equal(t, StateIdle, evs[len(evs)-1].State)
	require.ErrorIs(t, tk.Submit(context.Background(), audio("b.mp3")), ErrTrackerClosed)

	ch3, _ := tk.Subscribe()
	_, ok := <-ch3
	require.False(t, ok, "subscribing after close yields a closed channel")
}

func TestTracker_CloseCancelsCallInFlight(t *testing.T) {
	entered := make(chan struct{})
	tr := &scriptedTransport{
		submit: func(ctx context.Context, _ Upload) (string, error) {
			close(entered)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	tk := NewTracker(tr)
	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	<-entered

	closed := make(chan struct{})
	go func() {
		tk.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not cancel the upload in flight")
	}
	require.Equal(t, StateIdle, tk.State().State)
}

func TestTracker_WaitHonorsContext(t *testing.T) {
	tr := &scriptedTransport{poll: sequence(processing(10))}
	tk := newTestTracker(t, tr)

	ev, err := tk.Wait(context.Background())
	require.NoError(t, err, "wait on idle returns at once")
	require.Equal(t, StateIdle, ev.State)

	require.NoError(t, tk.Submit(context.Background(), audio("a.mp3")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ev, err = tk.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateActive, ev.State)
}

func TestTracker_SubmitContextDoesNotBoundRun(t *testing.T) {
	tr := &scriptedTransport{poll: sequence(processing(10), processing(20), completed)}
	tk := newTestTracker(t, tr)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tk.Submit(ctx, audio("a.mp3")))
	cancel()
	ev, err := tk.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, ev.State)
}
