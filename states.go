package audtext

// State is the lifecycle phase of a tracked task as seen by consumers.
// Use the exported constants (StateIdle, StateActive, etc.) instead of
// raw strings to avoid typos.
type State string

const (
	// StateIdle means no task is being tracked.
	StateIdle State = "idle"
	// StateSubmitting means the upload call is in flight and no task id exists yet.
	StateSubmitting State = "submitting"
	// StateActive means the remote service accepted the task and it is being tracked.
	StateActive State = "active"
	// StateCompleted is terminal; the result is attached.
	StateCompleted State = "completed"
	// StateFailed is terminal; a failure reason is attached.
	StateFailed State = "failed"
)

// AllStates lists every lifecycle state in transition order.
var AllStates = []State{StateIdle, StateSubmitting, StateActive, StateCompleted, StateFailed}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Status is the job status reported by the remote service.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether the remote job has finished, successfully or not.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ParseStatus converts a wire string into a Status, returning ErrUnknownStatus for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusProcessing):
		return StatusProcessing, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return "", ErrUnknownStatus
	}
}

// ConnState is the connection sub-state of a live channel.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// String returns the raw string value of the connection state.
func (s ConnState) String() string { return string(s) }
