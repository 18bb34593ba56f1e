package audtext

import (
	"errors"
	"fmt"
)

// ErrAlreadySubmitted is returned when Submit is called while the tracker is not idle.
var ErrAlreadySubmitted = errors.New("audtext: tracker already has a task")

// ErrTrackerClosed is returned when Submit is called after Close.
var ErrTrackerClosed = errors.New("audtext: tracker closed")

// ErrUnknownStatus is returned when the service reports a status this client does not know.
var ErrUnknownStatus = errors.New("audtext: unknown status")

// ErrInvalidProgress is returned when a reported progress falls outside [0, 100].
var ErrInvalidProgress = errors.New("audtext: progress out of range")

// ErrMalformedResponse is returned when a response body cannot be parsed or validated.
var ErrMalformedResponse = errors.New("audtext: malformed response")

// ErrTaskNotFound is returned when a task is not present in a Store.
var ErrTaskNotFound = errors.New("audtext: task not found")

// ErrorKind classifies failures before they reach the tracker state machine.
type ErrorKind string

const (
	// SubmissionRejected: the upload failed or was refused. Terminal.
	SubmissionRejected ErrorKind = "submission_rejected"
	// TransientNetworkError: a poll failed while tracking. Never terminal.
	TransientNetworkError ErrorKind = "transient_network_error"
	// RemoteReportedFailure: the service declared the job failed. Terminal.
	RemoteReportedFailure ErrorKind = "remote_reported_failure"
	// ResultFetchFailed: completion was observed but the result could not be read. Terminal.
	ResultFetchFailed ErrorKind = "result_fetch_failed"
)

// Cause tells why a transport call failed.
type Cause string

const (
	CauseNetwork  Cause = "network"
	CauseRejected Cause = "rejected"
	CauseNotFound Cause = "not_found"
)

// TransportError is the uniform error returned by every Client call.
type TransportError struct {
	// Op is the logical operation, e.g. "upload" or "status".
	Op    string
	Cause Cause
	// Reason is the human-readable detail provided by the service, if any.
	Reason     string
	StatusCode int
	RequestID  string
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("audtext: %s: %s", e.Op, e.Cause)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// failureReason picks the user displayable message for a terminal error.
// The service reason wins. A request that never got an HTTP answer reports
// its own error text. An HTTP error without detail falls back to def.
func failureReason(err error, def string) string {
	if err == nil {
		return def
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case te.Reason != "":
			return te.Reason
		case te.StatusCode == 0 && te.Err != nil:
			return te.Err.Error()
		}
		return def
	}
	return err.Error()
}
