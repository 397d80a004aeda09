// Package ssh provides the resilient SSH transport used to drive an
// embedded Linux device: connection negotiation with authentication
// fallback, a cached persistent session with idle reaping, a streaming
// command executor and SFTP-based file download.
package ssh

import (
	"fmt"
	"strings"
	"time"
)

// Reserved exit codes.
const (
	// ExitTimeout is reported when a command was killed by the local
	// hard timeout rather than finishing on the device.
	ExitTimeout = 124

	// ExitNotFound is the remote shell's "command not found" code and
	// triggers the path-fallback retry for diagnostic commands.
	ExitNotFound = 127
)

// CommandResult is the outcome of one command execution.
type CommandResult struct {
	// Command is the original command text.
	Command string

	// ExitCode is the remote exit code, ExitTimeout when the local
	// deadline was hit, or -1 when no status was received.
	ExitCode int

	// Stdout and Stderr hold whatever output was captured, including
	// partial output of a timed-out command.
	Stdout string
	Stderr string

	// TimedOut is true when the local hard timeout killed the command.
	TimedOut bool

	// Background reports that the command was launched detached. PID and
	// LogPath describe the spawned remote process.
	Background bool
	PID        int
	LogPath    string

	// Duration is the local wall time spent on the command.
	Duration time.Duration
}

// RetryPolicy drives the negotiator's outer retry loop.
type RetryPolicy struct {
	// Backoffs is the ordered list of delays slept between retries.
	Backoffs []time.Duration

	// Classify reports whether an error is transient and worth retrying.
	// A nil Classify falls back to IsTransient.
	Classify func(error) bool
}

// DefaultRetryPolicy matches the device's observed recovery behavior:
// a short wait usually clears a busy Dropbear daemon.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoffs: []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
	}
}

func (p RetryPolicy) classify(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return IsTransient(err)
}

// IsTransient reports whether a connection error is of the kind the
// device produces while busy or mid-boot: banner exchange failures,
// resets, and auth rejections that succeed when attempted later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	for _, marker := range []string{
		"banner",
		"connection reset",
		"EOF",
		"handshake failed",
		"unable to authenticate",
		"Authentication failed",
		"no supported methods remain",
		"no authentication methods available",
		"i/o timeout",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// ConnectError is returned after the retry policy is exhausted. It always
// carries the endpoint so the failure can be displayed meaningfully.
type ConnectError struct {
	Host     string
	Port     int
	User     string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh connect %s@%s:%d failed after %d attempts: %v",
		e.User, e.Host, e.Port, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SessionDeadError signals that the transport itself died mid-command.
// It is distinct from a command failure: the whole session is gone and
// the dispatch layer may re-acquire and retry exactly once.
type SessionDeadError struct {
	Op  string
	Err error
}

func (e *SessionDeadError) Error() string {
	return fmt.Sprintf("ssh session dead during %s: %v", e.Op, e.Err)
}

func (e *SessionDeadError) Unwrap() error { return e.Err }

// TransferError reports a failed bulk copy. Missing remote files are not
// an error; see DownloadResult.NoMatches.
type TransferError struct {
	Glob string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %q failed: %v", e.Glob, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Event tags classify output for display.
const (
	TagInfo    = "info"
	TagSend    = "send"
	TagWarning = "warning"
	TagError   = "error"
	TagEnd     = "end"
	TagDone    = "done"
)

// EventKind distinguishes the stream events an executor run produces.
type EventKind int

const (
	// EventOutput carries a chunk of remote command output.
	EventOutput EventKind = iota

	// EventNotice carries a local informational line.
	EventNotice

	// EventProgress reports batch progress in percent.
	EventProgress

	// EventEndMarker reports that the configured end marker was seen and
	// the rest of the batch was skipped.
	EventEndMarker

	// EventStopped reports that the batch was aborted by the caller.
	EventStopped

	// EventDone terminates the stream for a completed batch.
	EventDone
)

// Event is one item of the executor's output stream.
type Event struct {
	Kind    EventKind
	Text    string
	Tag     string
	Percent int
}

// EventSink receives stream events. Sinks must be safe for calls from the
// executor's worker goroutine; a nil sink discards everything.
type EventSink func(Event)
