// Package errors provides domain-specific error types for ttybridge.
//
// These types carry structured context (operation, address, reason code)
// that the session supervisor and the OTA receiver use to decide how far a
// failure propagates: protocol and I/O errors end the current session,
// integrity errors abort a firmware transfer, and neither stops a listener.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrHandshake          = errors.New("telnet handshake failed")
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrTransferBusy       = errors.New("transfer already in progress")
	ErrAuthLocked         = errors.New("authentication locked out")
	ErrTimeout            = errors.New("operation timed out")
)

// ── Structured error types ───────────────────────────────────────────

// ProtocolError is a violation of the wire protocol by the peer:
// malformed commands or HTTP framing, an early disconnect, or a failed
// negotiation handshake.
type ProtocolError struct {
	Op  string // "handshake", "request", "body", "command"
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IOError represents a failure in a socket or serial operation.
type IOError struct {
	Op        string // "listen", "accept", "read", "write", "open"
	Addr      string // network address or device path involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *IOError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *IOError) Unwrap() error { return e.Err }

// IntegrityError reports a firmware image that could not be finalized or
// a boot selector that could not be updated.
type IntegrityError struct {
	Op   string // "finalize", "boot-target", "begin", "write"
	Code int    // coarse reason reported to the OTA client
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity %s (code %d): %v", e.Op, e.Code, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates an IOError, automatically detecting retryability from the
// underlying error.
func Wrap(op, addr string, err error) *IOError {
	return &IOError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// Protocol creates a ProtocolError.
func Protocol(op string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Err: err}
}

// Integrity creates an IntegrityError.
func Integrity(op string, code int, err error) *IntegrityError {
	return &IntegrityError{Op: op, Code: code, Err: err}
}

// ── Reason codes ─────────────────────────────────────────────────────
//
// Codes are what an OTA client sees in a 500 body ("Failed (-3).").
// They are intentionally coarse.

const (
	CodeGeneric    = -1
	CodeBadRequest = -2
	CodeIncomplete = -3
	CodeWrite      = -4
	CodeFinalize   = -5
	CodeBootTarget = -6
	CodeBusy       = -7
	CodeTooLarge   = -8
)

// Code returns the reason code carried by err, or a code derived from the
// sentinel it wraps.
func Code(err error) int {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Code
	}
	switch {
	case errors.Is(err, ErrTransferBusy):
		return CodeBusy
	case errors.Is(err, ErrIncompleteTransfer):
		return CodeIncomplete
	case errors.Is(err, ErrMalformedRequest):
		return CodeBadRequest
	}
	return CodeGeneric
}

// ── Classification helpers ───────────────────────────────────────────

// IsProtocol reports whether err is a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return ioe.Retryable
	}
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a deadline expiry on a net.Conn or
// an explicit ErrTimeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use ttybridge/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
