package rd

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rdsync/internal/rdid"
)

// ProtocolError reports a violated protocol invariant.
//
// Protocol errors are programming or peer errors that cannot be recovered
// locally: binding an entity twice, receiving a list delta out of order,
// touching an entity off its scheduler. They are raised with panic so the
// offending call stack is preserved. Protocol.HandlePanic, installed as a
// scheduler's panic handler, terminates the protocol on one; Recover
// converts one into an error.
type ProtocolError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Location is the dotted path of the affected entity, if known.
	Location string

	// ID is the affected entity's id, if known.
	ID rdid.RdId
}

// ErrorCode categorizes protocol errors.
type ErrorCode string

const (
	// ErrCodeVersionConflict indicates a list delta arrived with an
	// unexpected version. The replicas have diverged.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodeIndexOutOfRange indicates a received list delta addressed an
	// index the local replica does not have.
	ErrCodeIndexOutOfRange ErrorCode = "INDEX_OUT_OF_RANGE"

	// ErrCodeAlreadyIdentified indicates Identify was called twice.
	ErrCodeAlreadyIdentified ErrorCode = "ALREADY_IDENTIFIED"

	// ErrCodeNullID indicates an entity was identified with, or used
	// while holding, the null id.
	ErrCodeNullID ErrorCode = "NULL_ID"

	// ErrCodeBindState indicates an entity was bound twice, bound before
	// being pre-bound, or bound under an unbound parent.
	ErrCodeBindState ErrorCode = "INVALID_BIND_STATE"

	// ErrCodeWrongScheduler indicates an entity was touched while its
	// scheduler was not active.
	ErrCodeWrongScheduler ErrorCode = "WRONG_SCHEDULER"

	// ErrCodeDuplicateSubscription indicates two entities subscribed to
	// the same id on one wire.
	ErrCodeDuplicateSubscription ErrorCode = "DUPLICATE_SUBSCRIPTION"

	// ErrCodeUnknownContext indicates a message header referenced more
	// contexts than the peer announced.
	ErrCodeUnknownContext ErrorCode = "UNKNOWN_CONTEXT"

	// ErrCodeSerializerConflict indicates two types were registered under
	// one marshaller id.
	ErrCodeSerializerConflict ErrorCode = "SERIALIZER_CONFLICT"

	// ErrCodeUnknownType indicates a polymorphic value whose type has no
	// registered marshaller.
	ErrCodeUnknownType ErrorCode = "UNKNOWN_TYPE"

	// ErrCodeUnknownInternID indicates an intern id with no value.
	ErrCodeUnknownInternID ErrorCode = "UNKNOWN_INTERN_ID"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	switch {
	case e.Location != "" && !e.ID.IsNull():
		return fmt.Sprintf("%s: %s (location=%s, id=%s)", e.Code, e.Message, e.Location, e.ID)
	case e.Location != "":
		return fmt.Sprintf("%s: %s (location=%s)", e.Code, e.Message, e.Location)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// violation panics with a ProtocolError.
func violation(code ErrorCode, location string, id rdid.RdId, format string, args ...any) {
	panic(&ProtocolError{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Location: location,
		ID:       id,
	})
}

// Recover runs fn and returns the ProtocolError it panicked with, if any.
// Other panics propagate.
func Recover(fn func()) (err *ProtocolError) {
	defer func() {
		if r := recover(); r != nil {
			pe, ok := r.(*ProtocolError)
			if !ok {
				panic(r)
			}
			err = pe
		}
	}()
	fn()
	return nil
}

func hasCode(err error, code ErrorCode) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsVersionConflict returns true if the error is a list version conflict.
// Uses errors.As to handle wrapped errors.
func IsVersionConflict(err error) bool {
	return hasCode(err, ErrCodeVersionConflict)
}

// IsIndexOutOfRange returns true if a received list delta had a bad index.
func IsIndexOutOfRange(err error) bool {
	return hasCode(err, ErrCodeIndexOutOfRange)
}

// IsBindStateError returns true if the error is an invalid bind transition.
func IsBindStateError(err error) bool {
	return hasCode(err, ErrCodeBindState)
}

// IsWrongScheduler returns true if the error is a threading violation.
func IsWrongScheduler(err error) bool {
	return hasCode(err, ErrCodeWrongScheduler)
}

// IsTimeout returns true if a synchronous call timed out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// ErrCancelled is returned by calls whose task was cancelled by either side.
var ErrCancelled = errors.New("rd: task cancelled")

// ErrTimeout is matched by every TimeoutError.
var ErrTimeout = errors.New("rd: call timed out")

// ErrNoHandler is the fault reported for calls to an endpoint with no handler.
var ErrNoHandler = errors.New("rd: no handler set")

// TimeoutError reports a synchronous call that did not complete in time.
type TimeoutError struct {
	Location string
	Timeout  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rd: call %s timed out after %s", e.Location, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// FaultError is a handler failure transported from the remote side.
type FaultError struct {
	// TypeName identifies the kind of failure on the remote side.
	TypeName string

	// Message is the failure's message.
	Message string

	// Text is the failure rendered in full, for example with a trace.
	Text string
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	if e.TypeName == "" {
		return e.Message
	}
	return e.TypeName + ": " + e.Message
}

// NewFaultError converts a local handler error into its wire form.
func NewFaultError(err error) *FaultError {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe
	}
	return &FaultError{
		TypeName: fmt.Sprintf("%T", err),
		Message:  err.Error(),
		Text:     fmt.Sprintf("%+v", err),
	}
}
