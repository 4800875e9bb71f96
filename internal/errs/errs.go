// Package errs defines the closed set of error kinds shared by the signing
// authority components. Components return *Error values; only the transport
// boundary translates a Kind into a wire status.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	Internal Kind = iota
	UnknownRequest
	RequestNotPending
	UnauthorizedApprover
	BadSignature
	DuplicateApproval
	InvalidPayload
	UnsupportedActionType
	MalformedRawSignature
	UnknownUser
	NotReady
	Conflict
	AlreadyExists
	DeviceUnreachable
	DeviceAuth
	DeviceRejected
	StorageUnavailable
	ExecutionAmbiguous
)

func (k Kind) String() string {
	switch k {
	case UnknownRequest:
		return "UNKNOWN_REQUEST"
	case RequestNotPending:
		return "REQUEST_NOT_PENDING"
	case UnauthorizedApprover:
		return "UNAUTHORIZED_APPROVER"
	case BadSignature:
		return "BAD_SIGNATURE"
	case DuplicateApproval:
		return "DUPLICATE_APPROVAL"
	case InvalidPayload:
		return "INVALID_PAYLOAD"
	case UnsupportedActionType:
		return "UNSUPPORTED_ACTION_TYPE"
	case MalformedRawSignature:
		return "MALFORMED_RAW_SIGNATURE"
	case UnknownUser:
		return "UNKNOWN_USER"
	case NotReady:
		return "NOT_READY"
	case Conflict:
		return "CONFLICT"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case DeviceUnreachable:
		return "DEVICE_UNREACHABLE"
	case DeviceAuth:
		return "DEVICE_AUTH"
	case DeviceRejected:
		return "DEVICE_REJECTED"
	case StorageUnavailable:
		return "STORAGE_UNAVAILABLE"
	case ExecutionAmbiguous:
		return "EXECUTION_AMBIGUOUS"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether an operation that failed with this kind may be
// attempted again without operator involvement.
func (k Kind) Retryable() bool {
	switch k {
	case DeviceUnreachable, DeviceAuth, StorageUnavailable, Conflict:
		return true
	default:
		return false
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Internal when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
