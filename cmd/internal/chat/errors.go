package chat

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrValidation     = errors.New("validation")
	ErrAuthorization  = errors.New("authorization")
	ErrNotFound       = errors.New("not_found")
	ErrAuthentication = errors.New("authentication")
	ErrStorage        = errors.New("storage")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg may carry human-readable context; never message content.
// Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFoundError reports a conversation or message id that does not resolve.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// MembershipError reports a caller that is not a participant of the conversation.
// Boundaries render it exactly like NotFoundError.
type MembershipError struct {
	Op             string
	ConversationID string
}

func (e MembershipError) Error() string {
	return fmt.Sprintf("%s: %v: not a participant of %s", e.Op, ErrAuthorization, e.ConversationID)
}

func (e MembershipError) Unwrap() error { return ErrAuthorization }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAuthorization reports whether err represents ErrAuthorization (including MembershipError).
func IsAuthorization(err error) bool { return errors.Is(err, ErrAuthorization) }

// IsAuthentication reports whether err represents ErrAuthentication.
func IsAuthentication(err error) bool { return errors.Is(err, ErrAuthentication) }

// IsStorage reports whether err represents ErrStorage.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }

// IsMembership reports whether err is a MembershipError.
func IsMembership(err error) bool {
	var me MembershipError
	return errors.As(err, &me)
}

// isDomain reports errors that must not be retried: taxonomy kinds and cancellation.
func isDomain(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrAuthorization, Msg: msg}
}

// Stable error codes shared by the HTTP and realtime boundaries.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthenticated    = "unauthenticated"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// Code maps err to its boundary code. Membership failures render as not_found so callers cannot
// probe which conversations exist.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CodeInvalidRequest
	case IsAuthentication(err):
		return CodeUnauthenticated
	case IsMembership(err), IsNotFound(err):
		return CodeNotFound
	case IsAuthorization(err):
		return CodeForbidden
	case IsStorage(err):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// PublicMessage returns text about err that is safe to show a client.
func PublicMessage(err error) string {
	code := Code(err)
	switch code {
	case "":
		return ""
	case CodeInvalidRequest, CodeForbidden:
		var oe OpError
		if errors.As(err, &oe) && oe.Msg != "" {
			return oe.Msg
		}
		if code == CodeForbidden {
			return "forbidden"
		}
		return "invalid request"
	case CodeUnauthenticated:
		return "authentication required"
	case CodeNotFound:
		return "not found"
	case CodeStorageUnavailable:
		return "storage unavailable"
	default:
		return "internal error"
	}
}
