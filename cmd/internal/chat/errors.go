package chat

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire codes).
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid_argument")
	ErrNotFound        = errors.New("not_found")
	ErrInvalidState    = errors.New("invalid_state")
	ErrConflict        = errors.New("conflict")
	ErrPersistence     = errors.New("persistence_failure")
)

// Wire codes returned by Code.
const (
	CodeUnauthorized    = "unauthorized"
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeInvalidState    = "invalid_state"
	CodeConflict        = "conflict"
	CodePersistence     = "persistence_failure"
	CodeInternal        = "internal"
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg is human-readable context and is safe to show to the acting client.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// Errorf builds an OpError of the given kind.
func Errorf(op string, kind error, format string, args ...any) error {
	return OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// persistErr wraps a driver failure as ErrPersistence.
// Context errors and already-classified errors pass through unchanged.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	return OpError{Op: op, Kind: ErrPersistence, Msg: err.Error()}
}

// Code maps any error to a stable wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}

// PublicMessage returns the client-safe message of err.
// Errors without a chat kind never leak their text.
func PublicMessage(err error) string {
	var oe OpError
	if errors.As(err, &oe) {
		if oe.Kind == ErrPersistence {
			return "storage unavailable"
		}
		if oe.Msg != "" {
			return oe.Msg
		}
		return oe.Kind.Error()
	}
	return "internal error"
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
