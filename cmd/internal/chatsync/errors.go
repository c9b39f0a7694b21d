package chatsync

import (
	"errors"
	"fmt"
)

// Error kinds. The texts match the server's API error codes.
var (
	// ErrValidation is bad local input (empty message, blank id). Never reaches the network.
	ErrValidation = errors.New("validation_error")
	// ErrDataUnavailable is a failed query, mutation or subscription.
	ErrDataUnavailable = errors.New("data_unavailable")
	// ErrUnauthorized means there is no usable authenticated user.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for unknown conversations.
	ErrNotFound = errors.New("not_found")
)

// OpError is returned by every chatsync operation that fails.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Msg
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// unavailable wraps a transport failure, keeping cause reachable for errors.Is/As
// (context.Canceled, net errors).
func unavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var oe OpError
	if errors.As(cause, &oe) {
		return cause
	}
	return fmt.Errorf("%w: %w", OpError{Op: op, Kind: ErrDataUnavailable}, cause)
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnavailable reports whether err is a data/transport failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrDataUnavailable) }

// IsUnauthorized reports whether err came from the authentication gate.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }
