package mailerr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBusy is returned when a caller refuses to queue behind the single
// in-flight command a connection permits.
var ErrBusy = errors.New("connection busy")

// ConnectionError is a transient network-level failure. It is the only error
// in the taxonomy that is safe to retry with backoff.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError means the server rejected the account's credentials.
// Never retried automatically; the user has to re-enter credentials.
type AuthenticationError struct {
	Account string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Account, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ProtocolError means the server response could not be interpreted. The
// current operation is aborted without touching the mirror.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RecipientFailure records one rejected recipient of a submission
type RecipientFailure struct {
	Address string
	Err     error
}

// RejectedRecipientError reports which recipients the server refused during
// a submission attempt.
type RejectedRecipientError struct {
	Failures []RecipientFailure
}

func (e *RejectedRecipientError) Error() string {
	addrs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		addrs[i] = f.Address
	}
	return fmt.Sprintf("recipients rejected: %s", strings.Join(addrs, ", "))
}

// NotFoundError means a local resource is missing, e.g. credentials that were
// never saved or an attachment path that vanished.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// StoreError means the secret store or the persistent store was unavailable.
// Callers may retry; the condition is surfaced, never swallowed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether an operation that failed with err may be retried.
// Only transient conditions qualify: network-level connection failures and an
// unavailable store. Authentication, protocol, and not-found conditions are
// final for the attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsNotFound reports whether err is a not-found condition
func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr)
}
