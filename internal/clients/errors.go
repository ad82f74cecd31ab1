package clients

import (
	"errors"
	"fmt"
	"time"
)

// Service names used for metrics, breakers and error mapping
const (
	ServiceCRM   = "crm"
	ServiceAgent = "agent"
)

// TimeoutError means an attempt exceeded its deadline
type TimeoutError struct {
	Service string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out after %s", e.Service, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UnreachableError means the request never got an HTTP response
type UnreachableError struct {
	Service string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s: unreachable: %v", e.Service, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RemoteError carries a non-2xx response
type RemoteError struct {
	Service string
	Status  int
	Body    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error %d: %s", e.Service, e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt
func (e *RemoteError) Retryable() bool { return e.Status >= 500 }

// IsTimeout reports whether err is a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsUnreachable reports whether err is an UnreachableError
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// AsRemote extracts a RemoteError from err
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
