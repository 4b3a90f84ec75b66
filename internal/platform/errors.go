package platform

import (
	"errors"
	"fmt"
)

// ErrSessionEvicted is returned when the platform invalidates a session because
// the same account logged in elsewhere. The transport surfaces it when any
// response body carries the doubleLogin sentinel; the auth machine surfaces it
// when the eviction dialog appears in the UI.
var ErrSessionEvicted = errors.New("session evicted by concurrent login")

// ErrLineConflict marks an account skipped by line-exclusivity policy.
// It is a local policy rejection, not a platform fault.
var ErrLineConflict = errors.New("line conflicted")

// TransportError is a network-level failure after all candidate hosts were tried.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("transport failure (last host %s): %v", e.Host, e.Err)
	}
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the platform answered but the body did not carry the
// fields the command contract requires. Not retried blindly.
type ProtocolError struct {
	Command string
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %s", e.Command, e.Detail)
}

// AuthenticationFailedError covers bad credentials and locked accounts.
// Surfaced immediately, never retried.
type AuthenticationFailedError struct {
	AccountID string
	Message   string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.AccountID, e.Message)
}

// PasscodeUnresolvableError means no known passcode UI variant was found or the
// platform rejected every candidate code. An operator has to intervene; looping
// will not fix it.
type PasscodeUnresolvableError struct {
	AccountID string
	Stage     string
}

func (e *PasscodeUnresolvableError) Error() string {
	return fmt.Sprintf("passcode unresolvable for %s at stage %s", e.AccountID, e.Stage)
}

// CredentialChangeError reports which sub-step of the forced rotation flow failed.
type CredentialChangeError struct {
	AccountID string
	Step      string // "login_id" or "password"
	Err       error
}

func (e *CredentialChangeError) Error() string {
	return fmt.Sprintf("credential change (%s) failed for %s: %v", e.Step, e.AccountID, e.Err)
}

func (e *CredentialChangeError) Unwrap() error { return e.Err }

// BetRejectedError carries the platform rejection code mapped to a readable
// reason. It is an expected business outcome, not a system fault.
type BetRejectedError struct {
	Code   string
	Reason string
}

func (e *BetRejectedError) Error() string {
	return fmt.Sprintf("bet rejected (code %s): %s", e.Code, e.Reason)
}

// TimeoutError marks a bounded wait that expired before the platform reached
// the expected state.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.Op)
}
