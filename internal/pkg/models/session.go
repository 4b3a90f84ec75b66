package models

// SessionState is the lifecycle state of an account's session handle.
type SessionState string

const (
	SessionAbsent         SessionState = "absent"
	SessionAuthenticating SessionState = "authenticating"
	SessionLive           SessionState = "live"
	SessionStale          SessionState = "stale"
	SessionClosed         SessionState = "closed"
)
