package domain

import "time"

// Kind names a security event.
type Kind string

const (
	KindLoginSuccess   Kind = "login_success"
	KindLoginFailure   Kind = "login_failure"
	KindLoginForbidden Kind = "login_forbidden"
	KindLoginThrottled Kind = "login_throttled"
	KindRefreshSuccess Kind = "refresh_success"
	KindRefreshUnknown Kind = "refresh_unknown"
	KindReplayDetected Kind = "replay_detected"
	KindRefreshExpired Kind = "refresh_expired"
	KindSessionLimit   Kind = "session_limit"
	KindLogout         Kind = "logout"
	KindLogoutAll      Kind = "logout_all"
	KindSecretChanged  Kind = "secret_changed"
)

// Event is one audit record. Only Kind and OccurredAt are always set.
type Event struct {
	ID         string
	Kind       Kind
	UserID     string
	FamilyID   string
	SessionID  string
	IP         string
	UserAgent  string
	Detail     string
	OccurredAt time.Time
}
