package domain

import (
	"errors"
	"time"
)

// ErrNotActive is returned by Rotate when the predecessor can no longer be redeemed.
var ErrNotActive = errors.New("session is not active")

// State is the lifecycle state of a session as of a given instant.
type State int

const (
	StateActive State = iota
	StateRotated
	StateRevoked
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRotated:
		return "rotated"
	case StateRevoked:
		return "revoked"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RevocationReason records why a session stopped being redeemable.
type RevocationReason string

const (
	ReasonRotation       RevocationReason = "rotation"
	ReasonLogout         RevocationReason = "logout"
	ReasonLogoutAll      RevocationReason = "logout_all"
	ReasonReplay         RevocationReason = "replay"
	ReasonSessionLimit   RevocationReason = "session_limit"
	ReasonAdmin          RevocationReason = "admin"
	ReasonPasswordChange RevocationReason = "password_change"
)

// Session is one refresh-token record. Sessions descending from the same login share FamilyID.
type Session struct {
	ID                   string
	TokenHash            string // one-way hash of the raw refresh token; unique
	UserID               string
	FamilyID             string
	IsRevoked            bool
	IssuedAt             time.Time
	ExpiresAt            time.Time
	LastUsedAt           *time.Time
	CreatedFromIP        string
	CreatedFromUserAgent string
	RevokedAt            *time.Time
	RevocationReason     RevocationReason // empty while active
	ReplacedBy           string           // successor session id after rotation
}

// Client describes where a request came from. Both fields are optional.
type Client struct {
	IP        string
	UserAgent string
}

// Issue carries what is needed to mint a session row: a fresh id and token hash,
// its lifetime and the requesting client.
type Issue struct {
	ID        string
	TokenHash string
	TTL       time.Duration
	Client    Client
}

// Rotation is the result of rotating a session: the predecessor in its revoked
// form and the successor to insert.
type Rotation struct {
	Revoked Session
	Next    Session
}

// Expired reports whether now is at or past ExpiresAt.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// State derives the lifecycle state. Expiry wins over revocation.
func (s *Session) State(now time.Time) State {
	switch {
	case s.Expired(now):
		return StateExpired
	case s.IsRevoked && s.RevocationReason == ReasonRotation:
		return StateRotated
	case s.IsRevoked:
		return StateRevoked
	default:
		return StateActive
	}
}

// New returns the first session of a family.
func New(userID, familyID string, in Issue, now time.Time) Session {
	return Session{
		ID:                   in.ID,
		TokenHash:            in.TokenHash,
		UserID:               userID,
		FamilyID:             familyID,
		IssuedAt:             now,
		ExpiresAt:            now.Add(in.TTL),
		CreatedFromIP:        in.Client.IP,
		CreatedFromUserAgent: in.Client.UserAgent,
	}
}

// Rotate is the refresh transition. It does not touch storage: the caller persists
// both halves of the result in one atomic step. The successor stays in old's family.
func Rotate(old Session, in Issue, now time.Time) (Rotation, error) {
	if old.State(now) != StateActive {
		return Rotation{}, ErrNotActive
	}
	revoked := Revoke(old, ReasonRotation, now)
	revoked.ReplacedBy = in.ID

	next := New(old.UserID, old.FamilyID, in, now)
	return Rotation{Revoked: revoked, Next: next}, nil
}

// Revoke returns s marked revoked with the given reason. Revoking an already revoked
// session keeps its original timestamp and reason.
func Revoke(s Session, reason RevocationReason, now time.Time) Session {
	if s.IsRevoked {
		return s
	}
	s.IsRevoked = true
	s.RevokedAt = &now
	s.RevocationReason = reason
	return s
}
