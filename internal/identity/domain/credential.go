package domain

import (
	"strings"
	"time"
)

// Credential is a principal's stored secret hash and account state.
type Credential struct {
	UserID     string
	Principal  string // login name, normalized by NormalizePrincipal
	SecretHash string
	Enabled    bool
	Role       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NormalizePrincipal trims and lowercases a login name so lookups are case-insensitive.
func NormalizePrincipal(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
