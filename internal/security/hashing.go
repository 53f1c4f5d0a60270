package security

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash is returned by Compare for hash encodings this package cannot verify.
var ErrUnsupportedHash = errors.New("unsupported secret hash")

// Hasher hashes secrets with bcrypt and verifies bcrypt or argon2id encoded hashes,
// so credentials imported from argon2id stores keep working. Callers must not log
// or persist plaintext secrets.
type Hasher struct {
	Cost int

	dummyOnce sync.Once
	dummy     string
}

// NewHasher returns a Hasher with the given bcrypt cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash produces a bcrypt hash of secret suitable for storage.
func (h *Hasher) Hash(secret []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(secret, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies secret against the stored hash in constant time.
// Returns nil on match.
func (h *Hasher) Compare(hash string, secret []byte) error {
	switch {
	case strings.HasPrefix(hash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(hash), secret)
	case strings.HasPrefix(hash, "$argon2id$"):
		return compareArgon2id(hash, secret)
	default:
		return ErrUnsupportedHash
	}
}

// Verify reports whether secret matches hash.
func (h *Hasher) Verify(secret, hash string) bool {
	return h.Compare(hash, []byte(secret)) == nil
}

// BurnCompare runs a full-cost comparison against a fixed hash and discards the result.
// Used when the principal is unknown so the response time does not reveal it.
func (h *Hasher) BurnCompare(secret string) {
	h.dummyOnce.Do(func() {
		b, err := bcrypt.GenerateFromPassword([]byte("burn-compare-placeholder"), h.Cost)
		if err == nil {
			h.dummy = string(b)
		}
	})
	if h.dummy != "" {
		_ = bcrypt.CompareHashAndPassword([]byte(h.dummy), []byte(secret))
	}
}

// compareArgon2id checks $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt>$<key>.
func compareArgon2id(encoded string, secret []byte) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[2] != "v=19" {
		return ErrUnsupportedHash
	}
	var mem, iter uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return ErrUnsupportedHash
	}
	// Bound attacker-influenced parameters.
	if mem == 0 || mem > 1<<20 || iter == 0 || iter > 16 || par == 0 {
		return ErrUnsupportedHash
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return ErrUnsupportedHash
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil || len(want) < 16 || len(want) > 128 {
		return ErrUnsupportedHash
	}
	got := argon2.IDKey(secret, salt, iter, mem, par, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return nil
}
