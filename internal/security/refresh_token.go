package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// RefreshTokenBytes is the number of random bytes in a raw refresh token (256 bits).
const RefreshTokenBytes = 32

// refreshTokenLen is the length of a base64url (unpadded) encoded raw token.
var refreshTokenLen = base64.RawURLEncoding.EncodedLen(RefreshTokenBytes)

// ErrMalformedRefreshToken is returned when a raw refresh token does not have the issued shape.
var ErrMalformedRefreshToken = errors.New("malformed refresh token")

// RefreshCodec generates opaque refresh tokens and derives their storage hashes.
// Only the hash is ever persisted; the raw token leaves the process exactly once.
//
// When a pepper is configured the hash is HMAC-SHA256(token, pepper), otherwise SHA-256(token).
// Changing the pepper invalidates every outstanding refresh token.
type RefreshCodec struct {
	pepper []byte
}

// NewRefreshCodec returns a codec. pepper may be empty.
func NewRefreshCodec(pepper string) *RefreshCodec {
	pepper = strings.TrimSpace(pepper)
	if pepper == "" {
		return &RefreshCodec{}
	}
	return &RefreshCodec{pepper: []byte(pepper)}
}

// Generate returns a new raw refresh token and its hex-encoded hash.
func (c *RefreshCodec) Generate() (raw, hash string, err error) {
	b := make([]byte, RefreshTokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, c.Hash(raw), nil
}

// Hash returns the hex-encoded storage hash of raw.
func (c *RefreshCodec) Hash(raw string) string {
	if len(c.pepper) == 0 {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, c.pepper)
	_, _ = m.Write([]byte(raw))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyFormat rejects anything that could not have been produced by Generate.
// It runs before any store access so junk input never reaches the database.
func (c *RefreshCodec) VerifyFormat(raw string) error {
	if len(raw) != refreshTokenLen {
		return ErrMalformedRefreshToken
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(b) != RefreshTokenBytes {
		return ErrMalformedRefreshToken
	}
	return nil
}

// HashEqual reports whether raw hashes to storedHash, in constant time.
func (c *RefreshCodec) HashEqual(raw, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(c.Hash(raw)), []byte(storedHash)) == 1
}
