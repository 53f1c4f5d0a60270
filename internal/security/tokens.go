package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when an access token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// AccessIdentity is what a verified access token asserts.
type AccessIdentity struct {
	TokenID   string
	UserID    string
	SessionID string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessTokenIssuer issues and validates short-lived access tokens.
// Implementations are stateless; revocation is enforced through the refresh token only.
type AccessTokenIssuer interface {
	IssueAccess(sessionID, userID, role string, now time.Time) (token string, expiresAt time.Time, err error)
	ValidateAccess(token string, now time.Time) (*AccessIdentity, error)
	TTL() time.Duration
}

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
}

// TokenProvider issues and validates JWT access tokens using RS256, ES256 or EdDSA.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
}

var _ AccessTokenIssuer = (*TokenProvider)(nil)

// NewTokenProvider returns a TokenProvider that signs with the given private key.
// issuer and audience are set on claims and enforced on validation.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
	}
}

// TTL returns the access token lifetime.
func (p *TokenProvider) TTL() time.Duration { return p.accessTTL }

// IssueAccess issues a short-lived access JWT bound to the given session.
func (p *TokenProvider) IssueAccess(sessionID, userID, role string, now time.Time) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now = now.UTC()
	expiresAt := now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Role:      role,
	}
	method, err := p.method()
	if err != nil {
		return "", time.Time{}, err
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (p *TokenProvider) method() (jwt.SigningMethod, error) {
	if m := signingMethod(p.privateKey.Public()); m != nil {
		return m, nil
	}
	return nil, ErrInvalidKey
}

// ValidateAccess parses and validates the access token (signature, exp, nbf, iss, aud) as of now.
func (p *TokenProvider) ValidateAccess(tokenString string, now time.Time) (*AccessIdentity, error) {
	method, err := p.method()
	if err != nil {
		return nil, err
	}
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return p.publicKey, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	id := &AccessIdentity{
		TokenID:   claims.ID,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Role:      claims.Role,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
