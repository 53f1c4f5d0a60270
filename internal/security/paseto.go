package security

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoProvider issues and validates PASETO v4.public access tokens (Ed25519).
type PasetoProvider struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

var _ AccessTokenIssuer = (*PasetoProvider)(nil)

// NewPasetoProvider builds a PasetoProvider from a hex-encoded Ed25519 secret key.
// clockSkew widens the validity window on verification to tolerate drift between instances.
func NewPasetoProvider(secretKeyHex, issuer string, ttl, clockSkew time.Duration) (*PasetoProvider, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretKeyHex)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &PasetoProvider{
		issuer:    issuer,
		ttl:       ttl,
		clockSkew: clockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

// TTL returns the access token lifetime.
func (m *PasetoProvider) TTL() time.Duration { return m.ttl }

// PublicKeyHex returns the verification key, for distribution to resource servers.
func (m *PasetoProvider) PublicKeyHex() string {
	return m.public.ExportHex()
}

// IssueAccess signs a v4.public token carrying uid, sid and role claims.
func (m *PasetoProvider) IssueAccess(sessionID, userID, role string, now time.Time) (string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now = now.UTC()
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetJti(jti)
	tok.SetIssuer(m.issuer)
	tok.SetSubject(userID)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	if err := tok.Set("sid", sessionID); err != nil {
		return "", time.Time{}, err
	}
	if role != "" {
		if err := tok.Set("role", role); err != nil {
			return "", time.Time{}, err
		}
	}
	return tok.V4Sign(m.secret, nil), exp, nil
}

// ValidateAccess verifies signature, issuer and time claims as of now (+clock skew).
func (m *PasetoProvider) ValidateAccess(token string, now time.Time) (*AccessIdentity, error) {
	// Fresh parser per call; rules accumulate on a shared parser.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ValidAt(now.Add(m.clockSkew)))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	exp, err := parsed.GetExpiration()
	if err != nil || !now.Before(exp) {
		return nil, ErrInvalidToken
	}
	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return nil, ErrInvalidToken
	}
	role, _ := parsed.GetString("role")
	jti, _ := parsed.GetJti()
	iat, _ := parsed.GetIssuedAt()
	return &AccessIdentity{
		TokenID:   jti,
		UserID:    sub,
		SessionID: sid,
		Role:      role,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}
