package devserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

var (
	// ErrTokenExpired is returned for a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("access token expired")
	// ErrInvalidToken covers every other verification failure.
	ErrInvalidToken = errors.New("invalid access token")
)

// AccessClaims is the identity carried by an access token.
type AccessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// TokenManager issues and verifies PASETO v4.public access tokens.
type TokenManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewTokenManager builds a manager from cfg. An empty secret generates a fresh keypair.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	var secret paseto.V4AsymmetricSecretKey
	if hex := strings.TrimSpace(cfg.PasetoSecretHex); hex != "" {
		s, err := paseto.NewV4AsymmetricSecretKeyFromHex(hex)
		if err != nil {
			return nil, fmt.Errorf("%w: paseto secret: %v", ErrConfig, err)
		}
		secret = s
	} else {
		secret = paseto.NewV4AsymmetricSecretKey()
	}

	return &TokenManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

// PublicKeyHex exports the verification key.
func (m *TokenManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

// Issue signs an access token bound to userID and sessionID.
func (m *TokenManager) Issue(userID, sessionID string, now time.Time) (string, time.Time) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString("uid", userID)
	tok.SetString("sid", sessionID)

	return tok.V4Sign(m.secret, nil), exp
}

// Verify checks signature and issuer first. Only a token that passes both
// and whose exp lies before now is reported as ErrTokenExpired.
func (m *TokenManager) Verify(token string, now time.Time) (AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	// Expiry is judged against the caller's clock below, not the parser's.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	claims := AccessClaims{UserID: uid, SessionID: sid, ExpiresAt: exp, IssuedAt: iat}
	if !now.Add(-m.clockSkew).Before(exp) {
		return claims, ErrTokenExpired
	}
	return claims, nil
}
