package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionAudience     = "session"
	shareAudiencePrefix = "share:"
)

type Claims struct {
	Email string `json:"email,omitempty"`
	// Grant binds a share token to the password it was issued for.
	Grant string `json:"grant,omitempty"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secret   []byte
	expiry   time.Duration
	shareTTL time.Duration
	issuer   string
	now      func() time.Time
}

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

func NewJWTManager(secret string, expiry, shareTTL time.Duration, issuer string) *JWTManager {
	return &JWTManager{
		secret:   []byte(secret),
		expiry:   expiry,
		shareTTL: shareTTL,
		issuer:   issuer,
		now:      time.Now,
	}
}

// SessionTTL reports how long issued session tokens stay valid.
func (m *JWTManager) SessionTTL() time.Duration {
	return m.expiry
}

// ShareTTL reports how long a share unlock token stays valid.
func (m *JWTManager) ShareTTL() time.Duration {
	return m.shareTTL
}

// Generate issues a session token for a user.
func (m *JWTManager) Generate(userID, email string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	return m.sign(&Claims{Email: email}, userID, sessionAudience, m.expiry)
}

// Validate parses a session token.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	return m.parse(tokenString, sessionAudience)
}

// GenerateShareToken issues a token proving the holder knew the password of
// the share identified by slug. grant fingerprints that password so a new
// password or a public/private round trip revokes the token.
func (m *JWTManager) GenerateShareToken(slug, grant string) (string, time.Time, error) {
	if slug == "" || grant == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	return m.sign(&Claims{Grant: grant}, slug, shareAudiencePrefix+slug, m.shareTTL)
}

// ValidateShareToken checks tokenString against the share slug and returns
// the grant it carries.
func (m *JWTManager) ValidateShareToken(tokenString, slug string) (string, error) {
	claims, err := m.parse(tokenString, shareAudiencePrefix+slug)
	if err != nil {
		return "", err
	}
	if claims.Subject != slug || claims.Grant == "" {
		return "", ErrInvalidToken
	}
	return claims.Grant, nil
}

func (m *JWTManager) sign(claims *Claims, subject, audience string, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (m *JWTManager) parse(tokenString, audience string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithAudience(audience),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func TokenFromHeader(authHeader string) (string, error) {
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}
