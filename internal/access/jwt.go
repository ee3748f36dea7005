package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trellocore/internal/domain"
)

// Claims is the access token body.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	Type     string   `json:"typ,omitempty"`
}

// Verifier checks HMAC-signed bearer tokens.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

func NewVerifier(secret, algorithm string, accessTTL time.Duration) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if algorithm == "" {
		algorithm = "HS256"
	}
	method := jwt.GetSigningMethod(algorithm)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
	return &Verifier{secret: []byte(secret), method: method, ttl: accessTTL, now: time.Now}, nil
}

// Verify parses an access token into a principal. Refresh tokens are
// rejected.
func (v *Verifier) Verify(token string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w: %w", domain.ErrUnauthorized, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Principal{}, fmt.Errorf("token type %q: %w", claims.Type, domain.ErrUnauthorized)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Principal{}, fmt.Errorf("token without subject or tenant: %w", domain.ErrUnauthorized)
	}
	return Principal{UserID: claims.Subject, TenantID: claims.TenantID, Roles: claims.Roles}, nil
}

// Issue signs an access token for p. Token issuance proper belongs to the
// identity service; this is used by tests and local tooling.
func (v *Verifier) Issue(p Principal) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
		TenantID: p.TenantID,
		Roles:    p.Roles,
		Type:     "access",
	}
	return jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
}
