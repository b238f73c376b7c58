// Package auth validates and issues the HS256 bearer tokens that guard the
// system maintenance endpoints.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultIssuer is the issuer stamped on admin tokens.
	DefaultIssuer = "cookiesync-admin"
	// DefaultAudience is the audience stamped on admin tokens.
	DefaultAudience = "cookiesync-system"
	// RoleAdmin grants access to system endpoints.
	RoleAdmin = "admin"

	bearerPrefix = "Bearer "
)

var (
	ErrMissingSigningKey = errors.New("admin validator: signing key required")
	ErrMissingToken      = errors.New("admin validator: token required")
	ErrInvalidToken      = errors.New("admin validator: invalid token")
	ErrExpiredToken      = errors.New("admin validator: token expired")
	ErrForbiddenRole     = errors.New("admin validator: role not permitted")
)

// AdminClaims is the JWT payload of an admin token.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminValidatorConfig describes how admin tokens are validated.
type AdminValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// AdminValidator validates HS256 admin tokens presented as bearer credentials.
type AdminValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewAdminValidator constructs a validator with the provided configuration.
func NewAdminValidator(cfg AdminValidatorConfig) (*AdminValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AdminValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *AdminValidator) ValidateToken(tokenString string) (AdminClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AdminClaims{}, ErrMissingToken
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrExpiredToken
		}
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AdminClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, ErrInvalidToken
	}
	if claims.Role != RoleAdmin {
		return AdminClaims{}, ErrForbiddenRole
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *AdminValidator) ValidateRequest(r *http.Request) (AdminClaims, error) {
	if r == nil {
		return AdminClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return AdminClaims{}, ErrMissingToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
