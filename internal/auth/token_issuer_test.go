package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesAdminTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &AdminClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if claims.Role != RoleAdmin {
		t.Fatalf("unexpected role %s", claims.Role)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{TokenTTL: 30 * time.Minute})
	if err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerRejectsEmptySubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueAdminToken(context.Background(), "  "); err == nil {
		t.Fatalf("expected missing subject error")
	}
}

func TestTokenIssuerTokensPassAdminValidation(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	validator, err := NewAdminValidator(AdminValidatorConfig{SigningSecret: []byte("another-secret"), Clock: clock})
	if err != nil {
		t.Fatalf("unexpected validator error: %v", err)
	}

	signed, _, err := issuer.IssueAdminToken(context.Background(), "ops")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
}
