package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload the automation API authorizes on. Tokens are
// minted by the CMMS core; this service only verifies them.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 bearer token and returns its claims. Tokens
// without an expiry or a tenant, or carrying an unknown role, are rejected
// even when the signature checks out.
func ParseToken(raw string, secret []byte) (*Claims, error) {
	if raw == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.TenantID == "" {
		return nil, errors.New("auth: missing tenant_id")
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, errors.New("auth: unknown role")
	}
	return claims, nil
}
