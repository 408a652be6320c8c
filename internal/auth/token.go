package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Principal is the already-validated identity attached to every request.
// Identity management itself lives outside this service; the core only
// consumes the result of validation.
type Principal struct {
	UserID string
	Role   string
}

// TokenValidator validates a bearer token and produces a Principal.
type TokenValidator interface {
	ValidateToken(token string) (Principal, error)
}

// ErrInvalidToken is returned for malformed, expired, or mis-signed tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// JWTValidator validates HS256-signed JWTs carrying `sub` and `role` claims.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the given shared secret.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

// ValidateToken parses and verifies the token and extracts the principal.
func (v *JWTValidator) ValidateToken(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, ErrInvalidToken
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = "user"
	}

	return Principal{UserID: sub, Role: role}, nil
}
