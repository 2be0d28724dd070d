package utils

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken  = errors.New("missing access token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidClaims = errors.New("invalid token claims")
)

// AccessClaims is the access token issued by the platform's auth service.
// Subject carries the user id.
type AccessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ValidateAccessToken verifies an HS256 access token and returns its claims.
func ValidateAccessToken(tokenStr string, secret []byte) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// ExtractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter since browsers cannot set headers on a
// WebSocket handshake.
func ExtractToken(r *http.Request) (string, error) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if !strings.HasPrefix(authz, "Bearer ") {
			return "", ErrMissingToken
		}
		if tok := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")); tok != "" {
			return tok, nil
		}
		return "", ErrMissingToken
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}
