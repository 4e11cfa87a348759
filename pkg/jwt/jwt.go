// Package jwt reads the claims of access tokens issued by the messenger
// server. The client holds no signing key, so signatures are not verified;
// the server remains the authority on validity.
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSubject    = errors.New("token has no subject")
)

// Claims are the fields the client relies on.
type Claims struct {
	jwt.RegisteredClaims
}

// Inspect parses tokenString without verifying its signature.
func Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject returns the user id carried in the token's sub claim.
func Subject(tokenString string) (string, error) {
	claims, err := Inspect(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// Validate returns ErrExpiredToken for a token past its exp claim.
func Validate(tokenString string, now time.Time) (*Claims, error) {
	claims, err := Inspect(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}
