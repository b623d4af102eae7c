// Package auth tracks the signed-in account and the access tokens that
// identify it to the record service.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// IssueToken signs an HS256 access token for accountID.
func IssueToken(secret []byte, accountID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": accountID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken checks the signature and expiry of token and returns its subject.
func VerifyToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	return subject(parsed)
}

// AccountIDFromToken reads the subject without verifying the signature. The
// client only uses it to scope its cache; the service verifies every request.
func AccountIDFromToken(token string) (string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	return subject(parsed)
}

func subject(token *jwt.Token) (string, error) {
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if sub == "" {
		return "", ErrMissingSubject
	}
	return sub, nil
}
