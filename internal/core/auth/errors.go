package auth

import "errors"

var (
	ErrInvalidToken   = errors.New("invalid access token")
	ErrMissingSubject = errors.New("access token has no subject")
)
