package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrInvalidConfig        = errors.New("invalid server configuration")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("record belongs to another account")
	ErrInvalidRecord        = errors.New("record needs an id and a collection")
	ErrUnknownLocator       = errors.New("unknown locator")
	ErrUnknownExport        = errors.New("unknown export")
	ErrUnknownAsset         = errors.New("unknown asset")
	ErrPartOutOfRange       = errors.New("part number out of range")
	ErrIncompleteUpload     = errors.New("upload is missing parts")
	ErrFingerprintMismatch  = errors.New("uploaded bytes do not match the fingerprint")
)
