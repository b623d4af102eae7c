package store

import "errors"

var (
	ErrUnknownDocument  = errors.New("unknown document")
	ErrCannotDelete     = errors.New("document cannot be deleted")
	ErrNotAuthenticated = errors.New("operation requires a signed-in account")
	ErrRequestFailed    = errors.New("the network request failed")
	ErrImportEmpty      = errors.New("import returned no document record")
	ErrInvalidSortType  = errors.New("invalid sort type")
)
