package model

import "errors"

var (
	ErrUnknownKind = errors.New("unknown media kind")
)
