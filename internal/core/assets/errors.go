package assets

import "errors"

var (
	ErrAborted         = errors.New("asset upload aborted")
	ErrPartOutOfRange  = errors.New("upload part outside of blob")
	ErrMissingUploader = errors.New("no uploader configured")
)
