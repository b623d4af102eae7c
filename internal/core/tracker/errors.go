package tracker

import "errors"

var (
	ErrUnknownSlide       = errors.New("slide is not part of this document")
	ErrUnknownObject      = errors.New("object is not part of the slide")
	ErrUnsupportedObject  = errors.New("object kind cannot be persisted")
	ErrNotRemovable       = errors.New("object cannot be removed")
	ErrAlreadyPaused      = errors.New("persistence is already paused for slide")
	ErrNotPaused          = errors.New("persistence is not paused for slide")
	ErrSlideRecordMissing = errors.New("service returned no record for slide")
)
