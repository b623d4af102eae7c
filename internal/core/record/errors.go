package record

import "errors"

var (
	ErrResultCountMismatch = errors.New("result count does not match records sent")
	ErrRecordRejected      = errors.New("record rejected by service")
)
