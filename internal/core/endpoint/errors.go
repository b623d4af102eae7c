package endpoint

import "errors"

var ErrLocalOnly = errors.New("operation requires a signed-in account")
