package record

import (
	"fmt"
	"strings"
)

// Status is the per-record outcome of a post.
type Status struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Result pairs a status with the record as stored by the service.
type Result struct {
	Status Status  `json:"status"`
	Record *Record `json:"record,omitempty"`
}

// BatchError describes the records of a post that the service rejected.
type BatchError struct {
	Failed map[string]string
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for id, msg := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %s", id, msg))
	}
	return fmt.Sprintf("%d record(s) rejected: %s", len(e.Failed), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() error {
	return ErrRecordRejected
}

// CheckResults verifies that results line up with the sent records and that
// every one succeeded. Rejections are reported as a *BatchError.
func CheckResults(sent []*Record, results []Result) error {
	if len(results) != len(sent) {
		return fmt.Errorf("%w: sent %d, got %d", ErrResultCountMismatch, len(sent), len(results))
	}
	failed := make(map[string]string)
	for i, res := range results {
		if !res.Status.Success {
			msg := res.Status.ErrorMessage
			if msg == "" {
				msg = "unsuccessful"
			}
			failed[sent[i].ID] = msg
		}
	}
	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}
