package app

import "fmt"

// PendingAnswerError reports that the answer was stored but the next step
// could not be produced. The answer can be resumed with RetryAnswer.
type PendingAnswerError struct {
	AnswerNodeID string
	Err          error
}

func (e *PendingAnswerError) Error() string {
	return fmt.Sprintf("answer %s saved, next step failed: %v", e.AnswerNodeID, e.Err)
}

func (e *PendingAnswerError) Unwrap() error {
	return e.Err
}
