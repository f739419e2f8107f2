package execution

import "fmt"

// Stage names the submission step that failed.
type Stage string

const (
	StageQualify Stage = "qualify"
	StageQuote   Stage = "quote"
	StagePrice   Stage = "price"
	StageSubmit  Stage = "submit"
)

// SubmissionError is the per-symbol failure of an order submission.
type SubmissionError struct {
	Symbol string
	Stage  Stage
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Symbol, e.Stage, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
