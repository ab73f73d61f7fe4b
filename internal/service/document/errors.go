package document

import "fmt"

// ExtractionError reports a document whose text could not be read.
type ExtractionError struct {
	Name   string
	Format string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s [%s]: %v", e.Name, e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
