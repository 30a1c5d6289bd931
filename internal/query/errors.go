package query

import (
	"fmt"
	"strings"
)

// SourceNotFoundError reports a query against a source that is not registered.
// Caller-actionable: the message names the unknown source and lists what is
// available.
type SourceNotFoundError struct {
	Source    string
	Available []string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("query: unknown source %q (available: %s)",
		e.Source, strings.Join(e.Available, ", "))
}

// ValidationError reports a query for a known source that violates its schema.
// Carries the complete list of violations, not just the first.
type ValidationError struct {
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("query: invalid query for source %q: %s",
		e.Source, strings.Join(e.Problems, "; "))
}

// ExecutionError reports a failure inside a source's execute path for a query
// that passed validation.
type ExecutionError struct {
	Source string
	Query  StateQuery
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query: source %q failed executing %s: %v", e.Source, e.Query, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
