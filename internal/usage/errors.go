package usage

import "fmt"

// ValidationError reports a malformed query or ingestion argument.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// TimestampParseError reports a stored event time that cannot be parsed.
// Such events are kept by trimming and skipped by aggregation.
type TimestampParseError struct {
	Value string
	Err   error
}

func (e *TimestampParseError) Error() string {
	return fmt.Sprintf("parse event time %q: %v", e.Value, e.Err)
}

func (e *TimestampParseError) Unwrap() error { return e.Err }
