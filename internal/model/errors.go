package model

import "fmt"

// RecordError is a single malformed row or a row failing an error-severity rule.
// It is recovered locally: the row is skipped and counted.
type RecordError struct {
	Source    string
	Reference string
	Err       error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s (%s): %v", e.Reference, e.Source, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// SourceError is a whole-source failure. The source is excluded and the run continues.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ResolutionAmbiguity is a group whose natural keys contradict each other.
// It is reported, never fatal.
type ResolutionAmbiguity struct {
	GroupID string
	Note    string
}

func (e *ResolutionAmbiguity) Error() string {
	return fmt.Sprintf("group %s needs review: %s", e.GroupID, e.Note)
}

// BatchWriteError is a load batch that still failed after its retry.
type BatchWriteError struct {
	Batch int
	Err   error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("batch %d: %v", e.Batch, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// RunFailure is fatal: every source failed or the target store is unreachable.
type RunFailure struct {
	Reason string
	Err    error
}

func (e *RunFailure) Error() string {
	if e.Err == nil {
		return "run failed: " + e.Reason
	}
	return fmt.Sprintf("run failed: %s: %v", e.Reason, e.Err)
}

func (e *RunFailure) Unwrap() error { return e.Err }
