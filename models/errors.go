package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when required client input is missing or malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrJobNotFound is returned when a job id has no record, including expired records.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job whose id is already taken.
	ErrJobExists = errors.New("job already exists")

	// ErrNotReady is returned when a download is requested before the job completed.
	ErrNotReady = errors.New("job is not completed")

	// ErrConversionInProgress is returned when a re-trigger targets a processing job.
	ErrConversionInProgress = errors.New("conversion already in progress")

	// ErrInvalidTransition is returned when a conditional status write does not apply.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUnsupportedConversion is returned when no conversion path exists for a format pair.
	ErrUnsupportedConversion = errors.New("unsupported conversion")

	// ErrConversionFailed is returned when the engine fails on a supported pair.
	ErrConversionFailed = errors.New("conversion failed")

	// ErrSourceUnavailable is returned when the uploaded source is missing or unreadable.
	ErrSourceUnavailable = errors.New("source file unavailable")

	// ErrStorage marks Job Store and Blob Store I/O failures.
	ErrStorage = errors.New("storage failure")
)

// MaxErrorLength bounds the error detail persisted on a failed job.
const MaxErrorLength = 256

// StorageError wraps a collaborator I/O failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// NewStorageError wraps err as a StorageError unless it is nil or already one.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// TruncateError bounds msg to MaxErrorLength runes.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength])
}

// DetailError attaches a client-safe detail to an error. Error() keeps the
// full chain for logs; FailureMessage only exposes Detail.
type DetailError struct {
	Detail string
	Err    error
}

func (e *DetailError) Error() string {
	return e.Err.Error()
}

func (e *DetailError) Unwrap() error {
	return e.Err
}

// WithDetail marks detail as safe to show on the job status.
func WithDetail(err error, detail string) error {
	if err == nil {
		return nil
	}
	return &DetailError{Detail: detail, Err: err}
}

var failureSummaries = map[string]string{
	CodeUnsupportedConversion: "unsupported conversion",
	CodeConversionFailed:      "conversion failed",
	CodeSourceUnavailable:     "source file unavailable",
	CodeAbandoned:             "conversion abandoned",
}

// FailureMessage builds the stored job error: the summary for code plus the
// outermost detail in err's chain, when there is one.
func FailureMessage(code string, err error) string {
	summary, ok := failureSummaries[code]
	if !ok {
		summary = "conversion failed"
	}

	var de *DetailError
	if errors.As(err, &de) && de.Detail != "" {
		return TruncateError(summary + ": " + de.Detail)
	}
	return summary
}
