package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no automatic transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Failure classes recorded alongside Job.Error.
const (
	CodeUnsupportedConversion = "unsupported_conversion"
	CodeConversionFailed      = "conversion_failed"
	CodeSourceUnavailable     = "source_unavailable"
	CodeAbandoned             = "abandoned"
)

const DefaultTargetFormat = "stl"

type Job struct {
	ID             string     `json:"jobId" db:"job_id"`
	Status         Status     `json:"status" db:"status"`
	SourceFileName string     `json:"sourceFileName" db:"source_file_name"`
	SourceFormat   string     `json:"sourceFormat,omitempty" db:"source_format"`
	SourceLocation string     `json:"sourceLocation" db:"source_location"`
	TargetFormat   string     `json:"targetFormat" db:"target_format"`
	OutputLocation string     `json:"outputLocation,omitempty" db:"output_location"`
	Error          string     `json:"error,omitempty" db:"error_message"`
	ErrorCode      string     `json:"errorCode,omitempty" db:"error_code"`
	// Attempts counts claims since the last reset. Lease counts every claim
	// and names the one allowed to record the outcome.
	Attempts       int        `json:"attempts" db:"attempts"`
	Lease          int        `json:"lease" db:"lease"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
	StartedAt      *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	ExpiresAt      time.Time  `json:"expiresAt" db:"expires_at"`
}

// Validate checks the status/field couplings a stored job must satisfy.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("job %s has unknown status %q", j.ID, j.Status)
	}
	if (j.OutputLocation != "") != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: output location %q inconsistent with status %s", j.ID, j.OutputLocation, j.Status)
	}
	if (j.Error != "") != (j.Status == StatusFailed) {
		return fmt.Errorf("job %s: error %q inconsistent with status %s", j.ID, j.Error, j.Status)
	}
	return nil
}

// Expired reports whether the retention horizon has passed at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.ExpiresAt.IsZero() && !now.Before(j.ExpiresAt)
}

// EffectiveSourceFormat is the explicit source format, or the file
// extension when none was given.
func (j *Job) EffectiveSourceFormat() string {
	if j.SourceFormat != "" {
		return NormalizeFormat(j.SourceFormat)
	}
	return NormalizeFormat(path.Ext(j.SourceFileName))
}

// OutputKey is the deterministic conversions-bucket key for the job result.
func OutputKey(jobID, targetFormat string) string {
	return jobID + "." + NormalizeFormat(targetFormat)
}

// SourceKey namespaces an upload under its job id.
func SourceKey(jobID, fileName string) string {
	return jobID + "/" + fileName
}

// JobIDFromKey returns the leading path segment of an uploads-bucket key.
func JobIDFromKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return ""
}

// NormalizeFormat lower-cases a format name and strips a leading dot.
func NormalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
