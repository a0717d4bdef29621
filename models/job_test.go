package models

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{name: "pending", job: Job{ID: "a", Status: StatusPending}},
		{name: "completed with output", job: Job{ID: "a", Status: StatusCompleted, OutputLocation: "a.stl"}},
		{name: "failed with error", job: Job{ID: "a", Status: StatusFailed, Error: "boom"}},
		{name: "completed without output", job: Job{ID: "a", Status: StatusCompleted}, wantErr: true},
		{name: "processing with output", job: Job{ID: "a", Status: StatusProcessing, OutputLocation: "a.stl"}, wantErr: true},
		{name: "failed without error", job: Job{ID: "a", Status: StatusFailed}, wantErr: true},
		{name: "pending with error", job: Job{ID: "a", Status: StatusPending, Error: "stale"}, wantErr: true},
		{name: "unknown status", job: Job{ID: "a", Status: "queued"}, wantErr: true},
		{name: "missing id", job: Job{Status: StatusPending}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEffectiveSourceFormat(t *testing.T) {
	assert.Equal(t, "step", (&Job{SourceFileName: "Part.STEP"}).EffectiveSourceFormat())
	assert.Equal(t, "igs", (&Job{SourceFileName: "part.step", SourceFormat: ".IGS"}).EffectiveSourceFormat())
	assert.Equal(t, "", (&Job{SourceFileName: "README"}).EffectiveSourceFormat())
	assert.Equal(t, "gz", (&Job{SourceFileName: "mesh.stl.gz"}).EffectiveSourceFormat())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "abc/part.step", SourceKey("abc", "part.step"))
	assert.Equal(t, "abc.stl", OutputKey("abc", ".STL"))
	assert.Equal(t, "abc", JobIDFromKey("abc/part.step"))
	assert.Equal(t, "abc", JobIDFromKey("/abc/nested/part.step"))
	assert.Equal(t, "", JobIDFromKey("part.step"))
}

func TestTruncateError(t *testing.T) {
	short := "engine exploded"
	assert.Equal(t, short, TruncateError(short))

	long := strings.Repeat("é", MaxErrorLength+40)
	got := TruncateError(long)
	assert.Equal(t, MaxErrorLength, len([]rune(got)))
}

func TestStorageError(t *testing.T) {
	err := NewStorageError("get job", io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "get job: unexpected EOF", err.Error())

	// already wrapped errors keep their original operation
	again := NewStorageError("outer", err)
	assert.Equal(t, err, again)

	assert.Nil(t, NewStorageError("noop", nil))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestFailureMessage(t *testing.T) {
	transport := errors.New(`Post "http://cad-engine:8000/convert": dial tcp 10.0.0.7:8000: connect: connection refused`)
	assert.Equal(t, "conversion failed", FailureMessage(CodeConversionFailed, transport))

	rejected := WithDetail(fmt.Errorf("%w: cad engine returned 422", ErrUnsupportedConversion), "No shape found")
	assert.Equal(t, "unsupported conversion: No shape found", FailureMessage(CodeUnsupportedConversion, rejected))
	assert.ErrorIs(t, rejected, ErrUnsupportedConversion)
	assert.Contains(t, rejected.Error(), "cad engine returned 422")

	wrapped := fmt.Errorf("step 1: %w", WithDetail(transport, "timed out after 2m0s"))
	assert.Equal(t, "conversion failed: timed out after 2m0s", FailureMessage(CodeConversionFailed, wrapped))

	long := WithDetail(transport, strings.Repeat("x", 2*MaxErrorLength))
	assert.Len(t, FailureMessage(CodeConversionFailed, long), MaxErrorLength)

	assert.Equal(t, "source file unavailable", FailureMessage(CodeSourceUnavailable, nil))
	assert.Nil(t, WithDetail(nil, "unused"))
}
