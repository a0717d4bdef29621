// Package jobs holds the request-side services: submission, status,
// download grants and explicit re-triggers.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"c3d/blob"
	"c3d/metrics"
	"c3d/models"
	"c3d/store"
)

type SubmitRequest struct {
	FileName     string `json:"fileName"`
	TargetFormat string `json:"targetFormat"`
	SourceFormat string `json:"sourceFormat"`
}

type SubmitResult struct {
	JobID     string `json:"jobId"`
	UploadURL string `json:"uploadUrl"`
}

type SubmitService struct {
	store     store.JobStore
	blobs     blob.Store
	uploadTTL time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewSubmitService(st store.JobStore, blobs blob.Store, uploadTTL, retention time.Duration, logger *slog.Logger) *SubmitService {
	return &SubmitService{
		store:     st,
		blobs:     blobs,
		uploadTTL: uploadTTL,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		newID:     newJobID,
	}
}

// newJobID prefers time-ordered v7 ids.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Submit records a pending job and returns an upload grant for its source.
// The record is written before the grant so a completed upload always has
// a job to attach to.
func (s *SubmitService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	fileName, err := baseFileName(req.FileName)
	if err != nil {
		return nil, err
	}

	target := models.NormalizeFormat(req.TargetFormat)
	if target == "" {
		target = models.DefaultTargetFormat
	}

	now := s.now().UTC()
	id := s.newID()
	job := &models.Job{
		ID:             id,
		Status:         models.StatusPending,
		SourceFileName: fileName,
		SourceFormat:   models.NormalizeFormat(req.SourceFormat),
		SourceLocation: models.SourceKey(id, fileName),
		TargetFormat:   target,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.retention),
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, models.NewStorageError("create job", err)
	}

	url, err := s.blobs.PresignUpload(ctx, job.SourceLocation, s.uploadTTL)
	if err != nil {
		s.logger.Error("failed to issue upload grant", "job_id", id, "error", err)
		return nil, models.NewStorageError("presign upload", err)
	}

	metrics.JobsSubmitted.Inc()
	s.logger.Info("job submitted",
		"job_id", id,
		"file_name", fileName,
		"target_format", target,
	)

	return &SubmitResult{JobID: id, UploadURL: url}, nil
}

// baseFileName strips any directory part a client sent with the name.
func baseFileName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return "", fmt.Errorf("%w: fileName required", models.ErrInvalidRequest)
	}
	base := path.Base(name)
	if base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: invalid fileName %q", models.ErrInvalidRequest, name)
	}
	return base, nil
}
