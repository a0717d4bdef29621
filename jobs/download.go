package jobs

import (
	"context"
	"fmt"
	"time"

	"c3d/blob"
	"c3d/models"
	"c3d/store"
)

type DownloadGrant struct {
	URL       string    `json:"downloadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type DownloadService struct {
	store store.JobStore
	blobs blob.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewDownloadService(st store.JobStore, blobs blob.Store, ttl time.Duration) *DownloadService {
	return &DownloadService{store: st, blobs: blobs, ttl: ttl, now: time.Now}
}

// Grant issues a time-limited read grant for a completed job's result.
func (s *DownloadService) Grant(ctx context.Context, id string) (*DownloadGrant, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrNotReady, id, job.Status)
	}

	url, err := s.blobs.PresignDownload(ctx, job.OutputLocation, s.ttl)
	if err != nil {
		return nil, models.NewStorageError("presign download", err)
	}
	return &DownloadGrant{URL: url, ExpiresAt: s.now().Add(s.ttl).UTC()}, nil
}
