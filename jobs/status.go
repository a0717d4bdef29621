package jobs

import (
	"context"
	"time"

	"c3d/models"
	"c3d/store"
)

// StatusView is the client-facing projection of a job.
type StatusView struct {
	JobID        string        `json:"jobId"`
	Status       models.Status `json:"status"`
	FileName     string        `json:"fileName"`
	TargetFormat string        `json:"targetFormat"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	Stale        bool          `json:"stale,omitempty"`
}

type StatusService struct {
	store      store.JobStore
	staleAfter time.Duration
	now        func() time.Time
}

func NewStatusService(st store.JobStore, staleAfter time.Duration) *StatusService {
	return &StatusService{store: st, staleAfter: staleAfter, now: time.Now}
}

// Get reads the job without changing it. Stale marks a processing job that
// has run longer than the recovery threshold.
func (s *StatusService) Get(ctx context.Context, id string) (*StatusView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		JobID:        job.ID,
		Status:       job.Status,
		FileName:     job.SourceFileName,
		TargetFormat: job.TargetFormat,
		Error:        job.Error,
		ErrorCode:    job.ErrorCode,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.Status == models.StatusProcessing && job.StartedAt != nil && s.staleAfter > 0 {
		view.Stale = s.now().Sub(*job.StartedAt) > s.staleAfter
	}
	return view, nil
}
