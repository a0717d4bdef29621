package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"c3d/models"
	"c3d/store"
)

// StatusQueued is reported once an explicit trigger has been enqueued.
const StatusQueued = "queued"

// TriggerQueue delivers triggers to the conversion workers.
type TriggerQueue interface {
	Enqueue(ctx context.Context, t models.Trigger) error
}

type ConvertRequest struct {
	JobID        string `json:"jobId"`
	TargetFormat string `json:"targetFormat"`
}

type ConvertResult struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type ConvertService struct {
	store  store.JobStore
	queue  TriggerQueue
	logger *slog.Logger
	now    func() time.Time
}

func NewConvertService(st store.JobStore, queue TriggerQueue, logger *slog.Logger) *ConvertService {
	return &ConvertService{store: st, queue: queue, logger: logger, now: time.Now}
}

// Convert re-runs a job, optionally with a new target format. A job that
// is still processing is refused.
func (s *ConvertService) Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error) {
	id := strings.TrimSpace(req.JobID)
	if id == "" {
		return nil, fmt.Errorf("%w: jobId required", models.ErrInvalidRequest)
	}

	job, err := s.store.Reset(ctx, id, models.NormalizeFormat(req.TargetFormat))
	if err != nil {
		return nil, err
	}

	trigger := models.Trigger{
		JobID:      job.ID,
		Origin:     models.OriginExplicit,
		EnqueuedAt: s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, trigger); err != nil {
		s.logger.Error("failed to enqueue trigger", "job_id", id, "error", err)
		return nil, models.NewStorageError("enqueue trigger", err)
	}

	s.logger.Info("conversion queued", "job_id", id, "target_format", job.TargetFormat)
	return &ConvertResult{JobID: job.ID, Status: StatusQueued}, nil
}
