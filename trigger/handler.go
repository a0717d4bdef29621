// Package trigger advances one job from pending to a terminal state when
// its source arrives or a re-run is requested.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"c3d/blob"
	"c3d/engine"
	"c3d/metrics"
	"c3d/models"
	"c3d/store"
)

type Outcome string

const (
	OutcomeNotFound  Outcome = "not_found"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
)

// Result reports what one invocation did. Err carries the cause for
// failed and retry outcomes.
type Result struct {
	Outcome Outcome
	Err     error
}

// Final reports whether the delivery can be acknowledged.
func (r Result) Final() bool {
	return r.Outcome != OutcomeRetry
}

type Options struct {
	ScratchDir string
	Timeout    time.Duration
	Tolerances engine.Tolerances
}

type Handler struct {
	store  store.JobStore
	blobs  blob.Store
	engine engine.Engine
	opts   Options
	logger *slog.Logger
}

func NewHandler(st store.JobStore, blobs blob.Store, eng engine.Engine, opts Options, logger *slog.Logger) *Handler {
	if opts.Tolerances == (engine.Tolerances{}) {
		opts.Tolerances = engine.DefaultTolerances
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &Handler{store: st, blobs: blobs, engine: eng, opts: opts, logger: logger}
}

// Handle runs one trigger to completion. It is safe to call concurrently
// and repeatedly for the same job: the outcome is only written under the
// lease this call took, and the output key is deterministic.
func (h *Handler) Handle(ctx context.Context, t models.Trigger) (res Result) {
	log := h.logger.With("job_id", t.JobID, "origin", t.Origin)
	start := time.Now()
	var lease int

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling trigger", "panic", r)
			cause := models.WithDetail(fmt.Errorf("%w: panic: %v", models.ErrConversionFailed, r), "internal error")
			if lease == 0 {
				res = Result{Outcome: OutcomeRetry, Err: cause}
			} else {
				res = h.fail(ctx, log, t.JobID, lease, models.CodeConversionFailed, cause)
			}
		}
		metrics.TriggerOutcomes.WithLabelValues(string(t.Origin), string(res.Outcome)).Inc()
		log.Info("trigger handled",
			"outcome", res.Outcome,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	return h.handle(ctx, log, t, &lease)
}

// handle stores the lease it takes in *lease so a recovered panic can
// still record the failure.
func (h *Handler) handle(ctx context.Context, log *slog.Logger, t models.Trigger, lease *int) Result {
	job, err := h.store.Get(ctx, t.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		log.Warn("trigger for unknown job")
		return Result{Outcome: OutcomeNotFound, Err: err}
	}
	if err != nil {
		log.Error("failed to read job", "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	if job.Status.IsTerminal() {
		return Result{Outcome: OutcomeSkipped}
	}
	if t.Origin == models.OriginArrival && t.SourceKey != "" && t.SourceKey != job.SourceLocation {
		log.Warn("arrival does not match job source", "key", t.SourceKey, "source_location", job.SourceLocation)
		return Result{Outcome: OutcomeIgnored}
	}

	job, err = h.store.MarkProcessing(ctx, t.JobID)
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		return Result{Outcome: OutcomeSkipped}
	case errors.Is(err, models.ErrJobNotFound):
		return Result{Outcome: OutcomeNotFound, Err: err}
	case err != nil:
		log.Error("failed to mark job processing", "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	*lease = job.Lease

	source := job.EffectiveSourceFormat()
	target := models.NormalizeFormat(job.TargetFormat)
	if target == "" {
		target = models.DefaultTargetFormat
	}
	log = log.With("source_format", source, "target_format", target, "attempt", job.Attempts, "lease", job.Lease)

	plan, err := h.engine.Plan(source, target)
	if err != nil {
		return h.fail(ctx, log, job.ID, job.Lease, models.CodeUnsupportedConversion, err)
	}
	log.Debug("conversion planned", "plan", plan.String())

	scratch, err := os.MkdirTemp(h.opts.ScratchDir, "c3d-"+job.ID+"-*")
	if err != nil {
		log.Error("failed to create scratch directory", "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	defer os.RemoveAll(scratch)

	sourcePath := filepath.Join(scratch, "source."+source)
	outputPath := filepath.Join(scratch, "output."+target)

	if err := h.blobs.Download(ctx, job.SourceLocation, sourcePath); err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return h.fail(ctx, log, job.ID, job.Lease, models.CodeSourceUnavailable,
				fmt.Errorf("%w: %s", models.ErrSourceUnavailable, job.SourceLocation))
		}
		log.Error("failed to download source", "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}

	convCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	convStart := time.Now()
	err = h.engine.Convert(convCtx, engine.Request{
		SourcePath:   sourcePath,
		OutputPath:   outputPath,
		SourceFormat: source,
		TargetFormat: target,
		Tolerances:   h.opts.Tolerances,
	})
	metrics.ConversionDuration.WithLabelValues(source, target).Observe(time.Since(convStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; leave the job processing for redelivery
			return Result{Outcome: OutcomeRetry, Err: ctx.Err()}
		}
		if errors.Is(convCtx.Err(), context.DeadlineExceeded) {
			detail := fmt.Sprintf("timed out after %s", h.opts.Timeout)
			err = models.WithDetail(fmt.Errorf("%w: %s", models.ErrConversionFailed, detail), detail)
		}
		return h.fail(ctx, log, job.ID, job.Lease, failureCode(err), err)
	}

	outputKey := models.OutputKey(job.ID, target)
	if err := h.blobs.Upload(ctx, outputPath, outputKey, blob.ContentType(target)); err != nil {
		log.Error("failed to upload result", "key", outputKey, "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}

	if _, err := h.store.Complete(ctx, job.ID, job.Lease, outputKey); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Warn("job moved on under a newer claim", "error", err)
			return Result{Outcome: OutcomeSkipped}
		}
		log.Error("failed to mark job completed", "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}

	log.Info("conversion completed", "output_location", outputKey)
	return Result{Outcome: OutcomeCompleted}
}

// fail records cause on the job under lease. The full cause is logged;
// the job only keeps its client-safe summary. When the write itself fails
// the delivery is retried.
func (h *Handler) fail(ctx context.Context, log *slog.Logger, id string, lease int, code string, cause error) Result {
	log.Error("conversion failed", "error_code", code, "error", cause)

	if _, err := h.store.Fail(ctx, id, lease, code, models.FailureMessage(code, cause)); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return Result{Outcome: OutcomeSkipped, Err: cause}
		}
		log.Error("failed to record job failure", "error", err)
		return Result{Outcome: OutcomeRetry, Err: errors.Join(cause, err)}
	}
	return Result{Outcome: OutcomeFailed, Err: cause}
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, models.ErrUnsupportedConversion):
		return models.CodeUnsupportedConversion
	case errors.Is(err, models.ErrSourceUnavailable):
		return models.CodeSourceUnavailable
	default:
		return models.CodeConversionFailed
	}
}
