package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"c3d/config"
	"c3d/metrics"
	"c3d/models"
	"c3d/store"
	"c3d/trigger"
)

// Handler runs one trigger; *trigger.Handler satisfies it.
type Handler interface {
	Handle(ctx context.Context, t models.Trigger) trigger.Result
}

const (
	staleScanLimit = 100
	maxBackoff     = 30 * time.Second
)

type Pool struct {
	config      *config.Config
	redisClient *redis.Client
	handler     Handler
	store       store.JobStore
	queue       *Queue
	logger      *slog.Logger

	blockTimeout time.Duration
	backoff      func(attempt int) time.Duration
}

func NewPool(cfg *config.Config, redisClient *redis.Client, handler Handler, st store.JobStore, logger *slog.Logger) *Pool {
	return &Pool{
		config:       cfg,
		redisClient:  redisClient,
		handler:      handler,
		store:        st,
		queue:        NewQueue(redisClient, cfg.PendingQueue),
		logger:       logger.With("component", "pool"),
		blockTimeout: 5 * time.Second,
		backoff:      exponentialBackoff,
	}
}

// exponentialBackoff waits 2^attempt seconds, capped at maxBackoff.
func exponentialBackoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.logger.With("worker", workerID)
	log.Info("worker starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		default:
			// Atomic pop from pending and push to processing
			result, err := p.redisClient.BRPopLPush(
				ctx,
				p.config.PendingQueue,
				p.config.ProcessingQueue,
				p.blockTimeout,
			).Result()

			if err == redis.Nil {
				continue
			}

			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("redis error", "error", err)
				sleep(ctx, 5*time.Second)
				continue
			}

			p.processMessage(ctx, log, result)
		}
	}
}

// processMessage runs one message taken from the processing list. Final
// outcomes acknowledge it; retry outcomes re-push it with backoff until
// the retry budget is spent.
func (p *Pool) processMessage(ctx context.Context, log *slog.Logger, raw string) {
	var t models.Trigger
	if err := json.Unmarshal([]byte(raw), &t); err != nil || t.JobID == "" {
		log.Error("dropping malformed trigger", "payload", raw, "error", err)
		p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
		return
	}

	res := p.handler.Handle(ctx, t)
	if res.Final() {
		p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
		return
	}

	if ctx.Err() != nil {
		// leave it on the processing list; recovery re-queues it after restart
		return
	}

	if t.Redeliveries < p.config.MaxRetries {
		retry := t
		retry.Redeliveries++
		retry.EnqueuedAt = time.Now().UTC()
		delay := p.backoff(retry.Redeliveries)

		// the original stays on the processing list until the retry is
		// queued, so a shutdown inside the backoff leaves it for recovery
		time.AfterFunc(delay, func() { p.requeue(log, raw, retry) })
		log.Warn("scheduled retry",
			"job_id", t.JobID,
			"retry", retry.Redeliveries,
			"max_retries", p.config.MaxRetries,
			"delay", delay,
			"error", res.Err,
		)
		return
	}

	p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
	p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
	log.Error("retries exhausted", "job_id", t.JobID, "error", res.Err)
	p.abandon(ctx, log, t.JobID, fmt.Sprintf("gave up after %d retries", p.config.MaxRetries))
}

// requeue swaps a processing-list message for its retry. Recovery may have
// reclaimed the message already; only the caller that removes it re-queues.
func (p *Pool) requeue(log *slog.Logger, raw string, retry models.Trigger) {
	ctx := context.Background()
	removed, err := p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw).Result()
	if err != nil {
		log.Error("failed to schedule retry", "job_id", retry.JobID, "error", err)
		return
	}
	if removed == 0 {
		return
	}
	if err := p.queue.Enqueue(ctx, retry); err != nil {
		log.Error("failed to schedule retry", "job_id", retry.JobID, "error", err)
		return
	}
	metrics.QueueRedeliveries.WithLabelValues("retry").Inc()
}

// abandon marks a job failed once no further delivery will be attempted.
// A job still pending is claimed first so the failure carries a lease.
func (p *Pool) abandon(ctx context.Context, log *slog.Logger, jobID, reason string) {
	log.Error("abandoning job", "job_id", jobID, "reason", reason)
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, models.ErrJobNotFound) {
			log.Error("failed to load job to abandon", "job_id", jobID, "error", err)
		}
		return
	}
	if job.Status.IsTerminal() {
		return
	}
	if job.Status == models.StatusPending {
		if job, err = p.store.MarkProcessing(ctx, jobID); err != nil {
			if !errors.Is(err, models.ErrInvalidTransition) {
				log.Error("failed to claim job to abandon", "job_id", jobID, "error", err)
			}
			return
		}
	}
	if _, err := p.store.Fail(ctx, jobID, job.Lease, models.CodeAbandoned, reason); err != nil &&
		!errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, models.ErrJobNotFound) {
		log.Error("failed to mark job abandoned", "job_id", jobID, "error", err)
	}
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()

	log := p.logger.With("component", "recovery")
	log.Info("starting stale job recovery loop", "interval", p.config.RecoveryInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("recovery shutting down")
			return
		case <-ticker.C:
			p.Recover(ctx)
		}
	}
}

// Recover runs one recovery pass: stale queue messages, stale processing
// jobs, then the retention sweep.
func (p *Pool) Recover(ctx context.Context) {
	log := p.logger.With("component", "recovery")
	p.reclaimStaleMessages(ctx, log)
	p.requeueStaleJobs(ctx, log)

	n, err := p.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		log.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.JobsExpired.Add(float64(n))
		log.Info("deleted expired jobs", "count", n)
	}
}

func (p *Pool) reclaimStaleMessages(ctx context.Context, log *slog.Logger) {
	messages, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		log.Error("failed to get processing queue", "error", err)
		return
	}

	recovered := 0
	for _, raw := range messages {
		var t models.Trigger
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw)
			continue
		}
		if time.Since(t.EnqueuedAt) <= p.config.StaleAfter {
			continue
		}

		// only the caller that removes the message re-queues it
		removed, err := p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw).Result()
		if err != nil || removed == 0 {
			continue
		}

		if t.Redeliveries < p.config.MaxRetries {
			t.Redeliveries++
			t.EnqueuedAt = time.Now().UTC()
			if err := p.queue.Enqueue(ctx, t); err != nil {
				log.Error("failed to re-queue stale message", "job_id", t.JobID, "error", err)
				continue
			}
			metrics.QueueRedeliveries.WithLabelValues("stale").Inc()
			recovered++
		} else {
			p.redisClient.LPush(ctx, p.config.FailedQueue, raw)
			p.abandon(ctx, log, t.JobID, fmt.Sprintf("processing exceeded %s on every delivery", p.config.StaleAfter))
		}
	}

	if recovered > 0 {
		log.Info("recovered stale messages", "count", recovered)
	}
}

// requeueStaleJobs covers triggers lost outside the Redis lists, such as
// arrivals whose worker died mid-conversion.
func (p *Pool) requeueStaleJobs(ctx context.Context, log *slog.Logger) {
	jobs, err := p.store.ListStale(ctx, time.Now().Add(-p.config.StaleAfter), staleScanLimit)
	if err != nil {
		log.Error("failed to list stale jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if job.Attempts > p.config.MaxRetries {
			p.abandon(ctx, log, job.ID, fmt.Sprintf("processing stalled after %d attempts", job.Attempts))
			continue
		}
		err := p.queue.Enqueue(ctx, models.Trigger{
			JobID:  job.ID,
			Origin: models.OriginRecovery,
		})
		if err != nil {
			log.Error("failed to re-queue stale job", "job_id", job.ID, "error", err)
			continue
		}
		metrics.QueueRedeliveries.WithLabelValues("recovery").Inc()
		log.Warn("re-queued stale job", "job_id", job.ID, "attempts", job.Attempts)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
