package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"c3d/models"
)

var _ JobStore = (*RedisStore)(nil)

// Each transition script checks the current status and writes the new one
// inside a single EVAL. On success it returns HGETALL of the job hash; on
// refusal it returns the current status, "lease:<n>" when the caller's lease
// was superseded, or "missing".

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if tonumber(ARGV[1]) > 0 then redis.call('PEXPIREAT', KEYS[1], ARGV[1]) end
return 1
`)

var processingScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= 'pending' and status ~= 'processing' then return status end
redis.call('HSET', KEYS[1], 'status', 'processing', 'started_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HINCRBY', KEYS[1], 'lease', 1)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status == 'completed' and redis.call('HGET', KEYS[1], 'output_location') == ARGV[1] then
	return redis.call('HGETALL', KEYS[1])
end
if status ~= 'processing' then return status end
local lease = redis.call('HGET', KEYS[1], 'lease') or '0'
if lease ~= ARGV[4] then return 'lease:' .. lease end
redis.call('HSET', KEYS[1], 'status', 'completed', 'output_location', ARGV[1],
	'error_message', '', 'error_code', '', 'completed_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status == 'failed' then return redis.call('HGETALL', KEYS[1]) end
if status ~= 'processing' then return status end
local lease = redis.call('HGET', KEYS[1], 'lease') or '0'
if lease ~= ARGV[5] then return 'lease:' .. lease end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error_code', ARGV[1], 'error_message', ARGV[2],
	'output_location', '', 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return redis.call('HGETALL', KEYS[1])
`)

var resetScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status == 'processing' then return status end
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempts', '0', 'output_location', '', 'error_message', '',
	'error_code', '', 'started_at', '', 'completed_at', '', 'updated_at', ARGV[2])
if ARGV[1] ~= '' then redis.call('HSET', KEYS[1], 'target_format', ARGV[1]) end
return redis.call('HGETALL', KEYS[1])
`)

// RedisStore keeps each job in a hash that expires at the job's retention
// horizon. Processing jobs are also indexed in a sorted set by start time.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) processingKey() string {
	return s.prefix + "jobs:processing"
}

func (s *RedisStore) Create(ctx context.Context, job *models.Job) error {
	var expireAt int64
	if !job.ExpiresAt.IsZero() {
		expireAt = job.ExpiresAt.UnixMilli()
	}
	args := []interface{}{expireAt}
	args = append(args, encodeJob(job)...)

	created, err := createScript.Run(ctx, s.client, []string{s.jobKey(job.ID)}, args...).Int()
	if err != nil {
		return models.NewStorageError("create job", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", models.ErrJobExists, job.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, models.NewStorageError("get job", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	job, err := decodeJob(fields)
	if err != nil {
		return nil, models.NewStorageError("decode job", err)
	}
	if job.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return job, nil
}

func (s *RedisStore) MarkProcessing(ctx context.Context, id string) (*models.Job, error) {
	now := s.now()
	return s.transition(ctx, id, "start", 0, processingScript,
		formatTime(&now), now.UnixMilli(), id)
}

func (s *RedisStore) Complete(ctx context.Context, id string, lease int, outputLocation string) (*models.Job, error) {
	now := s.now()
	return s.transition(ctx, id, "complete", lease, completeScript,
		outputLocation, formatTime(&now), id, strconv.Itoa(lease))
}

func (s *RedisStore) Fail(ctx context.Context, id string, lease int, code, message string) (*models.Job, error) {
	now := s.now()
	return s.transition(ctx, id, "fail", lease, failScript,
		code, failureMessage(code, message), formatTime(&now), id, strconv.Itoa(lease))
}

func (s *RedisStore) Reset(ctx context.Context, id, targetFormat string) (*models.Job, error) {
	now := s.now()
	return s.transition(ctx, id, "reset", 0, resetScript, targetFormat, formatTime(&now))
}

func (s *RedisStore) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(startedBefore.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, models.NewStorageError("list stale jobs", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, models.ErrJobNotFound) {
			s.client.ZRem(ctx, s.processingKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status == models.StatusProcessing {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// DeleteExpired only prunes the processing index: the job hashes carry
// their own expiry. It reports how many index entries pointed at evicted jobs.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.client.ZRange(ctx, s.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, models.NewStorageError("scan processing index", err)
	}

	var removed int64
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, s.jobKey(id)).Result()
		if err != nil {
			return removed, models.NewStorageError("scan processing index", err)
		}
		if exists == 0 {
			if err := s.client.ZRem(ctx, s.processingKey(), id).Err(); err != nil {
				return removed, models.NewStorageError("prune processing index", err)
			}
			removed++
		}
	}
	return removed, nil
}

// transition runs script against the job hash. held is the caller's lease,
// only used to report a superseded one.
func (s *RedisStore) transition(ctx context.Context, id, op string, held int, script *redis.Script, args ...interface{}) (*models.Job, error) {
	res, err := script.Run(ctx, s.client, []string{s.jobKey(id), s.processingKey()}, args...).Result()
	if err != nil {
		return nil, models.NewStorageError(op+" job", err)
	}

	switch v := res.(type) {
	case string:
		if v == "missing" {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		if current, ok := strings.CutPrefix(v, "lease:"); ok {
			n, _ := strconv.Atoi(current)
			return nil, leaseError(id, held, n, op)
		}
		if op == "reset" && models.Status(v) == models.StatusProcessing {
			return nil, fmt.Errorf("%w: job %s", models.ErrConversionInProgress, id)
		}
		return nil, transitionError(id, models.Status(v), op)
	case []interface{}:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, models.NewStorageError("decode job", err)
		}
		return job, nil
	default:
		return nil, models.NewStorageError(op+" job", fmt.Errorf("unexpected script reply %T", res))
	}
}

func encodeJob(j *models.Job) []interface{} {
	return []interface{}{
		"job_id", j.ID,
		"status", string(j.Status),
		"source_file_name", j.SourceFileName,
		"source_format", j.SourceFormat,
		"source_location", j.SourceLocation,
		"target_format", j.TargetFormat,
		"output_location", j.OutputLocation,
		"error_message", j.Error,
		"error_code", j.ErrorCode,
		"attempts", strconv.Itoa(j.Attempts),
		"lease", strconv.Itoa(j.Lease),
		"created_at", formatTime(&j.CreatedAt),
		"updated_at", formatTime(&j.UpdatedAt),
		"started_at", formatTime(j.StartedAt),
		"completed_at", formatTime(j.CompletedAt),
		"expires_at", formatTime(&j.ExpiresAt),
	}
}

func decodeJob(f map[string]string) (*models.Job, error) {
	job := &models.Job{
		ID:             f["job_id"],
		Status:         models.Status(f["status"]),
		SourceFileName: f["source_file_name"],
		SourceFormat:   f["source_format"],
		SourceLocation: f["source_location"],
		TargetFormat:   f["target_format"],
		OutputLocation: f["output_location"],
		Error:          f["error_message"],
		ErrorCode:      f["error_code"],
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job hash has no id")
	}

	var err error
	if a := f["attempts"]; a != "" {
		if job.Attempts, err = strconv.Atoi(a); err != nil {
			return nil, fmt.Errorf("attempts: %w", err)
		}
	}
	if l := f["lease"]; l != "" {
		if job.Lease, err = strconv.Atoi(l); err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
	}
	for _, t := range []struct {
		field string
		dst   *time.Time
	}{
		{"created_at", &job.CreatedAt},
		{"updated_at", &job.UpdatedAt},
		{"expires_at", &job.ExpiresAt},
	} {
		parsed, err := parseTime(f[t.field])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.field, err)
		}
		if parsed != nil {
			*t.dst = *parsed
		}
	}
	if job.StartedAt, err = parseTime(f["started_at"]); err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	if job.CompletedAt, err = parseTime(f["completed_at"]); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	return job, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
