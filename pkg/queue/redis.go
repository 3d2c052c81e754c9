// Package queue adapts an external scheduler that publishes due jobs to Redis lists.
//
// Producers push JSON encoded jobs onto the due list. NextJob atomically moves one
// onto the processing list and records a lease deadline; Acknowledge removes it.
// Requeue returns items whose lease ran out so that a crashed worker's job is issued again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/FulgerX2007/visual-reports-app/pkg/config"
	"github.com/FulgerX2007/visual-reports-app/pkg/cron"
	"github.com/FulgerX2007/visual-reports-app/pkg/model"
)

// ErrLeaseLost is returned when the acknowledged item is no longer on the processing list.
var ErrLeaseLost = errors.New("job is no longer leased")

// NewClient returns a connected Redis client.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// RedisSource is a cron.JobSource backed by Redis lists.
type RedisSource struct {
	client   redis.UniversalClient
	prefix   string
	leaseTTL time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

type Option func(*RedisSource)

func WithLogger(l *zap.Logger) Option { return func(s *RedisSource) { s.logger = l } }

func WithLeaseTTL(d time.Duration) Option { return func(s *RedisSource) { s.leaseTTL = d } }

func WithClock(now func() time.Time) Option { return func(s *RedisSource) { s.clock = now } }

func NewRedisSource(client redis.UniversalClient, prefix string, opts ...Option) *RedisSource {
	if prefix == "" {
		prefix = "reports"
	}
	s := &RedisSource{
		client:   client,
		prefix:   prefix,
		leaseTTL: 10 * time.Minute,
		logger:   zap.NewNop(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("redis_jobs")
	return s
}

func (s *RedisSource) dueKey() string        { return s.prefix + ":jobs:due" }
func (s *RedisSource) processingKey() string { return s.prefix + ":jobs:processing" }
func (s *RedisSource) leasesKey() string     { return s.prefix + ":jobs:leases" }
func (s *RedisSource) statusKey(jobID string) string {
	return s.prefix + ":jobs:status:" + jobID
}

// Enqueue publishes a due job.
func (s *RedisSource) Enqueue(ctx context.Context, job *model.ScheduledJob) error {
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = s.clock().UTC()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return s.client.LPush(ctx, s.dueKey(), raw).Err()
}

// NextJob moves the oldest due job to the processing list and leases it.
func (s *RedisSource) NextJob(ctx context.Context) (*model.ScheduledJob, error) {
	raw, err := s.client.LMove(ctx, s.dueKey(), s.processingKey(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, cron.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("move due job: %w", err)
	}

	deadline := s.clock().Add(s.leaseTTL).UnixMilli()
	if err := s.client.ZAdd(ctx, s.leasesKey(), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("record lease: %w", err)
	}

	var job model.ScheduledJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison message: drop it so it does not block the list.
		s.logger.Error("discarding undecodable job", zap.String("payload", raw), zap.Error(err))
		_ = s.release(ctx, raw)
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.Receipt = raw
	return &job, nil
}

// Acknowledge removes the job from processing and records its outcome.
func (s *RedisSource) Acknowledge(ctx context.Context, job *model.ScheduledJob, status model.JobStatus) error {
	removed, err := s.client.LRem(ctx, s.processingKey(), 1, job.Receipt).Result()
	if err != nil {
		return fmt.Errorf("remove processing job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.leasesKey(), job.Receipt)
	pipe.HSet(ctx, s.statusKey(job.JobID),
		"last_status", string(status),
		"last_run_at", strconv.FormatInt(s.clock().UnixMilli(), 10),
		"report_definition_id", job.ReportDefinitionID,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record job status: %w", err)
	}
	if removed == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Requeue returns jobs whose lease expired to the head of the due list. It returns how many moved.
func (s *RedisSource) Requeue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(s.clock().UnixMilli(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.leasesKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	moved := 0
	for _, raw := range expired {
		n, err := s.client.LRem(ctx, s.processingKey(), 1, raw).Result()
		if err != nil {
			return moved, fmt.Errorf("remove expired job: %w", err)
		}
		if n > 0 {
			if err := s.client.RPush(ctx, s.dueKey(), raw).Err(); err != nil {
				return moved, fmt.Errorf("requeue job: %w", err)
			}
			moved++
		}
		if err := s.client.ZRem(ctx, s.leasesKey(), raw).Err(); err != nil {
			return moved, fmt.Errorf("clear lease: %w", err)
		}
	}
	if moved > 0 {
		s.logger.Warn("requeued jobs with expired leases", zap.Int("count", moved))
	}
	return moved, nil
}

// Status returns the recorded outcome of a job, if any.
func (s *RedisSource) Status(ctx context.Context, jobID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.statusKey(jobID)).Result()
}

func (s *RedisSource) release(ctx context.Context, raw string) error {
	if err := s.client.LRem(ctx, s.processingKey(), 1, raw).Err(); err != nil {
		return err
	}
	return s.client.ZRem(ctx, s.leasesKey(), raw).Err()
}
