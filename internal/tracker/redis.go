// Package tracker records job progress in Redis so that other processes can
// see what a datafeed run is doing.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

// KeyPrefix is prepended to the task ID to form the job hash key.
const KeyPrefix = "datafeeds:job:"

// StatusRunning is stored while a job is in progress.
const StatusRunning = "RUNNING"

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
	// TTL is how long a job hash is kept after it was last written.
	TTL time.Duration
}

// NewClient creates a Redis client and checks the connection.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Redis is a datafeed.Tracker backed by one hash per task.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis returns a tracker writing through client. A zero ttl keeps job hashes forever.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// Key returns the hash key of a task.
func Key(taskID string) string {
	return KeyPrefix + taskID
}

// Start writes the RUNNING record of a job.
func (r *Redis) Start(ctx context.Context, job datafeed.JobRecord) error {
	started := job.StartedAt
	if started.IsZero() {
		started = r.now()
	}
	return r.write(ctx, job.TaskID, map[string]any{
		"status":     StatusRunning,
		"datasource": job.Datasource,
		"account":    job.AccountID,
		"meters":     strings.Join(job.MeterIDs, ","),
		"start":      job.Range.Start.Format(time.DateOnly),
		"end":        job.Range.End.Format(time.DateOnly),
		"started_at": started.UTC().Format(time.RFC3339),
	})
}

// Finish writes the final status of a job and the error that ended it, if any.
func (r *Redis) Finish(ctx context.Context, taskID string, status datafeed.Status, runErr error) error {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	return r.write(ctx, taskID, map[string]any{
		"status":      status.String(),
		"finished_at": r.now().UTC().Format(time.RFC3339),
		"error":       errText,
	})
}

// Get returns the stored fields of a task.
func (r *Redis) Get(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, Key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", taskID, err)
	}
	return fields, nil
}

func (r *Redis) write(ctx context.Context, taskID string, fields map[string]any) error {
	if taskID == "" {
		return errors.New("task id is required")
	}
	key := Key(taskID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write job %s: %w", taskID, err)
	}
	return nil
}
