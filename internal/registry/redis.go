package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

const (
	// Key patterns for Redis storage
	taskKeyPrefix  = "task:"
	taskVersionKey = "tasks:versions" // hash namespace@version -> id
	taskIndexKey   = "tasks:all"
)

// RedisRegistry implements TaskRegistry using Redis for persistence.
type RedisRegistry struct {
	client *redis.Client
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password overrides the password of the URL when set
	Password string

	// DB overrides the database of the URL when non-zero
	DB int
}

// NewRedisRegistry creates a new Redis-backed task registry.
func NewRedisRegistry(cfg *RedisConfig) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

// taskKey returns the Redis key for a task.
func taskKey(id string) string {
	return taskKeyPrefix + id
}

// Create registers a new task. The namespace@version claim is taken with
// HSETNX so two concurrent registrations cannot both succeed.
func (r *RedisRegistry) Create(ctx context.Context, task *types.Task) (*types.Task, error) {
	if err := validateTask(task); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	stored := *task
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	claimed, err := r.client.HSetNX(ctx, taskVersionKey, versionKey(task.Namespace, task.Version), stored.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("claim task version: %w", err)
	}
	if !claimed {
		return nil, ErrTaskExists
	}

	// Use transaction to set task and add to index atomically
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, taskKey(stored.ID), data, 0) // No expiration
	pipe.SAdd(ctx, taskIndexKey, stored.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		r.client.HDel(ctx, taskVersionKey, versionKey(task.Namespace, task.Version))
		return nil, fmt.Errorf("create task: %w", err)
	}

	return &stored, nil
}

// Get retrieves a task by ID.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*types.Task, error) {
	data, err := r.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &task, nil
}

// GetByVersion retrieves a task by namespace and version.
func (r *RedisRegistry) GetByVersion(ctx context.Context, namespace, version string) (*types.Task, error) {
	id, err := r.client.HGet(ctx, taskVersionKey, versionKey(namespace, version)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task version: %w", err)
	}
	return r.Get(ctx, id)
}

// Delete removes a task.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	task, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	// Delete task and remove from indexes atomically
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, taskIndexKey, id)
	pipe.HDel(ctx, taskVersionKey, versionKey(task.Namespace, task.Version))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	return nil
}

// List returns all tasks matching the options.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*types.Task, error) {
	// Get all task IDs from the index
	ids, err := r.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}

	if len(ids) == 0 {
		return []*types.Task{}, nil
	}

	var tasks []*types.Task
	for _, id := range ids {
		task, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				// Clean up stale index entry
				r.client.SRem(ctx, taskIndexKey, id)
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return page(tasks, opts), nil
}

// Close releases Redis connection resources.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var _ TaskRegistry = (*RedisRegistry)(nil)
