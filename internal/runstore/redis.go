package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/checksum"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Run metadata lives in a hash guarded by WATCH for versioned commits,
// persistence nodes in one hash per direction (field = parameter) and locks
// in SET NX keys.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	lockTTL   time.Duration
	lockRetry time.Duration
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "taskruns")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// Lock settings
	LockTTL   time.Duration
	LockRetry time.Duration

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "taskruns",
		TTL:          7 * 24 * time.Hour,
		LockTTL:      30 * time.Second,
		LockRetry:    25 * time.Millisecond,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "taskruns"
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	lockRetry := cfg.LockRetry
	if lockRetry <= 0 {
		lockRetry = 25 * time.Millisecond
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		lockTTL:   lockTTL,
		lockRetry: lockRetry,
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyLock(runID string) string { return fmt.Sprintf("%s:%s:lock", s.prefix, runID) }
func (s *RedisStore) keyTask(taskID string) string {
	return fmt.Sprintf("%s:task:%s", s.prefix, taskID)
}
func (s *RedisStore) keyChecksums() string { return s.prefix + ":checksums" }
func (s *RedisStore) keyNodes(runID string, dir types.Direction) string {
	return fmt.Sprintf("%s:%s:nodes:%s", s.prefix, runID, dir)
}

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyNodes(runID, types.DirectionInput), s.ttl)
	pipe.Expire(ctx, s.keyNodes(runID, types.DirectionOutput), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func metaFields(run *types.Run) map[string]interface{} {
	return map[string]interface{}{
		"id":               run.ID,
		"taskId":           run.TaskID,
		"taskNamespace":    run.TaskNamespace,
		"taskVersion":      run.TaskVersion,
		"state":            string(run.State),
		"secret":           run.Secret,
		"version":          strconv.FormatInt(run.Version, 10),
		"createdAt":        formatTime(&run.CreatedAt),
		"updatedAt":        formatTime(&run.UpdatedAt),
		"lastTransitionAt": formatTime(run.LastStateTransitionAt),
	}
}

func runFromMeta(meta map[string]string) *types.Run {
	run := &types.Run{
		ID:            meta["id"],
		TaskID:        meta["taskId"],
		TaskNamespace: meta["taskNamespace"],
		TaskVersion:   meta["taskVersion"],
		State:         types.RunState(meta["state"]),
		Secret:        meta["secret"],
	}
	run.Version, _ = strconv.ParseInt(meta["version"], 10, 64)
	if t := parseTime(meta["createdAt"]); t != nil {
		run.CreatedAt = *t
	}
	if t := parseTime(meta["updatedAt"]); t != nil {
		run.UpdatedAt = *t
	}
	run.LastStateTransitionAt = parseTime(meta["lastTransitionAt"])
	return run
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, run *types.Run) error {
	if run.Version == 0 {
		run.Version = 1
	}
	created, err := s.client.HSetNX(ctx, s.keyMeta(run.ID), "id", run.ID).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		return ErrRunExists
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(run.ID), metaFields(run))
	pipe.SAdd(ctx, s.keyTask(run.TaskID), run.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, run.ID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return nil
}

// GetRun returns the run.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}
	return runFromMeta(meta), nil
}

// ListRuns returns the runs of a task, or every run when taskID is empty.
func (s *RedisStore) ListRuns(ctx context.Context, taskID string) ([]*types.Run, error) {
	var ids []string
	if taskID != "" {
		members, err := s.client.SMembers(ctx, s.keyTask(taskID)).Result()
		if err != nil {
			return nil, fmt.Errorf("list task runs: %w", err)
		}
		ids = members
	} else {
		pattern := fmt.Sprintf("%s:*:meta", s.prefix)
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, fmt.Errorf("scan runs: %w", err)
			}
			for _, key := range keys {
				id, err := s.client.HGet(ctx, key, "id").Result()
				if err == nil {
					ids = append(ids, id)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	runs := make([]*types.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			continue // expired
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

// CommitState performs a compare-and-swap on the run version.
func (s *RedisStore) CommitState(ctx context.Context, run *types.Run) error {
	key := s.keyMeta(run.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, "version").Result()
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		current, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse run version: %w", err)
		}
		if current != run.Version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]interface{}{
				"state":            string(run.State),
				"updatedAt":        formatTime(&run.UpdatedAt),
				"lastTransitionAt": formatTime(run.LastStateTransitionAt),
				"version":          strconv.FormatInt(current+1, 10),
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("commit run state: %w", err)
	}
	run.Version++
	s.setTTL(ctx, run.ID)
	return nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// keepAlive calls renew every interval until stop is closed or renew
// reports the lock lost.
func keepAlive(stop <-chan struct{}, interval time.Duration, renew func() (bool, error), logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := renew()
			if err != nil {
				logger.Warn("failed to renew run lock", slog.Any("error", err))
				continue
			}
			if !held {
				logger.Warn("run lock lost before release")
				return
			}
		}
	}
}

// Lock acquires a SET NX lock on the run, polling until ctx is done.
// The lock TTL is extended while it is held.
func (s *RedisStore) Lock(ctx context.Context, runID string) (func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	key := s.keyLock(runID)
	token := uuid.NewString()
	ticker := time.NewTicker(s.lockRetry)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	ttl := s.lockTTL.Milliseconds()
	go keepAlive(stop, s.lockTTL/3, func() (bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL/3)
		defer cancel()
		n, err := renewScript.Run(ctx, s.client, []string{key}, token, ttl).Int64()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}, slog.Default().With(slog.String("run_id", runID)))

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("failed to release run lock", slog.String("run_id", runID), slog.Any("error", err))
			}
		})
	}, nil
}

// ReplaceNodes stores a parameter's nodes as one JSON document.
func (s *RedisStore) ReplaceNodes(ctx context.Context, runID string, dir types.Direction, parameter string, nodes []*types.Persistence) error {
	key := s.keyNodes(runID, dir)
	if len(nodes) == 0 {
		if err := s.client.HDel(ctx, key, parameter).Err(); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	if err := s.client.HSet(ctx, key, parameter, data).Err(); err != nil {
		return fmt.Errorf("store nodes: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// ParameterNodes returns the nodes of one parameter.
func (s *RedisStore) ParameterNodes(ctx context.Context, runID string, dir types.Direction, parameter string) ([]*types.Persistence, error) {
	raw, err := s.client.HGet(ctx, s.keyNodes(runID, dir), parameter).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	var nodes []*types.Persistence
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	sortNodes(nodes)
	return nodes, nil
}

// ListNodes returns every node of a direction.
func (s *RedisStore) ListNodes(ctx context.Context, runID string, dir types.Direction) ([]*types.Persistence, error) {
	all, err := s.client.HGetAll(ctx, s.keyNodes(runID, dir)).Result()
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	var out []*types.Persistence
	for parameter, raw := range all {
		var nodes []*types.Persistence
		if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
			return nil, fmt.Errorf("unmarshal nodes of %s: %w", parameter, err)
		}
		out = append(out, nodes...)
	}
	sortNodes(out)
	return out, nil
}

func (s *RedisStore) PutChecksum(ctx context.Context, c *types.Checksum) error {
	if err := s.client.HSet(ctx, s.keyChecksums(), c.Reference, strconv.FormatUint(uint64(c.CRC32), 10)).Err(); err != nil {
		return fmt.Errorf("store checksum: %w", err)
	}
	return nil
}

func (s *RedisStore) GetChecksum(ctx context.Context, reference string) (*types.Checksum, error) {
	raw, err := s.client.HGet(ctx, s.keyChecksums(), reference).Result()
	if errors.Is(err, redis.Nil) {
		return nil, checksum.ErrNotRecorded
	}
	if err != nil {
		return nil, fmt.Errorf("get checksum: %w", err)
	}
	sum, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse checksum: %w", err)
	}
	return &types.Checksum{Reference: reference, CRC32: uint32(sum)}, nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

var (
	_ RunStore       = (*RedisStore)(nil)
	_ checksum.Store = (*RedisStore)(nil)
)
