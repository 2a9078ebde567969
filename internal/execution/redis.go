package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"porter/internal/auth"
	"porter/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix = "porter:execution:"
	redisIndexKey  = "porter:executions"
	maxWatchTries  = 3
)

// consumeScript reads and deletes a context in one step so that only one
// of several racing callers receives it
var consumeScript = redis.NewScript(`
	local data = redis.call('GET', KEYS[1])
	if not data then
		return false
	end
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	return data
`)

// RedisStore shares execution contexts between processes through Redis
type RedisStore struct {
	base
	rdb *redis.Client
}

// NewRedisStore creates a store on an existing Redis client
func NewRedisStore(rdb *redis.Client, signer *auth.CallbackSigner, opts ...Option) *RedisStore {
	return &RedisStore{
		base: newBase(signer, "execution-store", opts),
		rdb:  rdb,
	}
}

func redisKey(executionID string) string {
	return redisKeyPrefix + executionID
}

// Open checks connectivity
func (s *RedisStore) Open(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

// Create implements Store
func (s *RedisStore) Create(ctx context.Context, in CreateInput) (*model.ExecutionContext, error) {
	c, err := s.newContext(in)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(c.ExecutionID), data, 0)
		pipe.SAdd(ctx, redisIndexKey, c.ExecutionID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store execution: %w", err)
	}
	return c, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	raw, err := s.rdb.Get(ctx, redisKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeContext(raw)
}

// Consume implements Store
func (s *RedisStore) Consume(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	result, err := consumeScript.Run(ctx, s.rdb, []string{redisKey(executionID), redisIndexKey}, executionID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to execute consume script: %w", err)
	}

	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from Redis")
	}
	c, err := decodeContext([]byte(raw))
	if err != nil {
		return nil, err
	}
	if err := checkConsumable(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Remove implements Store
func (s *RedisStore) Remove(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	return s.Consume(ctx, executionID)
}

// ListOlderThan implements Store
func (s *RedisStore) ListOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error) {
	return s.list(ctx, s.cutoff(maxAge), isStaleLaunched)
}

// ListPendingOlderThan implements Store
func (s *RedisStore) ListPendingOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error) {
	return s.list(ctx, s.cutoff(maxAge), isStalePending)
}

func (s *RedisStore) list(ctx context.Context, cutoff time.Time, match func(*model.ExecutionContext, time.Time) bool) ([]*model.ExecutionContext, error) {
	ids, err := s.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}

	var out []*model.ExecutionContext
	var missing []interface{}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		c, err := decodeContext([]byte(raw))
		if err != nil {
			s.log.WithError(err).WithField("execution_id", ids[i]).Warn("Skipping undecodable execution")
			continue
		}
		if match(c, cutoff) {
			out = append(out, c)
		}
	}
	if len(missing) > 0 {
		if err := s.rdb.SRem(ctx, redisIndexKey, missing...).Err(); err != nil {
			s.log.WithError(err).Warn("Failed to prune execution index")
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkTerminal implements Store
func (s *RedisStore) MarkTerminal(ctx context.Context, executionID string, status model.TaskStatus) error {
	return s.mutate(ctx, executionID, func(c *model.ExecutionContext) error {
		return markTerminal(c, status)
	})
}

// AttachJobID implements Store
func (s *RedisStore) AttachJobID(ctx context.Context, executionID, jobID string) error {
	return s.mutate(ctx, executionID, func(c *model.ExecutionContext) error {
		return attach(c, jobID)
	})
}

// mutate applies a read-modify-write under WATCH, retrying when another
// writer touched the key in between
func (s *RedisStore) mutate(ctx context.Context, executionID string, apply func(*model.ExecutionContext) error) error {
	key := redisKey(executionID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		c, err := decodeContext(raw)
		if err != nil {
			return err
		}
		if err := apply(c); err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetXX(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchTries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("execution %s: concurrent update, giving up", executionID)
}

func decodeContext(raw []byte) (*model.ExecutionContext, error) {
	var c model.ExecutionContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &c, nil
}
