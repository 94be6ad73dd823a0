package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/workflow-collab/types"
)

const (
	graphPrefix = "graph:"
	taskPrefix  = "task:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
	// taskTTL expires terminal task records; zero keeps them forever.
	taskTTL time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	TaskTTL      time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, taskTTL: opts.TaskTTL}, nil
}

// saveToRedis saves a value to Redis under prefix+id.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix, id string, value interface{}, ttl time.Duration) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %w", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value stored under prefix+id.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveGraph saves a graph snapshot to Redis.
func (s *RedisStorage) SaveGraph(ctx context.Context, workflowID string, g *types.Graph) error {
	return s.saveToRedis(ctx, graphPrefix, workflowID, g, 0)
}

// GetGraph retrieves a graph snapshot from Redis.
func (s *RedisStorage) GetGraph(ctx context.Context, workflowID string) (*types.Graph, error) {
	g, err := getFromRedis[types.Graph](ctx, s.client, graphPrefix, workflowID, ErrGraphNotFound)
	if err != nil {
		return nil, err
	}
	if g.Nodes == nil {
		g.Nodes = make(map[string]types.Node)
	}
	if g.Edges == nil {
		g.Edges = make(map[string]types.Edge)
	}
	return &g, nil
}

// SaveTask saves a task record to Redis. Terminal records get the configured TTL.
func (s *RedisStorage) SaveTask(ctx context.Context, task types.Task) error {
	var ttl time.Duration
	if task.Status.IsTerminal() {
		ttl = s.taskTTL
	}
	return s.saveToRedis(ctx, taskPrefix, task.ID, task, ttl)
}

// GetTask retrieves a task record from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getFromRedis[types.Task](ctx, s.client, taskPrefix, id, ErrTaskNotFound)
}

// DeleteGraph removes a graph snapshot.
func (s *RedisStorage) DeleteGraph(ctx context.Context, workflowID string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, graphPrefix+workflowID).Err(); err != nil {
			return fmt.Errorf("failed to delete graph %s: %w", workflowID, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
