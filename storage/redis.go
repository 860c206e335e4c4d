package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	approvalTypePrefix = "approval_type:"
	instancePrefix     = "flow:"
	subjectPrefix      = "flow_subject:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Conditional writes use WATCH/MULTI on the instance key.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
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
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

func instanceKey(id uint64) string { return instancePrefix + strconv.FormatUint(id, 10) }

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a JSON value stored under key.
func getFromRedis[T any](ctx context.Context, c getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveApprovalType saves an approval type to Redis.
func (s *RedisStorage) SaveApprovalType(ctx context.Context, def types.ApprovalType) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal approval type %s: %v", def.ID, err)
		}
		key := approvalTypePrefix + def.ID
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// GetApprovalType retrieves an approval type from Redis.
func (s *RedisStorage) GetApprovalType(ctx context.Context, id string) (types.ApprovalType, error) {
	return getFromRedis[types.ApprovalType](ctx, s.client, approvalTypePrefix+id, ErrApprovalTypeNotFound)
}

// CreateInstance writes the instance and moves the subject pointer to it.
// The subject pointer is watched so two concurrent starts cannot both succeed.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.FlowInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		subjectKey := subjectPrefix + inst.Subject.Ref
		key := instanceKey(inst.ID)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			prevID, err := tx.Get(ctx, subjectKey).Uint64()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("failed to get %s: %v", subjectKey, err)
			default:
				prev, err := getFromRedis[types.FlowInstance](ctx, tx, instanceKey(prevID), ErrInstanceNotFound)
				if err != nil && !errors.Is(err, ErrInstanceNotFound) {
					return err
				}
				if err == nil && prev.Status.IsActive() {
					return fmt.Errorf("%w: subject=%s instance=%d", ErrActiveFlowExists, inst.Subject.Ref, prevID)
				}
			}

			ok, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %v", key, err)
			}
			if ok > 0 {
				return fmt.Errorf("instance %d already exists", inst.ID)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.Set(ctx, subjectKey, inst.ID, 0)
				return nil
			})
			return err
		}, subjectKey)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: subject=%s changed concurrently", ErrActiveFlowExists, inst.Subject.Ref)
		}
		return err
	})
}

// GetInstance retrieves a flow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error) {
	return getFromRedis[types.FlowInstance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
}

// GetLatestBySubject follows the subject pointer to its latest instance.
func (s *RedisStorage) GetLatestBySubject(ctx context.Context, subjectRef string) (types.FlowInstance, error) {
	return withContext(ctx, func() (types.FlowInstance, error) {
		id, err := s.client.Get(ctx, subjectPrefix+subjectRef).Uint64()
		if errors.Is(err, redis.Nil) {
			return types.FlowInstance{}, fmt.Errorf("%w: subject=%s", ErrInstanceNotFound, subjectRef)
		} else if err != nil {
			return types.FlowInstance{}, fmt.Errorf("failed to get subject %s from Redis: %v", subjectRef, err)
		}
		return s.GetInstance(ctx, id)
	})
}

// UpdateInstance replaces the instance if the stored version matches expectedVersion.
func (s *RedisStorage) UpdateInstance(ctx context.Context, inst types.FlowInstance, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		key := instanceKey(inst.ID)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := getFromRedis[types.FlowInstance](ctx, tx, key, ErrInstanceNotFound)
			if err != nil {
				return err
			}
			if cur.Version != expectedVersion {
				return fmt.Errorf("%w: id=%d stored=%d expected=%d", ErrVersionConflict, inst.ID, cur.Version, expectedVersion)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d modified concurrently", ErrVersionConflict, inst.ID)
		}
		return err
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
