package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix     = "inspecta:draft:"
	defaultMutationRetries = 16
)

// RedisRepository keeps drafts in Redis so several API processes share them. Mutations
// use WATCH/MULTI on the establishment key and retry when another writer wins.
type RedisRepository struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// NewRedisRepository connects to the Redis instance at redisURL.
func NewRedisRepository(redisURL string) (*RedisRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisRepositoryWithClient(client), nil
}

// NewRedisRepositoryWithClient wraps an existing client.
func NewRedisRepositoryWithClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client:     client,
		prefix:     defaultRedisPrefix,
		maxRetries: defaultMutationRetries,
	}
}

func (r *RedisRepository) key(id catalog.EstablishmentID) string {
	return r.prefix + id.String()
}

// Load returns the stored snapshot or nil.
func (r *RedisRepository) Load(ctx context.Context, id catalog.EstablishmentID) (*Snapshot, error) {
	payload, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	return decodeSnapshot(payload)
}

// Mutate applies the mutation inside an optimistic transaction on the draft key.
func (r *RedisRepository) Mutate(ctx context.Context, id catalog.EstablishmentID, mutation Mutation) (*Snapshot, bool, error) {
	key := r.key(id)
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var (
			result  *Snapshot
			written bool
		)
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			result, written = nil, false

			var current *Snapshot
			payload, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("load draft: %w", err)
			default:
				current, err = decodeSnapshot(payload)
				if err != nil {
					return err
				}
			}

			next, err := mutation(current)
			if err != nil {
				return err
			}
			if next == nil {
				result = current
				return nil
			}

			encoded, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode draft: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			if err != nil {
				return err
			}
			stored := next.Clone()
			result, written = &stored, true
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return result, written, nil
	}
	return nil, false, fmt.Errorf("%w: establishment %s", ErrContention, id)
}

// Delete removes the establishment's snapshot.
func (r *RedisRepository) Delete(ctx context.Context, id catalog.EstablishmentID) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func decodeSnapshot(payload []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	if snapshot.Items == nil {
		snapshot.Items = Items{}
	}
	return &snapshot, nil
}
