package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dynastymap/api/internal/util"
	"github.com/redis/go-redis/v9"
)

const updateRetries = 3

// RedisStore implements Backend on Redis: one hash per entity holding JSON
// records, and one pub/sub channel per entity announcing changes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// recordsKey is the hash holding every record of an entity
func (s *RedisStore) recordsKey(entity Entity) string {
	return s.prefix + "records:" + string(entity)
}

// channel is the pub/sub channel announcing changes to an entity
func (s *RedisStore) channel(entity Entity) string {
	return s.prefix + "changes:" + string(entity)
}

// List returns every record of entity ordered by creation time
func (s *RedisStore) List(ctx context.Context, entity Entity) ([]Record, error) {
	if !entity.Valid() {
		return nil, invalidEntity(entity)
	}
	values, err := s.client.HGetAll(ctx, s.recordsKey(entity)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", entity, err)
	}

	items := make([]Record, 0, len(values))
	for id, raw := range values {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s record %s: %w", entity, id, err)
		}
		items = append(items, rec)
	}
	sortRecords(items)
	return items, nil
}

// Create stores a new record and announces it
func (s *RedisStore) Create(ctx context.Context, entity Entity, fields Fields) (Record, error) {
	if !entity.Valid() {
		return Record{}, invalidEntity(entity)
	}
	now := time.Now().UTC()
	rec := Record{ID: util.NewID(string(entity)), Fields: fields, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s record: %w", entity, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordsKey(entity), rec.ID, data)
		pipe.Publish(ctx, s.channel(entity), rec.ID)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("create %s record: %w", entity, err)
	}
	return rec, nil
}

// Update merges fields into an existing record under WATCH so that
// concurrent updates of the same hash never lose each other's fields
func (s *RedisStore) Update(ctx context.Context, entity Entity, id string, fields Fields) (Record, error) {
	if !entity.Valid() {
		return Record{}, invalidEntity(entity)
	}
	key := s.recordsKey(entity)

	var updated Record
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			return notFound(entity, id)
		}
		if err != nil {
			return fmt.Errorf("read %s record %s: %w", entity, id, err)
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode %s record %s: %w", entity, id, err)
		}
		rec.Fields = rec.Fields.Merge(fields)
		rec.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", entity, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, data)
			pipe.Publish(ctx, s.channel(entity), id)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var backendErrs Errors
			if errors.As(err, &backendErrs) {
				return Record{}, backendErrs
			}
			return Record{}, fmt.Errorf("update %s record %s: %w", entity, id, err)
		}
		return updated, nil
	}
	return Record{}, fmt.Errorf("update %s record %s: %w", entity, id, redis.TxFailedErr)
}

// Observe subscribes to the entity channel and re-lists the entity on every
// announcement
func (s *RedisStore) Observe(ctx context.Context, entity Entity, fn func(Snapshot)) error {
	if !entity.Valid() {
		return invalidEntity(entity)
	}
	pubsub := s.client.Subscribe(ctx, s.channel(entity))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s changes: %w", entity, err)
	}

	emit := func() error {
		items, err := s.List(ctx, entity)
		if err != nil {
			return err
		}
		fn(Snapshot{Items: items, IsSynced: true})
		return nil
	}

	if err := emit(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscribe %s changes: channel closed", entity)
			}
			if err := emit(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
