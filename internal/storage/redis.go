package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tonal-labs/cantata/pkg/api"
)

// RedisStore persists compositions in Redis. Key structure:
//
//	<prefix>:composition:<id>  => JSON composition
//	<prefix>:compositions      => SET of all composition IDs
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed composition store. An empty
// prefix defaults to "cantata"
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "cantata"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) LoadComposition(
	ctx context.Context, id api.CompositionID,
) (*api.Composition, error) {
	data, err := s.client.Get(ctx, s.keyComposition(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	var comp api.Composition
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, err
	}
	return &comp, nil
}

func (s *RedisStore) SaveComposition(
	ctx context.Context, comp *api.Composition,
) error {
	if comp.ID == "" {
		return ErrIDEmpty
	}
	data, err := json.Marshal(comp)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyComposition(comp.ID), data, 0)
	pipe.SAdd(ctx, s.keyIndex(), string(comp.ID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListCompositions(
	ctx context.Context, status api.CompositionStatus,
) ([]*api.Composition, error) {
	ids, err := s.client.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.Composition
	for _, id := range ids {
		comp, err := s.LoadComposition(ctx, api.CompositionID(id))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Index entry without payload; skip the stale ID
				continue
			}
			return nil, err
		}
		if status != "" && comp.Status != status {
			continue
		}
		res = append(res, comp)
	}
	sortCompositions(res)
	return res, nil
}

func (s *RedisStore) DeleteComposition(
	ctx context.Context, id api.CompositionID,
) error {
	deleted, err := s.client.Del(ctx, s.keyComposition(id)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.client.SRem(ctx, s.keyIndex(), string(id)).Err()
}

func (s *RedisStore) keyComposition(id api.CompositionID) string {
	return s.prefix + ":composition:" + string(id)
}

func (s *RedisStore) keyIndex() string {
	return s.prefix + ":compositions"
}
