package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis"

	"github.com/guimove/fleetfit/internal/model"
)

const scanBatch = 100

// redisEnvelope is the value stored under each instance key.
type redisEnvelope struct {
	Version uint64          `json:"version"`
	Record  json.RawMessage `json:"record"`
}

// RedisStore keeps one key per instance under "<prefix><region>:<address>".
// Creates use SETNX; updates and deletes run in WATCH/MULTI transactions.
// Versions are drawn from one counter per region, so a token is never reused
// when an address is deregistered and registered again.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	counter string
}

// NewRedisStore wraps an existing client. The store owns the client and closes it.
func NewRedisStore(client *redis.Client, keyPrefix, region string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "fleetfit:"
	}
	return &RedisStore{
		client:  client,
		prefix:  keyPrefix + region + ":",
		counter: keyPrefix + region + "#version",
	}
}

func (s *RedisStore) key(address string) string {
	return s.prefix + address
}

// nextVersion returns a fresh version token for the region.
func (s *RedisStore) nextVersion(ctx context.Context) (uint64, error) {
	v, err := s.client.WithContext(ctx).Incr(s.counter).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return uint64(v), nil
}

func (s *RedisStore) Create(ctx context.Context, rec *model.InstanceRecord) (string, error) {
	version, err := s.nextVersion(ctx)
	if err != nil {
		return "", err
	}
	value, err := encodeEnvelope(rec, version)
	if err != nil {
		return "", err
	}
	created, err := s.client.WithContext(ctx).SetNX(s.key(rec.Address), value, 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx: %w", err)
	}
	if !created {
		return "", ErrDuplicateInstance
	}
	return strconv.FormatUint(version, 10), nil
}

func (s *RedisStore) Get(ctx context.Context, address string) (*model.InstanceRecord, error) {
	data, err := s.client.WithContext(ctx).Get(s.key(address)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	rec, _, err := decodeEnvelope(data)
	return rec, err
}

func (s *RedisStore) List(ctx context.Context) ([]*model.InstanceRecord, error) {
	client := s.client.WithContext(ctx)
	var records []*model.InstanceRecord
	var cursor uint64
	for {
		keys, next, err := client.Scan(cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			data, err := client.Get(key).Bytes()
			if err == redis.Nil {
				// deleted between SCAN and GET
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("redis get: %w", err)
			}
			rec, _, err := decodeEnvelope(data)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return records, nil
}

func (s *RedisStore) Update(ctx context.Context, rec *model.InstanceRecord) (string, error) {
	if rec.Version == "" {
		return "", ErrConflict
	}
	next, err := s.nextVersion(ctx)
	if err != nil {
		return "", err
	}
	value, err := encodeEnvelope(rec, next)
	if err != nil {
		return "", err
	}
	err = s.conditional(ctx, rec.Address, rec.Version, func(pipe redis.Pipeliner, key string) {
		pipe.Set(key, value, 0)
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(next, 10), nil
}

func (s *RedisStore) Delete(ctx context.Context, address, version string) error {
	return s.conditional(ctx, address, version, func(pipe redis.Pipeliner, key string) {
		pipe.Del(key)
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// conditional watches the key, checks the stored version and queues write inside
// MULTI/EXEC. A concurrent change to the key aborts EXEC, reported as ErrConflict.
func (s *RedisStore) conditional(ctx context.Context, address, version string, write func(redis.Pipeliner, string)) error {
	key := s.key(address)
	err := s.client.WithContext(ctx).Watch(func(tx *redis.Tx) error {
		data, err := tx.Get(key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		_, current, err := decodeEnvelope(data)
		if err != nil {
			return err
		}
		if strconv.FormatUint(current, 10) != version {
			return ErrConflict
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			write(pipe, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == redis.TxFailedErr:
		return ErrConflict
	case err == ErrNotFound, err == ErrConflict:
		return err
	case err != nil:
		return fmt.Errorf("redis transaction on %s: %w", key, err)
	}
	return nil
}

func encodeEnvelope(rec *model.InstanceRecord, version uint64) ([]byte, error) {
	body, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(redisEnvelope{Version: version, Record: body})
}

func decodeEnvelope(data []byte) (*model.InstanceRecord, uint64, error) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("decoding redis value: %w", err)
	}
	rec, err := decodeRecord(env.Record, strconv.FormatUint(env.Version, 10))
	if err != nil {
		return nil, 0, err
	}
	return rec, env.Version, nil
}
