package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps reservations as JSON values under a TTL. SET NX is
// the insert-if-absent primitive; completion and release are guarded by
// the owning request id inside a script so a reclaimed key cannot be
// overwritten by a stale holder.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

type redisRecord struct {
	RequestID    string    `json:"request_id"`
	ResponseData []byte    `json:"response_data,omitempty"`
	Completed    bool      `json:"completed"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

var redisCompleteScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.request_id ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
return 1
`)

var redisReleaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
local rec = cjson.decode(cur)
if rec.request_id ~= ARGV[1] or rec.completed then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Reserve(ctx context.Context, key, requestID string, ttl time.Duration) (ReserveOutcome, Record, error) {
	now := time.Now().UTC()
	payload, err := json.Marshal(redisRecord{
		RequestID: requestID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return ReservePending, Record{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.rdb.SetNX(ctx, s.key(key), payload, ttl).Result()
		if err != nil {
			return ReservePending, Record{}, err
		}
		if ok {
			return ReserveAcquired, Record{}, nil
		}

		rec, found, err := s.Get(ctx, key)
		if err != nil {
			return ReservePending, Record{}, err
		}
		if !found {
			// Expired between SETNX and GET; try again.
			continue
		}
		if rec.Completed {
			return ReserveCompleted, rec, nil
		}
		return ReservePending, rec, nil
	}
	return ReservePending, Record{}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, requestID string, response []byte) error {
	if response == nil {
		response = []byte{}
	}
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotReserved
	}
	payload, err := json.Marshal(redisRecord{
		RequestID:    requestID,
		ResponseData: response,
		Completed:    true,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
	})
	if err != nil {
		return err
	}

	res, err := redisCompleteScript.Run(ctx, s.rdb, []string{s.key(key)}, requestID, payload).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return ErrNotReserved
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, requestID string) error {
	_, err := redisReleaseScript.Run(ctx, s.rdb, []string{s.key(key)}, requestID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var rr redisRecord
	if err := json.Unmarshal(val, &rr); err != nil {
		return Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return Record{
		Key:          key,
		RequestID:    rr.RequestID,
		ResponseData: rr.ResponseData,
		Completed:    rr.Completed,
		CreatedAt:    rr.CreatedAt,
		ExpiresAt:    rr.ExpiresAt,
	}, true, nil
}

// CleanupExpired is a no-op: Redis evicts reservations through key TTLs.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
