package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)

// DefaultRedisPrefix namespaces the keys written by Redis.
const DefaultRedisPrefix = "authgate"

// Redis persists tokens as one blob under a single key, so the whole record
// is replaced by one SET.
type Redis struct {
	rdb redis.UniversalClient
	key string
}

// NewRedis returns a store keeping its record at "<prefix>:<record>".
// Empty prefix and record use DefaultRedisPrefix and DefaultRecord.
func NewRedis(rdb redis.UniversalClient, prefix, record string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if record == "" {
		record = DefaultRecord
	}
	return &Redis{rdb: rdb, key: prefix + ":" + record}
}

// Key returns the Redis key holding the record.
func (r *Redis) Key() string {
	return r.key
}

func (r *Redis) Get(ctx context.Context) (AuthTokens, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return AuthTokens{}, nil
	}
	if err != nil {
		return AuthTokens{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Decode(data)
}

func (r *Redis) Save(ctx context.Context, tokens AuthTokens) error {
	if err := tokens.Validate(); err != nil {
		return err
	}

	data, err := Encode(tokens)
	if err != nil {
		return err
	}

	// The refresh token outlives the access token, so the record has no TTL.
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
