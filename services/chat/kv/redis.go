// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection pool.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// NewRedisClient builds a pooled client shared by every Redis consumer in
// the process (session store, idempotency, rate limiter, event stream).
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Redis is a Store on top of go-redis.
//
// # Description
//
// Update uses WATCH/MULTI/EXEC: the key is watched, read, mutated locally
// and written inside a transaction that Redis aborts if the key changed.
// An aborted transaction surfaces as ErrConflict.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is pooled.
type Redis struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedis wraps an existing client. Close does not close a shared client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// OpenRedis creates a client from cfg and owns it.
func OpenRedis(cfg RedisConfig) *Redis {
	return &Redis{client: NewRedisClient(cfg), owned: true}
}

// mutationError carries a Mutation's error through the WATCH callback.
type mutationError struct {
	err error
}

func (e *mutationError) Error() string { return e.err.Error() }

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, datatypes.Unavailable("redis get", err)
	}
	return val, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, redisTTL(ttl)).Err(); err != nil {
		return datatypes.Unavailable("redis set", err)
	}
	return nil
}

// Update implements Store.
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn Mutation) error {
	txf := func(tx *redis.Tx) error {
		found := true
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			cur = nil
		} else if err != nil {
			return err
		}

		next, err := fn(cur, found)
		if err != nil {
			return &mutationError{err: err}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, redisTTL(ttl))
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if err == nil {
		return nil
	}

	var merr *mutationError
	switch {
	case errors.As(err, &merr):
		return merr.err
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return datatypes.Unavailable("redis update", err)
	}
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return datatypes.Unavailable("redis delete", err)
	}
	return nil
}

// globEscaper escapes SCAN MATCH metacharacters in a literal prefix.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Keys implements Store.
func (r *Redis) Keys(ctx context.Context, prefix string, limit int) ([]string, error) {
	pattern := globEscaper.Replace(prefix) + "*"

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, datatypes.Unavailable("redis scan", err)
		}
		for _, k := range batch {
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping implements Store.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return datatypes.Unavailable("redis ping", err)
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// Client exposes the underlying client for components sharing the pool.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

var _ Store = (*Redis)(nil)
