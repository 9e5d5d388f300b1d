// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "imgbase:cache:"

// redisBackend keeps envelopes in redis with a TTL matching the cache's
// max-age, so entries expire server-side even if the sweep never runs.
type redisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend connects to redis at addr. ttl of zero stores entries
// without expiry.
func NewRedisBackend(addr string, ttl time.Duration) (Backend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisBackend{client: client, ttl: ttl}, nil
}

func (r *redisBackend) Get(key string) ([]byte, error) {
	data, err := r.client.Get(context.Background(), redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *redisBackend) Put(key string, data []byte) (int64, error) {
	err := r.client.Set(context.Background(), redisKeyPrefix+key, data, r.ttl).Err()
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (r *redisBackend) Delete(key string) error {
	return r.client.Del(context.Background(), redisKeyPrefix+key).Err()
}

func (r *redisBackend) Walk(fn func(key string, size int64, modified time.Time) error) error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		full := iter.Val()
		size, err := r.client.StrLen(ctx, full).Result()
		if err != nil {
			continue
		}
		// Redis does not expose a write time; treat entries as fresh so the
		// sweep defers to the server-side TTL.
		if err := fn(full[len(redisKeyPrefix):], size, now); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *redisBackend) Close() error { return r.client.Close() }
