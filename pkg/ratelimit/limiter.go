/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ratelimit implements the per-subscriber fixed-window rate limit
// the dispatcher consults before a
// dispatch record is allowed to transition to processing.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers "has key exceeded limit deliveries within window?" against
// a shared redis instance, so the count holds across every dispatcher
// worker and process.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RedisLimiter implements a fixed-window counter keyed
// "ratelimit:<key>:<window_bucket>", where the bucket is the current Unix
// time divided by the window length, grounded on the dispatcher's named key
// shape "ratelimit:<subscriber_id>:<window>".
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an established redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow increments the counter for key's current window bucket and reports
// whether the count (after this call) stays within limit. A limit <= 0
// disables rate limiting entirely (always allowed).
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if window <= 0 {
		window = time.Minute
	}

	bucket := time.Now().Unix() / int64(window.Seconds())
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		// First hit in this bucket: set the expiry so stale buckets don't
		// accumulate in redis once their window has passed.
		l.client.Expire(ctx, redisKey, window)
	}
	return count <= int64(limit), nil
}
