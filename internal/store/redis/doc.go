// Package redis implements store.Store on Redis.
//
// Raw samples and alerts live in sorted sets scored by Unix nanoseconds and
// are trimmed by score on every write; aggregates and presence are plain
// string keys with an expiry.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client, redis.WithKeyPrefix("collabd:"))
//	if err := s.Ping(ctx); err != nil { ... }
package redis
