// Package distlock serializes mutations on a single audience member. Two
// concurrent fact mutations for the same (seller, email) pair must not
// interleave their read-merge-write cycles; mutations for different pairs
// need no coordination.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a single-use distributed lock. Instances are not safe for
// concurrent use; create one per critical section.
type Lock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Locker mints locks for member-scoped keys.
type Locker interface {
	MemberLock(sellerID int64, email string) Lock
}

// MemberKey builds the lock key for one (seller, email) pair.
func MemberKey(sellerID int64, email string) string {
	return fmt.Sprintf("audience:member:%d:%s", sellerID, email)
}

// NewLocker creates a locker using the best available backend. Redis is
// preferred for cross-host locking; PostgreSQL advisory locks are the
// fallback when no Redis client is configured.
func NewLocker(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Locker {
	if redisClient != nil {
		return &redisLocker{client: redisClient, ttl: ttl}
	}
	return &pgLocker{db: db}
}

// ==========================================
// REDIS BACKEND
// ==========================================
// SET NX with a TTL and a random ownership value; release goes through a
// Lua script so a lock held past its TTL is never released by a latecomer.

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func (l *redisLocker) MemberLock(sellerID int64, email string) Lock {
	return NewRedisLock(l.client, MemberKey(sellerID, email), l.ttl)
}

// RedisLock implements Lock via Redis SET NX.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis-backed lock for the given key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release releases the lock only if we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// ==========================================
// POSTGRES ADVISORY BACKEND
// ==========================================
// pg_try_advisory_lock is session-scoped and drops with the connection,
// which covers crash-safety the way the Redis TTL does.

type pgLocker struct {
	db *sql.DB
}

func (l *pgLocker) MemberLock(sellerID int64, email string) Lock {
	return NewPGAdvisoryLock(l.db, MemberKey(sellerID, email))
}

// PGAdvisoryLock implements Lock using a PostgreSQL advisory lock with a
// deterministic lock ID derived from the key string.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock for the given key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}

// ==========================================
// NOOP BACKEND
// ==========================================

// NoopLocker mints locks that always succeed. Single-process deployments and
// tests that provide their own serialization use it.
type NoopLocker struct{}

func (NoopLocker) MemberLock(sellerID int64, email string) Lock { return noopLock{} }

type noopLock struct{}

func (noopLock) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (noopLock) Release(ctx context.Context) error         { return nil }
