// Package kv defines the typed key/value persistence interface the exchange
// engine runs on: hashes, sets, atomic float increments, atomic pipelines and
// a TTL lock primitive for leader election. Two implementations are provided,
// an in-memory store and a SQLite-backed one.
package kv

import (
	"context"
	"time"
)

// Pipe records operations to be applied as one atomic batch.
type Pipe interface {
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	HIncrByFloat(key, field string, delta float64)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Del(keys ...string)
}

// Store is the persistence surface used by the engine. All durable exchange
// state (tickers, portfolio, orders, indexes, counters) lives behind it.
type Store interface {
	// Hashes
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns all keys matching the pattern. Only a trailing `*`
	// glob is supported (e.g. "sym_*", "open:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Unlink removes the given keys without blocking on reclamation.
	Unlink(ctx context.Context, keys ...string) error

	// Pipeline executes every operation recorded by fn atomically.
	Pipeline(ctx context.Context, fn func(Pipe)) error

	// Lock primitives (write-if-absent with TTL, holder-checked refresh).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ExtendTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DelIfEquals(ctx context.Context, key, value string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// op is a single recorded pipeline operation shared by implementations.
type op struct {
	kind    opKind
	key     string
	fields  map[string]string
	members []string
	field   string
	delta   float64
	keys    []string
}

type opKind int

const (
	opHSet opKind = iota
	opHDel
	opHIncr
	opSAdd
	opSRem
	opDel
)

// recorder is the common Pipe implementation: it only records, the store
// applies.
type recorder struct {
	ops []op
}

func (r *recorder) HSet(key string, fields map[string]string) {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	r.ops = append(r.ops, op{kind: opHSet, key: key, fields: cp})
}

func (r *recorder) HDel(key string, fields ...string) {
	r.ops = append(r.ops, op{kind: opHDel, key: key, members: fields})
}

func (r *recorder) HIncrByFloat(key, field string, delta float64) {
	r.ops = append(r.ops, op{kind: opHIncr, key: key, field: field, delta: delta})
}

func (r *recorder) SAdd(key string, members ...string) {
	r.ops = append(r.ops, op{kind: opSAdd, key: key, members: members})
}

func (r *recorder) SRem(key string, members ...string) {
	r.ops = append(r.ops, op{kind: opSRem, key: key, members: members})
}

func (r *recorder) Del(keys ...string) {
	r.ops = append(r.ops, op{kind: opDel, keys: keys})
}
