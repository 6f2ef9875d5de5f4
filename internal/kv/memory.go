package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "mockexchange/pkg/errors"
)

// MemoryStore implements Store in memory. Used by tests and for ephemeral
// single-process runs; semantics match the SQLite store.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	locks  map[string]memLock
}

type memLock struct {
	value   string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		locks:  make(map[string]memLock),
	}
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, fields)
	return nil
}

func (s *MemoryStore) hsetLocked(key string, fields map[string]string) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hdelLocked(key, fields)
	return nil
}

func (s *MemoryStore) hdelLocked(key string, fields []string) {
	h, ok := s.hashes[key]
	if !ok {
		return
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hincrLocked(key, field, delta)
}

func (s *MemoryStore) hincrLocked(key, field string, delta float64) (float64, error) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur := 0.0
	if raw, ok := h[field]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %s.%s is not a number: %v", apperrors.ErrStorage, key, field, err)
		}
		cur = v
	}
	cur += delta
	h[field] = strconv.FormatFloat(cur, 'g', -1, 64)
	return cur, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members)
	return nil
}

func (s *MemoryStore) saddLocked(key string, members []string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sremLocked(key, members)
	return nil
}

func (s *MemoryStore) sremLocked(key string, members []string) {
	set, ok := s.sets[key]
	if !ok {
		return
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok {
		prefix = pattern
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range s.hashes {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for k := range s.sets {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Unlink(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.locks, k)
	}
	return nil
}

func (s *MemoryStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	rec := &recorder{}
	fn(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range rec.ops {
		switch o.kind {
		case opHSet:
			s.hsetLocked(o.key, o.fields)
		case opHDel:
			s.hdelLocked(o.key, o.members)
		case opHIncr:
			if _, err := s.hincrLocked(o.key, o.field, o.delta); err != nil {
				return err
			}
		case opSAdd:
			s.saddLocked(o.key, o.members)
		case opSRem:
			s.sremLocked(o.key, o.members)
		case opDel:
			for _, k := range o.keys {
				delete(s.hashes, k)
				delete(s.sets, k)
			}
		}
	}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.expires.After(now) {
		return false, nil
	}
	s.locks[key] = memLock{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ExtendTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.value != value || !l.expires.After(now) {
		return false, nil
	}
	l.expires = now.Add(ttl)
	s.locks[key] = l
	return true, nil
}

func (s *MemoryStore) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.value != value {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
