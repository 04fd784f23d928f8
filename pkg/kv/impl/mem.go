package impl

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// MemStore is an in-process kv.Store used by tests and by nodes running
// without an external cache. TTLs are honored lazily on access.
//
// Eval only understands the hash MAX-wins compare-and-set shape
// (one key, field + value args) that the read-watermark projection uses.
type MemStore struct {
	mu     sync.Mutex
	data   map[string]*memEntry
	prefix string
}

type memEntry struct {
	str       string
	hash      map[string]string
	set       map[string]struct{}
	list      []string
	kind      byte // 's' string, 'h' hash, 'S' set, 'l' list
	expiresAt time.Time
}

var _ kv.Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore(prefix string) *MemStore {
	return &MemStore{data: map[string]*memEntry{}, prefix: prefix}
}

func (s *MemStore) key(k string) string { return s.prefix + ":" + k }

// get returns a live entry or nil. Caller must hold the lock.
func (s *MemStore) get(key string) *memEntry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *MemStore) ensure(key string, kind byte) (*memEntry, error) {
	e := s.get(key)
	if e == nil {
		e = &memEntry{kind: kind}
		switch kind {
		case 'h':
			e.hash = map[string]string{}
		case 'S':
			e.set = map[string]struct{}{}
		}
		s.data[key] = e
		return e, nil
	}
	if e.kind != kind {
		return nil, kv.ErrTypeMismatch
	}
	return e, nil
}

// TTL reports the remaining TTL of a key, for tests. Zero means no expiry,
// false means the key does not exist.
func (s *MemStore) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return time.Until(e.expiresAt), true
}

// Flush drops every key, for tests that simulate a cache wipe.
func (s *MemStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string]*memEntry{}
}

// Get implements kv.Store.
func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return "", false, nil
	}
	if e.kind != 's' {
		return "", false, kv.ErrTypeMismatch
	}
	return e.str, true, nil
}

// Set implements kv.Store.
func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memEntry{kind: 's', str: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[s.key(key)] = e
	return nil
}

// HGet implements kv.Store.
func (s *MemStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return "", false, nil
	}
	if e.kind != 'h' {
		return "", false, kv.ErrTypeMismatch
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

// HGetAll implements kv.Store.
func (s *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return map[string]string{}, nil
	}
	if e.kind != 'h' {
		return nil, kv.ErrTypeMismatch
	}
	out := make(map[string]string, len(e.hash))
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

// HMGet implements kv.Store.
func (s *MemStore) HMGet(_ context.Context, key string, fields ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(fields))
	e := s.get(s.key(key))
	if e == nil {
		return out, nil
	}
	if e.kind != 'h' {
		return nil, kv.ErrTypeMismatch
	}
	for _, f := range fields {
		if v, ok := e.hash[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// HSet implements kv.Store.
func (s *MemStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hset(s.key(key), fields)
}

func (s *MemStore) hset(fullKey string, fields map[string]string) error {
	e, err := s.ensure(fullKey, 'h')
	if err != nil {
		return err
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

// HDel implements kv.Store.
func (s *MemStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return nil
	}
	if e.kind != 'h' {
		return kv.ErrTypeMismatch
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	return nil
}

// SAdd implements kv.Store.
func (s *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.ensure(s.key(key), 'S')
	if err != nil {
		return err
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

// SRem implements kv.Store.
func (s *MemStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return nil
	}
	if e.kind != 'S' {
		return kv.ErrTypeMismatch
	}
	for _, m := range members {
		delete(e.set, m)
	}
	return nil
}

// SMembers implements kv.Store.
func (s *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return []string{}, nil
	}
	if e.kind != 'S' {
		return nil, kv.ErrTypeMismatch
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	return out, nil
}

// SIsMember implements kv.Store.
func (s *MemStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return false, nil
	}
	if e.kind != 'S' {
		return false, kv.ErrTypeMismatch
	}
	_, ok := e.set[member]
	return ok, nil
}

// SCard implements kv.Store.
func (s *MemStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return 0, nil
	}
	if e.kind != 'S' {
		return 0, kv.ErrTypeMismatch
	}
	return int64(len(e.set)), nil
}

// LRange implements kv.Store.
func (s *MemStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(s.key(key))
	if e == nil {
		return []string{}, nil
	}
	if e.kind != 'l' {
		return nil, kv.ErrTypeMismatch
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

// Del implements kv.Store.
func (s *MemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, s.key(k))
	}
	return nil
}

// Expire implements kv.Store.
func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.get(s.key(key)); e != nil {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// Exists implements kv.Store.
func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.key(key)) != nil, nil
}

// Eval implements kv.Store. It emulates the hash MAX-wins CAS: one key,
// ARGV[1]=field, ARGV[2]=value; writes and returns 1 only when the new
// value is greater than the stored one or the field is absent.
func (s *MemStore) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (int64, error) {
	if len(keys) != 1 || len(args) != 2 {
		return 0, kv.ErrScript
	}
	field, ok := args[0].(string)
	if !ok {
		return 0, kv.ErrScript
	}
	value, err := toUint64(args[1])
	if err != nil {
		return 0, kv.ErrScript
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, eerr := s.ensure(s.key(keys[0]), 'h')
	if eerr != nil {
		return 0, eerr
	}
	if cur, ok := e.hash[field]; ok {
		curVal, err := strconv.ParseUint(cur, 10, 64)
		if err == nil && value <= curVal {
			return 0, nil
		}
	}
	e.hash[field] = strconv.FormatUint(value, 10)
	return 1, nil
}

func toUint64(v interface{}) (uint64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseUint(t, 10, 64)
	case uint64:
		return t, nil
	case int64:
		return uint64(t), nil
	case int:
		return uint64(t), nil
	}
	return 0, kv.ErrScript
}

// Tx implements kv.Store. Enqueued operations apply under a single lock
// acquisition so no concurrent reader observes a partial batch.
func (s *MemStore) Tx() kv.Tx {
	return &memTx{store: s}
}

type memTx struct {
	store *MemStore
	ops   []func()
}

func (t *memTx) Set(key, value string, ttl time.Duration) {
	t.ops = append(t.ops, func() {
		e := &memEntry{kind: 's', str: value}
		if ttl > 0 {
			e.expiresAt = time.Now().Add(ttl)
		}
		t.store.data[t.store.key(key)] = e
	})
}

func (t *memTx) HSet(key string, fields map[string]string) {
	t.ops = append(t.ops, func() {
		_ = t.store.hset(t.store.key(key), fields)
	})
}

func (t *memTx) HDel(key string, fields ...string) {
	t.ops = append(t.ops, func() {
		if e := t.store.get(t.store.key(key)); e != nil && e.kind == 'h' {
			for _, f := range fields {
				delete(e.hash, f)
			}
		}
	})
}

func (t *memTx) SAdd(key string, members ...string) {
	t.ops = append(t.ops, func() {
		if e, err := t.store.ensure(t.store.key(key), 'S'); err == nil {
			for _, m := range members {
				e.set[m] = struct{}{}
			}
		}
	})
}

func (t *memTx) SRem(key string, members ...string) {
	t.ops = append(t.ops, func() {
		if e := t.store.get(t.store.key(key)); e != nil && e.kind == 'S' {
			for _, m := range members {
				delete(e.set, m)
			}
		}
	})
}

func (t *memTx) LPush(key string, values ...string) {
	t.ops = append(t.ops, func() {
		if e, err := t.store.ensure(t.store.key(key), 'l'); err == nil {
			for _, v := range values {
				e.list = append([]string{v}, e.list...)
			}
		}
	})
}

func (t *memTx) RPush(key string, values ...string) {
	t.ops = append(t.ops, func() {
		if e, err := t.store.ensure(t.store.key(key), 'l'); err == nil {
			e.list = append(e.list, values...)
		}
	})
}

func (t *memTx) LTrim(key string, start, stop int64) {
	t.ops = append(t.ops, func() {
		e := t.store.get(t.store.key(key))
		if e == nil || e.kind != 'l' {
			return
		}
		n := int64(len(e.list))
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if start > stop || start >= n {
			e.list = nil
			return
		}
		e.list = append([]string(nil), e.list[start:stop+1]...)
	})
}

func (t *memTx) Del(keys ...string) {
	t.ops = append(t.ops, func() {
		for _, k := range keys {
			delete(t.store.data, t.store.key(k))
		}
	})
}

func (t *memTx) Expire(key string, ttl time.Duration) {
	t.ops = append(t.ops, func() {
		if e := t.store.get(t.store.key(key)); e != nil {
			e.expiresAt = time.Now().Add(ttl)
		}
	})
}

func (t *memTx) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	t.ops = nil
	return nil
}
