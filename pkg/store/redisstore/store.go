// Package redisstore is a store.Store backed by Redis. Each cache keeps its entries as
// hashes under its own key prefix; conditional operations are Lua scripts so the version
// check and the write are atomic on the server, and versions come from one INCR counter.
package redisstore

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/store"
)

// Store is a redis-backed store for one cache.
type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewClient creates a redis client with the grid defaults and the given options.
func NewClient(opts ...Option) (*redis.Client, error) {
	opt := &redis.Options{
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout: constants.RedisDialTimeout,
			}

			return dialer.DialContext(ctx, network, addr)
		},
		MaxRetries:   constants.RedisClientMaxRetries,
		DialTimeout:  constants.RedisDialTimeout,
		ReadTimeout:  constants.RedisClientReadTimeout,
		WriteTimeout: constants.RedisClientWriteTimeout,
		PoolSize:     constants.RedisClientPoolSize,
		MinIdleConns: constants.RedisClientMinIdleConns,
		PoolTimeout:  constants.RedisClientPoolTimeout,
	}

	ApplyOptions(opt, opts...)

	if strings.TrimSpace(opt.Addr) == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "redis address")
	}

	return redis.NewClient(opt), nil
}

// New returns the store of cacheName on rdb.
func New(rdb *redis.Client, cacheName string) (*Store, error) {
	if rdb == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "redis client")
	}

	if cacheName == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "cache name")
	}

	return &Store{rdb: rdb, prefix: constants.RedisKeyPrefix + ":" + cacheName, now: time.Now}, nil
}

func (s *Store) entryKey(key string) string { return s.prefix + ":e:" + key }
func (s *Store) keySet() string              { return s.prefix + ":keys" }
func (s *Store) versionKey() string          { return constants.RedisKeyPrefix + ":version" }
func (s *Store) nowMS() int64                { return s.now().UnixMilli() }

func writeArgs(name string, value []byte, opts store.WriteOptions, now int64) []any {
	return []any{name, value, opts.Lifespan.Milliseconds(), opts.MaxIdle.Milliseconds(), now}
}

func checkWrite(key string, value []byte, opts store.WriteOptions) error {
	err := store.ValidateKey(key)
	if err != nil {
		return err
	}

	if value == nil {
		return sentinel.ErrNilValue
	}

	return opts.Validate()
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	res, err := getScript.Run(ctx, s.rdb, []string{s.entryKey(key)}, s.nowMS()).Slice()
	if err != nil {
		return nil, false, ewrap.Wrap(err, "redis get")
	}

	e := parseEntry(key, res)

	return e, e != nil, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts store.WriteOptions) (int64, *store.Entry, error) {
	err := checkWrite(key, value, opts)
	if err != nil {
		return 0, nil, err
	}

	res, err := putScript.Run(ctx, s.rdb,
		[]string{s.entryKey(key), s.keySet(), s.versionKey()},
		writeArgs(key, value, opts, s.nowMS())...).Slice()
	if err != nil {
		return 0, nil, ewrap.Wrap(err, "redis put")
	}

	return toInt(res[0]), parseEntry(key, asSlice(res[1])), nil
}

// PutIfAbsent implements store.Store.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, opts store.WriteOptions) (store.CASResult, error) {
	err := checkWrite(key, value, opts)
	if err != nil {
		return store.CASResult{}, err
	}

	res, err := putIfAbsentScript.Run(ctx, s.rdb,
		[]string{s.entryKey(key), s.keySet(), s.versionKey()},
		writeArgs(key, value, opts, s.nowMS())...).Slice()
	if err != nil {
		return store.CASResult{}, ewrap.Wrap(err, "redis put if absent")
	}

	return casResult(key, res), nil
}

// Restore implements store.Store.
func (s *Store) Restore(ctx context.Context, entry *store.Entry) (store.CASResult, error) {
	if entry == nil || entry.Version <= 0 {
		return store.CASResult{}, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "restored version")
	}

	opts := store.WriteOptions{Lifespan: entry.Lifespan, MaxIdle: entry.MaxIdle}

	err := checkWrite(entry.Key, entry.Value, opts)
	if err != nil {
		return store.CASResult{}, err
	}

	res, err := restoreScript.Run(ctx, s.rdb,
		[]string{s.entryKey(entry.Key), s.keySet(), s.versionKey()},
		entry.Key, entry.Value, strconv.FormatInt(entry.Version, 10),
		opts.Lifespan.Milliseconds(), opts.MaxIdle.Milliseconds(), s.nowMS()).Slice()
	if err != nil {
		return store.CASResult{}, ewrap.Wrap(err, "redis restore")
	}

	return casResult(entry.Key, res), nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, key string) (*store.Entry, bool, error) {
	res, err := removeScript.Run(ctx, s.rdb, []string{s.entryKey(key), s.keySet()}, key, s.nowMS()).Slice()
	if err != nil {
		return nil, false, ewrap.Wrap(err, "redis remove")
	}

	e := parseEntry(key, res)

	return e, e != nil, nil
}

// CompareAndSet implements store.Store.
func (s *Store) CompareAndSet(ctx context.Context, key string, expected int64, value []byte, opts store.WriteOptions) (store.CASResult, error) {
	err := checkWrite(key, value, opts)
	if err != nil {
		return store.CASResult{}, err
	}

	res, err := casScript.Run(ctx, s.rdb,
		[]string{s.entryKey(key), s.keySet(), s.versionKey()},
		key, strconv.FormatInt(expected, 10), value,
		opts.Lifespan.Milliseconds(), opts.MaxIdle.Milliseconds(), s.nowMS()).Slice()
	if err != nil {
		return store.CASResult{}, ewrap.Wrap(err, "redis compare and set")
	}

	return casResult(key, res), nil
}

// CompareAndRemove implements store.Store.
func (s *Store) CompareAndRemove(ctx context.Context, key string, expected int64) (store.CASResult, error) {
	res, err := casRemoveScript.Run(ctx, s.rdb,
		[]string{s.entryKey(key), s.keySet()},
		key, strconv.FormatInt(expected, 10), s.nowMS()).Slice()
	if err != nil {
		return store.CASResult{}, ewrap.Wrap(err, "redis compare and remove")
	}

	out := casResult(key, res)
	if out.Outcome == store.Applied && out.Previous != nil {
		out.Version = out.Previous.Version
	}

	return out, nil
}

// ContainsKey implements store.Store.
func (s *Store) ContainsKey(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)

	return ok, err
}

// Size implements store.Store.
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, s.keySet()).Result()
	if err != nil {
		return 0, ewrap.Wrap(err, "redis size")
	}

	return n, nil
}

// Clear implements store.Store.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.entryKey(k))
	}

	pipe.Del(ctx, s.keySet())

	_, err = pipe.Exec(ctx)
	if err != nil {
		return ewrap.Wrap(err, "redis clear")
	}

	return nil
}

// Keys implements store.Store.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.SMembers(ctx, s.keySet()).Result()
	if err != nil {
		return nil, ewrap.Wrap(err, "redis keys")
	}

	return keys, nil
}

// Reap drops key set members whose hash expired on the server.
func (s *Store) Reap(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, k := range keys {
		n, err := s.rdb.Exists(ctx, s.entryKey(k)).Result()
		if err != nil {
			return removed, ewrap.Wrap(err, "redis reap")
		}

		if n == 0 {
			s.rdb.SRem(ctx, s.keySet(), k)

			removed++
		}
	}

	return removed, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ store.Store = (*Store)(nil)

// casResult decodes {status, entry, version}: status 0 applied, 1 mismatch, 2 absent.
func casResult(key string, res []any) store.CASResult {
	prev := parseEntry(key, asSlice(res[1]))

	switch toInt(res[0]) {
	case 0:
		out := store.CASResult{Outcome: store.Applied, Previous: prev}
		if len(res) > 2 {
			out.Version = toInt(res[2])
		}

		return out
	case 1:
		if prev == nil {
			return store.CASResult{Outcome: store.VersionMismatch}
		}

		return store.CASResult{Outcome: store.VersionMismatch, Version: prev.Version, Previous: prev}
	}

	return store.CASResult{Outcome: store.Absent}
}

// parseEntry decodes the HMGET layout v, ver, ls, mi, c, u; an empty reply is nil.
func parseEntry(key string, f []any) *store.Entry {
	const fields = 6
	if len(f) < fields || f[1] == nil {
		return nil
	}

	return &store.Entry{
		Key:      key,
		Value:    []byte(toString(f[0])),
		Version:  toInt(f[1]),
		Lifespan: time.Duration(toInt(f[2])) * time.Millisecond,
		MaxIdle:  time.Duration(toInt(f[3])) * time.Millisecond,
		Created:  time.UnixMilli(toInt(f[4])),
		LastUsed: time.UnixMilli(toInt(f[5])),
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)

	return s
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}

	return ""
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)

		return n
	}

	return 0
}
