package nonce

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store for multi-instance deployments.
//
// The used flag is flipped by a Lua script so MarkUsed keeps its
// compare-and-swap semantics: the read and the write happen in one atomic
// step on the server.
type RedisStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
}

// markUsedScript flips the trailing used flag from 0 to 1.
// Returns 1 when swapped, 2 when already used, 0 when absent.
var markUsedScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
if string.sub(v, -1) == '1' then
  return 2
end
redis.call('SET', KEYS[1], string.sub(v, 1, -2) .. '1', 'KEEPTTL')
return 1
`)

// NewRedisStore creates a RedisStore. Keys are namespaced with prefix and
// expire grace past the record's own expiry, so used records stay visible
// for replay detection through the whole validity window.
func NewRedisStore(client *redis.Client, prefix string, grace time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "nonce"
	}
	return &RedisStore{client: client, prefix: prefix, grace: grace}
}

func (s *RedisStore) key(nonce string) string {
	return s.prefix + ":" + nonce
}

// encode packs a record as "<unix-expiry>|<0|1>".
func encode(rec Record) string {
	flag := "0"
	if rec.Used {
		flag = "1"
	}
	return strconv.FormatInt(rec.ExpiresAt.Unix(), 10) + "|" + flag
}

func decode(value string) (Record, error) {
	sep := strings.LastIndexByte(value, '|')
	if sep < 0 {
		return Record{}, fmt.Errorf("corrupt nonce record %q", value)
	}
	unix, err := strconv.ParseInt(value[:sep], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt nonce record %q: %w", value, err)
	}
	return Record{
		ExpiresAt: time.Unix(unix, 0).UTC(),
		Used:      value[sep+1:] == "1",
	}, nil
}

// TryAdd implements Store via SETNX.
func (s *RedisStore) TryAdd(ctx context.Context, nonce string, rec Record) (bool, error) {
	ttl := time.Until(rec.ExpiresAt) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	ok, err := s.client.SetNX(ctx, s.key(nonce), encode(rec), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// TryGet implements Store.
func (s *RedisStore) TryGet(ctx context.Context, nonce string) (Record, bool, error) {
	value, err := s.client.Get(ctx, s.key(nonce)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	rec, err := decode(value)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// MarkUsed implements Store.
func (s *RedisStore) MarkUsed(ctx context.Context, nonce string) (MarkResult, error) {
	n, err := markUsedScript.Run(ctx, s.client, []string{s.key(nonce)}).Int()
	if err != nil {
		return NotFound, fmt.Errorf("redis mark used: %w", err)
	}
	switch n {
	case 1:
		return Marked, nil
	case 2:
		return AlreadyUsed, nil
	default:
		return NotFound, nil
	}
}
