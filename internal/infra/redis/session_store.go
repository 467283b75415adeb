package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quiz-session-service/internal/app"
	"github.com/redis/go-redis/v9"
)

// claimScript evaluates guards, claims a hash field and applies mutations in
// one script. KEYS holds the ARGV[1] guard keys, then the claim key when
// ARGV[2] is '1', then one key per mutation. ARGV[3..5] are the claim field,
// value and limit (0 = unbounded), followed by a (kind, value) pair per guard
// and an (op, field, value, delta) quadruple per mutation. Ops are checked
// before anything is written since a script error does not roll back.
// Returns {outcome, previous} with outcome 0=claimed, 1=duplicate, 2=limit,
// 3=guard failed (previous is the zero-based guard index).
var claimScript = redis.NewScript(`
local guards = tonumber(ARGV[1])
local claim = ARGV[2] == '1'
local arg = 6
for i = 1, guards do
  local kind, value = ARGV[arg], ARGV[arg + 1]
  arg = arg + 2
  local held
  if kind == 'exists' then
    held = redis.call('EXISTS', KEYS[i]) == 1
  elseif kind == 'absent' then
    held = redis.call('EXISTS', KEYS[i]) == 0
  elseif kind == 'ne' then
    held = redis.call('GET', KEYS[i]) ~= value
  else
    return redis.error_reply('unsupported guard ' .. kind)
  end
  if not held then
    return {3, tostring(i - 1)}
  end
end
local first = guards + 1
if claim then
  local key = KEYS[first]
  first = first + 1
  if redis.call('HEXISTS', key, ARGV[3]) == 1 then
    return {1, redis.call('HGET', key, ARGV[3])}
  end
  local limit = tonumber(ARGV[5])
  if limit > 0 and redis.call('HLEN', key) >= limit then
    return {2, ''}
  end
end
local ops = {hincrby = true, hset = true, zincrby = true, rpush = true, pexpire = true, set = true}
for i = first, #KEYS do
  local op = ARGV[arg + (i - first) * 4]
  if not ops[op] then
    return redis.error_reply('unsupported mutation ' .. tostring(op))
  end
end
if claim then
  redis.call('HSET', KEYS[first - 1], ARGV[3], ARGV[4])
end
for i = first, #KEYS do
  local base = arg + (i - first) * 4
  local op, field, value, delta = ARGV[base], ARGV[base + 1], ARGV[base + 2], ARGV[base + 3]
  if op == 'hincrby' then
    redis.call('HINCRBY', KEYS[i], field, delta)
  elseif op == 'hset' then
    redis.call('HSET', KEYS[i], field, value)
  elseif op == 'zincrby' then
    redis.call('ZINCRBY', KEYS[i], delta, field)
  elseif op == 'rpush' then
    redis.call('RPUSH', KEYS[i], value)
  elseif op == 'pexpire' then
    redis.call('PEXPIRE', KEYS[i], delta)
  elseif tonumber(delta) > 0 then
    redis.call('SET', KEYS[i], value, 'PX', delta)
  else
    redis.call('SET', KEYS[i], value)
  end
end
return {0, ''}
`)

const scanBatch = 200

// SessionStore is the Redis implementation of app.SessionStore.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", app.ErrKeyMissing
	}
	return v, err
}

func (s *SessionStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *SessionStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *SessionStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *SessionStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *SessionStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *SessionStore) ZRevRangeWithScores(ctx context.Context, key string) ([]app.ScoredMember, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	members := make([]app.ScoredMember, 0, len(zs))
	for _, z := range zs {
		members = append(members, app.ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return members, nil
}

func (s *SessionStore) LRange(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

// Apply queues every mutation in a MULTI/EXEC transaction.
func (s *SessionStore) Apply(ctx context.Context, mutations ...app.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range mutations {
			switch m.Op {
			case app.OpHashIncr:
				pipe.HIncrBy(ctx, m.Key, m.Field, m.Delta)
			case app.OpHashSet:
				pipe.HSet(ctx, m.Key, m.Field, m.Value)
			case app.OpSortedIncr:
				pipe.ZIncrBy(ctx, m.Key, float64(m.Delta), m.Field)
			case app.OpListPush:
				pipe.RPush(ctx, m.Key, m.Value)
			case app.OpExpire:
				pipe.PExpire(ctx, m.Key, time.Duration(m.Delta)*time.Millisecond)
			case app.OpSet:
				pipe.Set(ctx, m.Key, m.Value, time.Duration(m.Delta)*time.Millisecond)
			default:
				return fmt.Errorf("unsupported mutation %q", m.Op)
			}
		}
		return nil
	})
	return err
}

func (s *SessionStore) ClaimAndApply(ctx context.Context, claim app.Claim, mutations ...app.Mutation) (app.ClaimOutcome, string, error) {
	keys := make([]string, 0, len(claim.Guards)+1+len(mutations))
	args := make([]interface{}, 0, 5+2*len(claim.Guards)+4*len(mutations))
	hasClaim := "0"
	if claim.Key != "" {
		hasClaim = "1"
	}
	args = append(args, len(claim.Guards), hasClaim, claim.Field, claim.Value, claim.Limit)
	for _, g := range claim.Guards {
		keys = append(keys, g.Key)
		args = append(args, string(g.Kind), g.Value)
	}
	if claim.Key != "" {
		keys = append(keys, claim.Key)
	}
	for _, m := range mutations {
		keys = append(keys, m.Key)
		args = append(args, string(m.Op), m.Field, m.Value, m.Delta)
	}

	res, err := claimScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return app.Claimed, "", err
	}
	if len(res) != 2 {
		return app.Claimed, "", fmt.Errorf("claim script: unexpected reply %v", res)
	}
	code, ok := res[0].(int64)
	if !ok {
		return app.Claimed, "", fmt.Errorf("claim script: unexpected outcome %v", res[0])
	}
	previous, _ := res[1].(string)
	return app.ClaimOutcome(code), previous, nil
}

// DeletePrefix walks the keyspace with SCAN and unlinks matches in batches.
func (s *SessionStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	pattern := escapeGlob(prefix) + "*"
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
