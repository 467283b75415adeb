package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"quiz-session-service/internal/app"
)

// SessionStore is an in-memory implementation of app.SessionStore. A single
// mutex makes every method, including Apply and ClaimAndApply, atomic.
type SessionStore struct {
	mu    sync.Mutex
	clock func() time.Time
	keys  map[string]*entry
}

type entry struct {
	str       *string
	hash      map[string]string
	zset      map[string]float64
	list      []string
	expiresAt time.Time
}

func NewSessionStore() *SessionStore {
	return NewSessionStoreWithClock(time.Now)
}

// NewSessionStoreWithClock allows deterministic expiry in tests.
func NewSessionStoreWithClock(clock func() time.Time) *SessionStore {
	return &SessionStore{
		clock: clock,
		keys:  make(map[string]*entry),
	}
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (s *SessionStore) lookupLocked(key string) *entry {
	e, ok := s.keys[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.clock().Before(e.expiresAt) {
		delete(s.keys, key)
		return nil
	}
	return e
}

func (s *SessionStore) entryLocked(key string) *entry {
	if e := s.lookupLocked(key); e != nil {
		return e
	}
	e := &entry{}
	s.keys[key] = e
	return e
}

func (s *SessionStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil || e.str == nil {
		return "", app.ErrKeyMissing
	}
	return *e.str, nil
}

func (s *SessionStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *SessionStore) setLocked(key, value string, ttl time.Duration) {
	e := &entry{str: &value}
	if ttl > 0 {
		e.expiresAt = s.clock().Add(ttl)
	}
	s.keys[key] = e
}

func (s *SessionStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupLocked(key) != nil {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *SessionStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key) != nil, nil
}

func (s *SessionStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.keys, key)
	}
	return nil
}

func (s *SessionStore) hincrLocked(key, field string, delta int64) (int64, error) {
	e := s.entryLocked(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	current := int64(0)
	if raw, ok := e.hash[field]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash value is not an integer: %s.%s", key, field)
		}
		current = n
	}
	current += delta
	e.hash[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *SessionStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if e := s.lookupLocked(key); e != nil {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

// ZRevRangeWithScores orders like Redis: score descending, then member descending.
func (s *SessionStore) ZRevRangeWithScores(_ context.Context, key string) ([]app.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := []app.ScoredMember{}
	if e := s.lookupLocked(key); e != nil {
		for m, score := range e.zset {
			members = append(members, app.ScoredMember{Member: m, Score: score})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member > members[j].Member
	})
	return members, nil
}

func (s *SessionStore) LRange(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	if e := s.lookupLocked(key); e != nil {
		out = append(out, e.list...)
	}
	return out, nil
}

// Apply runs every mutation or, when one fails, none of them.
func (s *SessionStore) Apply(_ context.Context, mutations ...app.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyAllLocked(mutations)
}

func (s *SessionStore) ClaimAndApply(_ context.Context, claim app.Claim, mutations ...app.Mutation) (app.ClaimOutcome, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, g := range claim.Guards {
		held, err := s.guardLocked(g)
		if err != nil {
			return app.Claimed, "", err
		}
		if !held {
			return app.ClaimGuardFailed, strconv.Itoa(i), nil
		}
	}
	if claim.Key != "" {
		if e := s.lookupLocked(claim.Key); e != nil {
			if previous, ok := e.hash[claim.Field]; ok {
				return app.ClaimDuplicate, previous, nil
			}
			if claim.Limit > 0 && len(e.hash) >= claim.Limit {
				return app.ClaimLimitReached, "", nil
			}
		}
	}

	claimMutations := mutations
	if claim.Key != "" {
		claimMutations = append([]app.Mutation{
			{Op: app.OpHashSet, Key: claim.Key, Field: claim.Field, Value: claim.Value},
		}, mutations...)
	}
	if err := s.applyAllLocked(claimMutations); err != nil {
		return app.Claimed, "", err
	}
	return app.Claimed, "", nil
}

func (s *SessionStore) guardLocked(g app.Guard) (bool, error) {
	e := s.lookupLocked(g.Key)
	switch g.Kind {
	case app.GuardExists:
		return e != nil, nil
	case app.GuardAbsent:
		return e == nil, nil
	case app.GuardNotEqual:
		return e == nil || e.str == nil || *e.str != g.Value, nil
	default:
		return false, fmt.Errorf("unsupported guard %q", g.Kind)
	}
}

// applyAllLocked snapshots every key the mutations touch and restores the
// snapshot if any of them fails.
func (s *SessionStore) applyAllLocked(mutations []app.Mutation) error {
	saved := make(map[string]*entry, len(mutations))
	for _, m := range mutations {
		if _, ok := saved[m.Key]; ok {
			continue
		}
		saved[m.Key] = s.lookupLocked(m.Key).clone()
	}
	if err := s.applyLocked(mutations); err != nil {
		for key, e := range saved {
			if e == nil {
				delete(s.keys, key)
			} else {
				s.keys[key] = e
			}
		}
		return err
	}
	return nil
}

func (e *entry) clone() *entry {
	if e == nil {
		return nil
	}
	c := &entry{list: append([]string(nil), e.list...), expiresAt: e.expiresAt}
	if e.str != nil {
		v := *e.str
		c.str = &v
	}
	if e.hash != nil {
		c.hash = make(map[string]string, len(e.hash))
		for k, v := range e.hash {
			c.hash[k] = v
		}
	}
	if e.zset != nil {
		c.zset = make(map[string]float64, len(e.zset))
		for k, v := range e.zset {
			c.zset[k] = v
		}
	}
	return c
}

func (s *SessionStore) applyLocked(mutations []app.Mutation) error {
	for _, m := range mutations {
		switch m.Op {
		case app.OpHashIncr:
			if _, err := s.hincrLocked(m.Key, m.Field, m.Delta); err != nil {
				return err
			}
		case app.OpHashSet:
			e := s.entryLocked(m.Key)
			if e.hash == nil {
				e.hash = make(map[string]string)
			}
			e.hash[m.Field] = m.Value
		case app.OpSortedIncr:
			e := s.entryLocked(m.Key)
			if e.zset == nil {
				e.zset = make(map[string]float64)
			}
			e.zset[m.Field] += float64(m.Delta)
		case app.OpListPush:
			e := s.entryLocked(m.Key)
			e.list = append(e.list, m.Value)
		case app.OpExpire:
			if e := s.lookupLocked(m.Key); e != nil {
				e.expiresAt = s.clock().Add(time.Duration(m.Delta) * time.Millisecond)
			}
		case app.OpSet:
			s.setLocked(m.Key, m.Value, time.Duration(m.Delta)*time.Millisecond)
		default:
			return fmt.Errorf("unsupported mutation %q", m.Op)
		}
	}
	return nil
}

func (s *SessionStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key := range s.keys {
		if strings.HasPrefix(key, prefix) {
			delete(s.keys, key)
			n++
		}
	}
	return n, nil
}

// Len reports the number of live keys; handy for asserting teardown.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.keys {
		if s.lookupLocked(key) != nil {
			n++
		}
	}
	return n
}

// Dump returns the keys currently live under prefix, sorted.
func (s *SessionStore) Dump(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.keys {
		if strings.HasPrefix(key, prefix) && s.lookupLocked(key) != nil {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
