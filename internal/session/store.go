// Package session keeps per-chat wizard state in Redis with an in-process fallback.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pulse-bot/internal/metrics"
	"pulse-bot/pkg/logger"
)

const DefaultTTL = time.Hour

// Store never returns errors. A failing primary backend degrades to the
// fallback map for that call. While the primary answers it is authoritative.
type Store struct {
	primary  Backend
	fallback *MemoryBackend
	ttl      time.Duration
	log      *logger.Logger
}

// NewStore builds a store over primary. A nil primary keeps everything in process.
func NewStore(primary Backend, ttl time.Duration, log *logger.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{primary: primary, fallback: NewMemoryBackend(), ttl: ttl, log: log}
}

func stateKey(userKey int64) string   { return fmt.Sprintf("fsm:%d", userKey) }
func scratchKey(userKey int64) string { return fmt.Sprintf("fsm_data:%d", userKey) }

func (s *Store) get(ctx context.Context, key string) (string, bool) {
	if s.primary != nil {
		v, ok, err := s.primary.Get(ctx, key)
		if err == nil {
			return v, ok
		}
		s.degraded("get", key, err)
	}
	v, ok, _ := s.fallback.Get(ctx, key)
	return v, ok
}

func (s *Store) set(ctx context.Context, key, value string) {
	if s.primary != nil {
		err := s.primary.Set(ctx, key, value, s.ttl)
		if err == nil {
			_ = s.fallback.Del(ctx, key)
			return
		}
		s.degraded("set", key, err)
	}
	_ = s.fallback.Set(ctx, key, value, s.ttl)
}

func (s *Store) del(ctx context.Context, key string) {
	_ = s.fallback.Del(ctx, key)
	if s.primary == nil {
		return
	}
	if err := s.primary.Del(ctx, key); err != nil {
		s.degraded("del", key, err)
	}
}

func (s *Store) degraded(op, key string, err error) {
	metrics.SessionFallbacks.WithLabelValues(op).Inc()
	s.log.Warnw("session backend unavailable, using in-process fallback", "op", op, "key", key, "error", err)
}

// GetState returns the current state, or false when none is recorded.
func (s *Store) GetState(ctx context.Context, userKey int64) (State, bool) {
	v, ok := s.get(ctx, stateKey(userKey))
	if !ok {
		return "", false
	}
	st, known := ParseState(v)
	if !known {
		s.log.Warnw("unknown session state", "user_id", userKey, "state", v)
		return "", false
	}
	return st, true
}

// CurrentState folds absence into StateIdle.
func (s *Store) CurrentState(ctx context.Context, userKey int64) State {
	if st, ok := s.GetState(ctx, userKey); ok {
		return st
	}
	return StateIdle
}

func (s *Store) SetState(ctx context.Context, userKey int64, st State) {
	s.set(ctx, stateKey(userKey), string(st))
}

func (s *Store) ClearState(ctx context.Context, userKey int64) {
	s.del(ctx, stateKey(userKey))
}

// GetScratch returns an empty map when nothing is stored or the stored value is corrupt.
func (s *Store) GetScratch(ctx context.Context, userKey int64) Scratch {
	v, ok := s.get(ctx, scratchKey(userKey))
	if !ok || v == "" {
		return Scratch{}
	}
	var out Scratch
	if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
		s.log.Warnw("discarding unreadable session data", "user_id", userKey, "error", err)
		return Scratch{}
	}
	return out
}

func (s *Store) SetScratch(ctx context.Context, userKey int64, data Scratch) {
	if data == nil {
		data = Scratch{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		s.log.Errorw("session data is not serializable", "user_id", userKey, "error", err)
		return
	}
	s.set(ctx, scratchKey(userKey), string(b))
}

func (s *Store) ClearScratch(ctx context.Context, userKey int64) {
	s.del(ctx, scratchKey(userKey))
}

// Clear drops both the state and the scratch.
func (s *Store) Clear(ctx context.Context, userKey int64) {
	s.ClearState(ctx, userKey)
	s.ClearScratch(ctx, userKey)
}

// ResetFallback empties the in-process map.
func (s *Store) ResetFallback() {
	s.fallback.Reset()
}
