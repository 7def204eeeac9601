package osmview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore owns one view controller per browser session.
//
// Update loads (or creates) the controller for id, runs fn on it, and
// persists the resulting state. State is persisted even when fn
// returns an error: a failed navigation must still keep the pending
// text the user typed.
type SessionStore interface {
	Update(ctx context.Context, id string, fn func(*Controller) error) error
	Close() error
}

// sessionState is the serialized form of a controller. Pending fields
// are persisted as raw text and re-parsed on restore, which keeps NaN
// out of the JSON encoding.
type sessionState struct {
	Committed View             `json:"committed"`
	Pending   map[Field]string `json:"pending"`
}

func controllerState(c *Controller) sessionState {
	return sessionState{Committed: c.Committed(), Pending: c.Pending().Raw()}
}

// MemoryStore keeps sessions in process memory and evicts those idle
// longer than the TTL. A non-positive TTL disables eviction.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	ttl      time.Duration
	done     chan struct{}
	closed   sync.Once
}

type memorySession struct {
	ctrl     *Controller
	lastSeen time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	if ttl > 0 {
		go s.janitor()
	}
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, sess := range s.sessions {
				if now.Sub(sess.lastSeen) > s.ttl {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Controller) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{ctrl: NewController()}
		s.sessions[id] = sess
	}
	sess.lastSeen = time.Now()
	return fn(sess.ctrl)
}

func (s *MemoryStore) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

// RedisStore persists session state in Redis so multiple replicas can
// share view state. Controllers are rebuilt from JSON on every update.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func sessionKey(id string) string {
	return "osmview:sess:" + id
}

// redisUpdateRetries bounds the optimistic-locking replays when
// another replica writes the same session concurrently.
const redisUpdateRetries = 5

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Controller) error) error {
	key := sessionKey(id)
	var fnErr error

	txf := func(tx *redis.Tx) error {
		var ctrl *Controller
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var state sessionState
			if jsonErr := json.Unmarshal(data, &state); jsonErr != nil {
				return fmt.Errorf("corrupt session %s: %w", id, jsonErr)
			}
			ctrl = RestoreController(state.Committed, state.Pending)
		case errors.Is(err, redis.Nil):
			ctrl = NewController()
		default:
			return err
		}

		fnErr = fn(ctrl)

		data, err = json.Marshal(controllerState(ctrl))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			// lost the race, replay against the new state
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent updates", id)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
