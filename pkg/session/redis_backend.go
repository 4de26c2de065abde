package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on Redis for multi-node deployments.
// Reads observe committed state directly; writes are staged per
// transaction and applied atomically with MULTI/EXEC at Commit.
//
// Key layout under the configured prefix:
//
//	session:<id>          JSON State
//	route:<id>            JSON Route
//	routename:<sid>:<n>   route id for the stable (session, name) pair
//	sessroutes:<sid>      SET of route ids owned by the session
//	expiry                ZSET of session ids scored by expiresOn (unix ms)
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all framework keys
	// (default: "cannoli:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a Redis backend and verifies connectivity.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cannoli:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{client: client, prefix: prefix}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing
// client. Useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "cannoli:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) sessionKey(id string) string { return b.prefix + "session:" + id }
func (b *RedisBackend) routeKey(id string) string   { return b.prefix + "route:" + id }
func (b *RedisBackend) routeNameKey(sessionID, name string) string {
	return b.prefix + "routename:" + sessionID + ":" + name
}
func (b *RedisBackend) sessionRoutesKey(sessionID string) string {
	return b.prefix + "sessroutes:" + sessionID
}
func (b *RedisBackend) expiryKey() string { return b.prefix + "expiry" }

// Begin opens a staged-write transaction.
func (b *RedisBackend) Begin(ctx context.Context) (Tx, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	return &redisTx{backend: b}, nil
}

// Close releases the client's connection pool.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// Ping checks whether the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return b.client.Ping(ctx).Err()
}

type redisTx struct {
	backend *RedisBackend
	stage   []func(ctx context.Context, pipe redis.Pipeliner) error
	done    bool
}

func (t *redisTx) GetSession(ctx context.Context, id string) (*State, error) {
	if t.done {
		return nil, ErrTxDone
	}
	data, err := t.backend.client.Get(ctx, t.backend.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (t *redisTx) PutSession(ctx context.Context, s *State) error {
	if t.done {
		return ErrTxDone
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	b := t.backend
	cp := s.clone()
	t.stage = append(t.stage, func(ctx context.Context, pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.sessionKey(cp.ID), data, 0)
		if cp.ExpiresOn != nil {
			pipe.ZAdd(ctx, b.expiryKey(), redis.Z{
				Score:  float64(cp.ExpiresOn.UnixMilli()),
				Member: cp.ID,
			})
		} else {
			pipe.ZRem(ctx, b.expiryKey(), cp.ID)
		}
		return nil
	})
	return nil
}

func (t *redisTx) DeleteSession(ctx context.Context, id string) error {
	if t.done {
		return ErrTxDone
	}
	b := t.backend
	t.stage = append(t.stage, func(ctx context.Context, pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.sessionKey(id))
		pipe.Del(ctx, b.sessionRoutesKey(id))
		pipe.ZRem(ctx, b.expiryKey(), id)
		return nil
	})
	return nil
}

func (t *redisTx) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	if t.done {
		return nil, ErrTxDone
	}
	ids, err := t.backend.client.ZRangeByScore(ctx, t.backend.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired sessions: %w", err)
	}
	return ids, nil
}

func (t *redisTx) GetRoute(ctx context.Context, id string) (*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	data, err := t.backend.client.Get(ctx, t.backend.routeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRouteNotFound
		}
		return nil, fmt.Errorf("get route: %w", err)
	}

	var r Route
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal route: %w", err)
	}
	return &r, nil
}

func (t *redisTx) GetRouteByName(ctx context.Context, sessionID, name string) (*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	id, err := t.backend.client.Get(ctx, t.backend.routeNameKey(sessionID, name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRouteNotFound
		}
		return nil, fmt.Errorf("get route name index: %w", err)
	}
	return t.GetRoute(ctx, id)
}

func (t *redisTx) PutRoute(ctx context.Context, r *Route) error {
	if t.done {
		return ErrTxDone
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}

	b := t.backend
	cp := r.clone()
	t.stage = append(t.stage, func(ctx context.Context, pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.routeKey(cp.ID), data, 0)
		pipe.SAdd(ctx, b.sessionRoutesKey(cp.SessionID), cp.ID)
		if cp.Name != "" {
			pipe.Set(ctx, b.routeNameKey(cp.SessionID, cp.Name), cp.ID, 0)
		}
		return nil
	})
	return nil
}

func (t *redisTx) DeleteRoute(ctx context.Context, id string) error {
	if t.done {
		return ErrTxDone
	}

	// The route body is needed to clean up its indexes; read it now,
	// stage the deletes.
	r, err := t.GetRoute(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRouteNotFound) {
			return nil
		}
		return err
	}

	b := t.backend
	t.stage = append(t.stage, func(ctx context.Context, pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.routeKey(id))
		pipe.SRem(ctx, b.sessionRoutesKey(r.SessionID), id)
		if r.Name != "" {
			pipe.Del(ctx, b.routeNameKey(r.SessionID, r.Name))
		}
		return nil
	})
	return nil
}

func (t *redisTx) SessionRoutes(ctx context.Context, sessionID string) ([]*Route, error) {
	if t.done {
		return nil, ErrTxDone
	}
	ids, err := t.backend.client.SMembers(ctx, t.backend.sessionRoutesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session routes: %w", err)
	}

	routes := make([]*Route, 0, len(ids))
	for _, id := range ids {
		r, err := t.GetRoute(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRouteNotFound) {
				// Index entry outlived its route; skip it.
				continue
			}
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (t *redisTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	if len(t.stage) == 0 {
		return nil
	}

	_, err := t.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range t.stage {
			if err := op(ctx, pipe); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.stage = nil
	return nil
}

func (t *redisTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.stage = nil
	return nil
}
