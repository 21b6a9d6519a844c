package autobind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"devicetrust-controlplane/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// SessionGuard records which sessions already ran their bind attempt and what
// came of it.
type SessionGuard interface {
	// Claim reports true for exactly one caller per session until the claim
	// expires or is released.
	Claim(ctx context.Context, sessionID string) (bool, error)
	// Store saves the outcome for replay, keeping the claim's expiry.
	Store(ctx context.Context, sessionID string, result *SessionResult) error
	// Load returns (nil, nil) while no outcome is stored.
	Load(ctx context.Context, sessionID string) (*SessionResult, error)
	Release(ctx context.Context, sessionID string) error
}

type redisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration) SessionGuard {
	return &redisGuard{rdb: rdb, ttl: ttl}
}

func (g *redisGuard) Claim(ctx context.Context, sessionID string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, rediskey.BuildAutoBindSessionKey(sessionID), "", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	return ok, nil
}

func (g *redisGuard) Store(ctx context.Context, sessionID string, result *SessionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := g.rdb.Set(ctx, rediskey.BuildAutoBindSessionKey(sessionID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("store session result: %w", err)
	}
	return nil
}

func (g *redisGuard) Load(ctx context.Context, sessionID string) (*SessionResult, error) {
	data, err := g.rdb.Get(ctx, rediskey.BuildAutoBindSessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session result: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var out SessionResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode session result: %w", err)
	}
	return &out, nil
}

func (g *redisGuard) Release(ctx context.Context, sessionID string) error {
	return g.rdb.Del(ctx, rediskey.BuildAutoBindSessionKey(sessionID)).Err()
}

type memoryEntry struct {
	result    *SessionResult
	expiresAt time.Time
}

type memoryGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
	nowFn   func() time.Time
}

// NewMemoryGuard keeps claims in process memory. It only guards a single
// node.
func NewMemoryGuard(ttl time.Duration) SessionGuard {
	return &memoryGuard{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		nowFn:   time.Now,
	}
}

func (g *memoryGuard) live(sessionID string) *memoryEntry {
	e, ok := g.entries[sessionID]
	if !ok {
		return nil
	}
	if g.ttl > 0 && !g.nowFn().Before(e.expiresAt) {
		delete(g.entries, sessionID)
		return nil
	}
	return e
}

func (g *memoryGuard) Claim(_ context.Context, sessionID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.live(sessionID) != nil {
		return false, nil
	}
	g.entries[sessionID] = &memoryEntry{expiresAt: g.nowFn().Add(g.ttl)}
	return true, nil
}

func (g *memoryGuard) Store(_ context.Context, sessionID string, result *SessionResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.live(sessionID)
	if e == nil {
		e = &memoryEntry{expiresAt: g.nowFn().Add(g.ttl)}
		g.entries[sessionID] = e
	}
	e.result = result
	return nil
}

func (g *memoryGuard) Load(_ context.Context, sessionID string) (*SessionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.live(sessionID)
	if e == nil {
		return nil, nil
	}
	return e.result, nil
}

func (g *memoryGuard) Release(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.entries, sessionID)
	return nil
}
