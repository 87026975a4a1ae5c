package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeGuard remembers authorization codes that were already submitted.
// Claim reports true only for the first caller presenting a code.
type CodeGuard interface {
	Claim(ctx context.Context, code string) (bool, error)
}

type MemoryCodeGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemoryCodeGuard keeps codes for ttl; a non-positive ttl keeps them for
// the life of the process.
func NewMemoryCodeGuard(ttl time.Duration) *MemoryCodeGuard {
	return &MemoryCodeGuard{
		ttl:  ttl,
		now:  time.Now,
		seen: map[string]time.Time{},
	}
}

func (g *MemoryCodeGuard) Claim(ctx context.Context, code string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	if _, ok := g.seen[code]; ok {
		return false, nil
	}
	g.seen[code] = now
	return true, nil
}

func (g *MemoryCodeGuard) Seen(code string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	_, ok := g.seen[code]
	return ok
}

func (g *MemoryCodeGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = map[string]time.Time{}
}

func (g *MemoryCodeGuard) pruneLocked(now time.Time) {
	if g.ttl <= 0 {
		return
	}
	for code, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, code)
		}
	}
}

// RedisCodeGuard shares the claimed-code set across processes. Codes are
// stored hashed.
type RedisCodeGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCodeGuard(client *redis.Client, ttl time.Duration) *RedisCodeGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCodeGuard{client: client, prefix: "relaycrm:oauth:code:", ttl: ttl}
}

func (g *RedisCodeGuard) Claim(ctx context.Context, code string) (bool, error) {
	sum := sha256.Sum256([]byte(code))
	return g.client.SetNX(ctx, g.prefix+hex.EncodeToString(sum[:]), 1, g.ttl).Result()
}

func (g *RedisCodeGuard) Close() error {
	return g.client.Close()
}

func BuildCodeGuardFromDSN(dsn string, ttl time.Duration) (CodeGuard, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCodeGuard(ttl), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryCodeGuard(ttl), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
		return NewRedisCodeGuard(redis.NewClient(opts), ttl), nil
	default:
		return nil, fmt.Errorf("unsupported code guard scheme: %s", parsed.Scheme)
	}
}
