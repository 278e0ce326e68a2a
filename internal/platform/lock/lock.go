// Package lock provides a Redis-backed distributed lock used to keep a
// single pending rewrite cycle per parent version across replicas. The
// database unique constraint on (parent_version_id, cycle_number) remains
// the authority; the lock only avoids wasted rewriter calls on races.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

// releaseScript deletes the key only when it still holds our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Config holds lock configuration.
type Config struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// DefaultConfig returns sane lock defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Manager hands out locks backed by one Redis client.
type Manager struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a lock manager. A nil client disables locking; Acquire
// then always succeeds, which is correct for single-replica deployments.
func NewManager(client *redis.Client, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	return &Manager{client: client, cfg: cfg, logger: logger}
}

// Lock is one acquired lock.
type Lock struct {
	manager *Manager
	key     string
	value   string
}

// Acquire takes the named lock, retrying briefly on contention.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	const op = "lock.acquire"
	if m.client == nil {
		return &Lock{manager: m, key: key}, nil
	}

	value := randomValue()
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.RetryInterval):
			case <-ctx.Done():
				return nil, core.WrapError(core.KindTimeout, op, "context cancelled", ctx.Err())
			}
		}
		ok, err := m.client.SetNX(ctx, key, value, m.cfg.TTL).Result()
		if err != nil {
			return nil, core.WrapError(core.KindUnavailable, op, "redis setnx", err)
		}
		if ok {
			m.logger.Debug("lock acquired", "key", key)
			return &Lock{manager: m, key: key, value: value}, nil
		}
	}
	return nil, core.NewError(core.KindConflict, op, "lock held: "+key)
}

// Release frees the lock if still owned; expired locks release as a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l.manager.client == nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.value).Result(); err != nil {
		return core.WrapError(core.KindUnavailable, "lock.release", "redis release", err)
	}
	l.manager.logger.Debug("lock released", "key", l.key)
	return nil
}

func randomValue() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(buf)
}
