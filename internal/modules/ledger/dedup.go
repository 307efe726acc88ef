// README: Short-lived reservations that collapse identical in-flight ride submissions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/types"
)

// DedupGuard reserves a key for one ride id. When the key is already held, Reserve
// returns the holder id and reserved=false.
type DedupGuard interface {
	Reserve(ctx context.Context, key string, id types.ID, window time.Duration) (holder types.ID, reserved bool, err error)
	// Release drops the key only if id still holds it.
	Release(ctx context.Context, key string, id types.ID) error
}

type memoryReservation struct {
	id      types.ID
	expires time.Time
}

type MemoryDedup struct {
	mu   sync.Mutex
	keys map[string]memoryReservation
	now  func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{keys: make(map[string]memoryReservation), now: time.Now}
}

func (d *MemoryDedup) Reserve(_ context.Context, key string, id types.ID, window time.Duration) (types.ID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if r, ok := d.keys[key]; ok && now.Before(r.expires) {
		return r.id, false, nil
	}
	d.keys[key] = memoryReservation{id: id, expires: now.Add(window)}
	return id, true, nil
}

func (d *MemoryDedup) Release(_ context.Context, key string, id types.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.keys[key]; ok && r.id == id {
		delete(d.keys, key)
	}
	return nil
}

const redisDedupPrefix = "ride:dedup:%s"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDedup keeps reservations in Redis so several API replicas share them.
type RedisDedup struct {
	client *redis.Client
}

func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

func (d *RedisDedup) Reserve(ctx context.Context, key string, id types.ID, window time.Duration) (types.ID, bool, error) {
	k := fmt.Sprintf(redisDedupPrefix, key)
	// The holder can expire between SETNX and GET, so try twice.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := d.client.SetNX(ctx, k, string(id), window).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return id, true, nil
		}
		holder, err := d.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("redis get: %w", err)
		}
		return types.ID(holder), false, nil
	}
	return "", false, fmt.Errorf("redis dedup: key %s churned during reservation", key)
}

func (d *RedisDedup) Release(ctx context.Context, key string, id types.ID) error {
	k := fmt.Sprintf(redisDedupPrefix, key)
	if err := releaseScript.Run(ctx, d.client, []string{k}, string(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
