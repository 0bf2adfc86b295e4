// Package cache provides a cross-process shared cache backed by redis with a
// process-local fallback. The remote backend, when reachable, is authoritative
// across all worker processes; the local map only absorbs single-operation
// failures and serves local-only deployments.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agentfleet/log"
)

// KeyPrefix namespaces every key so the redis instance can be shared with
// unrelated consumers.
const KeyPrefix = "agentfleet:"

const pingTimeout = 2 * time.Second

// Config holds the remote backend connection parameters. An empty Addr
// selects local-only mode.
type Config struct {
	Addr     string
	Password string
	DB       int
}

type localEntry struct {
	data []byte
	// expiresAt is the absolute expiry instant; zero means no expiry.
	expiresAt time.Time
}

// SharedCache is a TTL key/value store shared by all worker processes when a
// remote backend is configured. All methods are safe for concurrent use and
// never return an error for a degraded remote backend; they fall back to the
// local map for that single operation instead.
type SharedCache struct {
	remote *redis.Client // nil in local-only mode

	mu    sync.RWMutex
	local map[string]localEntry
}

// New builds a SharedCache. The backend is selected once: if cfg.Addr is set
// and the backend answers a ping, it becomes the backend-of-record for the
// lifetime of the cache.
func New(cfg Config) *SharedCache {
	c := &SharedCache{
		local: make(map[string]localEntry),
	}

	if cfg.Addr == "" {
		log.InfoLog.Printf("shared cache running in local-only mode")
		return c
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WarningLog.Printf("shared cache backend %s unreachable, using local-only mode: %v", log.SanitizeURLs(cfg.Addr), err)
		_ = client.Close()
		return c
	}

	log.InfoLog.Printf("shared cache using backend %s", log.SanitizeURLs(cfg.Addr))
	c.remote = client
	return c
}

// Remote reports whether a remote backend is the backend-of-record.
func (c *SharedCache) Remote() bool {
	return c.remote != nil
}

// Close releases the remote connection, if any.
func (c *SharedCache) Close() error {
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// Set stores value under key with the given TTL. A zero ttl means no expiry.
func (c *SharedCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		log.ErrorLog.Printf("cache set %s: marshal failed: %v", key, err)
		return
	}

	full := KeyPrefix + key
	if c.remote != nil {
		err := c.remote.Set(ctx, full, data, ttl).Err()
		if err == nil {
			return
		}
		log.WarningLog.Printf("cache set %s: backend error, using local fallback: %v", key, err)
	}

	c.setLocal(full, data, ttl)
}

// Get loads the value stored under key into dest and reports whether it was
// present and unexpired.
func (c *SharedCache) Get(ctx context.Context, key string, dest interface{}) bool {
	full := KeyPrefix + key
	if c.remote != nil {
		data, err := c.remote.Get(ctx, full).Bytes()
		switch {
		case err == nil:
			if uerr := json.Unmarshal(data, dest); uerr != nil {
				log.ErrorLog.Printf("cache get %s: unmarshal failed: %v", key, uerr)
				return false
			}
			return true
		case err == redis.Nil:
			return false
		default:
			log.WarningLog.Printf("cache get %s: backend error, using local fallback: %v", key, err)
		}
	}

	data, ok := c.getLocal(full)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		log.ErrorLog.Printf("cache get %s: unmarshal failed: %v", key, err)
		return false
	}
	return true
}

// Exists reports whether key is present and unexpired.
func (c *SharedCache) Exists(ctx context.Context, key string) bool {
	full := KeyPrefix + key
	if c.remote != nil {
		n, err := c.remote.Exists(ctx, full).Result()
		if err == nil {
			return n > 0
		}
		log.WarningLog.Printf("cache exists %s: backend error, using local fallback: %v", key, err)
	}

	_, ok := c.getLocal(full)
	return ok
}

// Delete removes key. It is a no-op for absent keys.
func (c *SharedCache) Delete(ctx context.Context, key string) {
	full := KeyPrefix + key
	if c.remote != nil {
		err := c.remote.Del(ctx, full).Err()
		if err == nil {
			return
		}
		log.WarningLog.Printf("cache delete %s: backend error, using local fallback: %v", key, err)
	}

	c.mu.Lock()
	delete(c.local, full)
	c.mu.Unlock()
}

// DeletePattern removes all keys matching the glob pattern and returns the
// number removed. Against the remote backend it walks the keyspace with an
// incremental SCAN rather than a blocking full scan. Against the local map,
// the pattern degrades to a literal prefix match up to the first wildcard;
// full glob semantics are only honored by the remote backend.
func (c *SharedCache) DeletePattern(ctx context.Context, pattern string) int {
	full := KeyPrefix + pattern
	if c.remote != nil {
		n, err := c.deletePatternRemote(ctx, full)
		if err == nil {
			return n
		}
		log.WarningLog.Printf("cache delete pattern %s: backend error, using local fallback: %v", pattern, err)
	}

	return c.deletePatternLocal(full)
}

func (c *SharedCache) deletePatternRemote(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.remote.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, err
		}
		if log.IsDebugEnabled() && len(keys) > 0 {
			log.DebugLog.Printf("cache delete pattern %s matched: %s", pattern, strings.Join(keys, " "))
		}
		if len(keys) > 0 {
			n, err := c.remote.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *SharedCache) deletePatternLocal(pattern string) int {
	prefix := pattern
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		prefix = pattern[:i]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for k := range c.local {
		if strings.HasPrefix(k, prefix) {
			delete(c.local, k)
			deleted++
		}
	}
	return deleted
}

func (c *SharedCache) setLocal(full string, data []byte, ttl time.Duration) {
	entry := localEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.local[full] = entry
	c.mu.Unlock()
}

// getLocal reads from the local map, lazily evicting expired entries.
func (c *SharedCache) getLocal(full string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.local[full]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Recheck: another goroutine may have replaced the entry.
		if cur, ok := c.local[full]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.local, full)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}
