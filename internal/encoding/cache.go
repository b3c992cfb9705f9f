// Package encoding holds the static target-encoding cache.
//
// Target encodings map a categorical value (merchant name, city, state,
// account number, SSN) to the fraud rate observed for it at training
// time. The table is a training artifact: it is loaded once at startup,
// read-only afterwards, and any value unseen at training time resolves
// to the global fraud mean — never to an error. A Reload hook exists for
// out-of-band refreshes; there is no invalidation path.
package encoding

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultGlobalRate is the training-set global fraud mean, used when the
// table carries no _global row.
const DefaultGlobalRate = 0.0029

// Loader fetches the encoding table from wherever it lives.
type Loader interface {
	Load(ctx context.Context) (maps map[string]map[string]float64, globalRate float64, err error)
}

// Cache is the in-memory encoding snapshot shared by all workers.
// Immutable between loads; Encode takes only a read lock.
type Cache struct {
	mu     sync.RWMutex
	maps   map[string]map[string]float64
	global float64
	loader Loader
}

// New loads the table once and returns the cache. A load failure is
// returned to the caller; a loaded-but-empty table is valid and resolves
// every lookup to the global rate.
func New(ctx context.Context, loader Loader) (*Cache, error) {
	c := &Cache{
		maps:   map[string]map[string]float64{},
		global: DefaultGlobalRate,
		loader: loader,
	}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Empty returns a cache with no table; every lookup yields the default
// global rate. Used when no encoding source is configured.
func Empty() *Cache {
	return &Cache{
		maps:   map[string]map[string]float64{},
		global: DefaultGlobalRate,
	}
}

// Encode returns the fraud rate for (feature, value), or the global
// fraud mean when the pair was unseen at training time.
func (c *Cache) Encode(feature, value string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.maps[feature]; ok {
		if rate, ok := m[value]; ok {
			return rate
		}
	}
	return c.global
}

// GlobalRate returns the global fraud mean.
func (c *Cache) GlobalRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global
}

// Len returns the number of encoded (feature, value) pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.maps {
		n += len(m)
	}
	return n
}

// Reload re-reads the table from the loader, swapping the snapshot in
// one step. On error the previous snapshot stays in place.
func (c *Cache) Reload(ctx context.Context) error {
	if c.loader == nil {
		return nil
	}
	maps, global, err := c.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("encoding: load table: %w", err)
	}
	if global <= 0 {
		global = DefaultGlobalRate
	}
	c.mu.Lock()
	c.maps = maps
	c.global = global
	c.mu.Unlock()
	return nil
}

// FileLoader reads the table from a JSON file shaped as
//
//	{"merchant": {"Acme Corp": 0.0156, ...}, "_global": {"fraud_mean": 0.0029}}
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (map[string]map[string]float64, float64, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, 0, err
	}
	var raw map[string]map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("parse %s: %w", l.Path, err)
	}
	global := 0.0
	if g, ok := raw["_global"]; ok {
		global = g["fraud_mean"]
		delete(raw, "_global")
	}
	return raw, global, nil
}

// RedisLoader reads the table from Redis. The set encodings:_features
// lists the feature names; each feature's map lives in the hash
// encodings:<feature>. The global mean is the fraud_mean field of
// encodings:_global.
type RedisLoader struct {
	Client redis.UniversalClient
}

func (l RedisLoader) Load(ctx context.Context) (map[string]map[string]float64, float64, error) {
	features, err := l.Client.SMembers(ctx, "encodings:_features").Result()
	if err != nil {
		return nil, 0, err
	}

	maps := make(map[string]map[string]float64, len(features))
	for _, feature := range features {
		vals, err := l.Client.HGetAll(ctx, "encodings:"+feature).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("read encodings:%s: %w", feature, err)
		}
		m := make(map[string]float64, len(vals))
		for value, rate := range vals {
			m[value] = parseRate(rate)
		}
		maps[feature] = m
	}

	global := 0.0
	if v, err := l.Client.HGet(ctx, "encodings:_global", "fraud_mean").Result(); err == nil {
		global = parseRate(v)
	}
	return maps, global, nil
}

func parseRate(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
