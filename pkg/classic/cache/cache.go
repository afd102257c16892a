// Package cache implements the on-disk memoisation store described in
// spec.md section 3 ("Cache"): a JSON tree persisted under
// ~/.cache/<app>/cache.json, invalidated after a fixed TTL, used to avoid
// re-resolving also-proxy hostnames on every run.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const createdKey = "created"

// Cache is a key-value tree. A Cache retrieved via Child shares the
// underlying values map with its parent, so writes to a child are visible
// when the root is flushed.
type Cache struct {
	mu     *sync.Mutex
	values map[string]interface{}
}

// Load reads path, tolerating a missing file, and returns the root Cache.
func Load(path string) (*Cache, error) {
	values := map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(data, &values); uerr != nil {
			return nil, errors.Wrapf(uerr, "parsing cache %s", path)
		}
	case os.IsNotExist(err):
		// Treat as an empty cache, matching Cache.load in the original.
	default:
		return nil, errors.Wrapf(err, "reading cache %s", path)
	}
	return &Cache{mu: &sync.Mutex{}, values: values}, nil
}

// DefaultPath returns ~/.cache/<app>/cache.json, creating the directory.
func DefaultPath(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	dir := filepath.Join(home, ".cache", app)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating cache directory %s", dir)
	}
	return filepath.Join(dir, "cache.json"), nil
}

// Child returns the sub-cache stored under key, creating it if absent.
func (c *Cache) Child(key string) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	child, ok := c.values[key].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		c.values[key] = child
	}
	return &Cache{mu: c.mu, values: child}
}

// Lookup returns the cached value for key, computing and storing it via fn
// on a miss.
func (c *Cache) Lookup(key string, fn func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if v, ok := c.values[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
	return v, nil
}

// Get returns the raw value for key and whether it was present.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Invalidate clears the whole cache if it is older than ttl.
func (c *Cache) Invalidate(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	created, _ := c.values[createdKey].(float64)
	if time.Since(time.Unix(int64(created), 0)) > ttl {
		for k := range c.values {
			delete(c.values, k)
		}
		c.values[createdKey] = float64(time.Now().Unix())
	}
}

// Save flushes the cache to path atomically (write to a temp file, rename
// over the destination), matching the "flushed atomically at process exit"
// guarantee in spec.md section 5.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.values, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "marshalling cache")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing cache tempfile %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming cache tempfile to %s", path)
	}
	return nil
}
