// Package preferences keeps the viewer's display preferences, mirrored from
// the server and cached in Redis across restarts.
package preferences

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Preference is one stored user preference.
type Preference struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

func (p Preference) key() string {
	return p.Category + ":" + p.Name
}

// Backing persists preferences outside the process.
type Backing interface {
	Save(ctx context.Context, userID string, prefs []Preference) error
	Load(ctx context.Context, userID string) ([]Preference, error)
	Delete(ctx context.Context, userID string, prefs []Preference) error
	// Replace makes prefs the user's complete stored set.
	Replace(ctx context.Context, userID string, prefs []Preference) error
}

// Cache answers preference lookups from memory. Lookups never block on the
// backing store.
type Cache struct {
	userID  string
	backing Backing

	mu     sync.RWMutex
	values map[string]string
}

// NewCache returns an empty cache for userID. backing may be nil.
func NewCache(userID string, backing Backing) *Cache {
	return &Cache{userID: userID, backing: backing, values: make(map[string]string)}
}

// GetBool returns the preference as a bool, or defaultValue when it is unset
// or not a bool.
func (c *Cache) GetBool(category, name string, defaultValue bool) bool {
	c.mu.RLock()
	raw, ok := c.values[category+":"+name]
	c.mu.RUnlock()
	if !ok {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func (c *Cache) Get(category, name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.values[category+":"+name]
	return raw, ok
}

// Apply merges prefs into the cache and writes them through to the backing
// store.
func (c *Cache) Apply(ctx context.Context, prefs []Preference) error {
	c.mu.Lock()
	for _, p := range prefs {
		c.values[p.key()] = p.Value
	}
	c.mu.Unlock()
	if c.backing == nil || len(prefs) == 0 {
		return nil
	}
	if err := c.backing.Save(ctx, c.userID, prefs); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

// Delete drops prefs from the cache and from the backing store.
func (c *Cache) Delete(ctx context.Context, prefs []Preference) error {
	c.mu.Lock()
	for _, p := range prefs {
		delete(c.values, p.key())
	}
	c.mu.Unlock()
	if c.backing == nil || len(prefs) == 0 {
		return nil
	}
	if err := c.backing.Delete(ctx, c.userID, prefs); err != nil {
		return fmt.Errorf("delete stored preferences: %w", err)
	}
	return nil
}

// Replace swaps the whole cache for prefs, the server's full list, and
// stores the same snapshot. Values absent from prefs are forgotten.
func (c *Cache) Replace(ctx context.Context, prefs []Preference) error {
	values := make(map[string]string, len(prefs))
	for _, p := range prefs {
		values[p.key()] = p.Value
	}
	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
	if c.backing == nil {
		return nil
	}
	if err := c.backing.Replace(ctx, c.userID, prefs); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

// Warm fills the cache from the backing store, so lookups answer before the
// server has been reached.
func (c *Cache) Warm(ctx context.Context) error {
	if c.backing == nil {
		return nil
	}
	prefs, err := c.backing.Load(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range prefs {
		if _, ok := c.values[p.key()]; !ok {
			c.values[p.key()] = p.Value
		}
	}
	return nil
}
