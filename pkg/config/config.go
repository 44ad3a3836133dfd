// Package config is the dotted-key configuration store (AMBIENT STACK):
// a flat map[string]string with typed getters, loaded by layering a
// repository's own config blob over global defaults and command-line
// overrides, the way dolt's libraries/doltcore/config and env packages
// layer global -> repo -> command-line config. Command-line flag
// parsing itself is out of scope; callers hand this package the final
// layer as a plain map.
package config

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Config is a layered, dotted-key store. Layers are consulted highest
// priority first: command-line overrides, then repo config, then global
// config.
type Config struct {
	mu     sync.RWMutex
	layers []map[string]string // index 0 = highest priority
}

// New returns a Config with the given layers, highest priority first.
// Each layer may be nil.
func New(layers ...map[string]string) *Config {
	c := &Config{}
	for _, l := range layers {
		if l == nil {
			l = map[string]string{}
		}
		c.layers = append(c.layers, l)
	}
	return c
}

// Get returns the value for key from the highest-priority layer that
// defines it.
func (c *Config) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.layers {
		if v, ok := l[key]; ok {
			return v, true
		}
	}
	return "", false
}

// GetDefault returns Get(key), or def if key is unset in every layer.
func (c *Config) GetDefault(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// GetBool parses the resolved value as a bool ("true"/"false"/"1"/"0"/
// "yes"/"no"), or returns def if unset or unparseable.
func (c *Config) GetBool(key string, def bool) bool {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

// GetInt parses the resolved value as an integer, or returns def if
// unset or unparseable.
func (c *Config) GetInt(key string, def int) int {
	v, ok := c.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set writes key into the highest-priority layer (layer 0), creating it
// if no layers exist yet.
func (c *Config) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.layers) == 0 {
		c.layers = []map[string]string{{}}
	}
	c.layers[0][key] = value
}

// Section returns every resolved key under the dotted prefix (e.g.
// "workingcopy.") with the prefix stripped, merging layers so that a
// lower-priority layer's key is visible only if no higher layer sets it.
func (c *Config) Section(prefix string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]string{}
	for i := len(c.layers) - 1; i >= 0; i-- {
		for k, v := range c.layers[i] {
			if strings.HasPrefix(k, prefix) {
				out[strings.TrimPrefix(k, prefix)] = v
			}
		}
	}
	return out
}

// ParseLines parses a simple "key = value" config blob (one per line,
// "#" comments, blank lines ignored) - the format the object database's
// own config blob is stored in (meta/config or the bare-repo config
// file, §6.2). It never returns a partial map on error.
func ParseLines(data []byte) (map[string]string, error) {
	out := map[string]string{}
	for i, rawLine := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errors.Errorf("config: line %d: missing '='", i+1)
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if key == "" {
			return nil, errors.Errorf("config: line %d: empty key", i+1)
		}
		out[key] = value
	}
	return out, nil
}
