// Copyright 2024 coScene
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package remoteconfig implements the version-checked fetch-through cache
// (module A) fronting the diagnosis rule sets read by internal/trigger (the
// event-code table is fetched through internal/urlfetch instead). A read never
// fails: any network error at any step falls back to the last persisted
// value, possibly an empty map.
package remoteconfig

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Entry is the persisted {version, value} pair for one cache key.
type Entry struct {
	Version string          `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// Fetcher is implemented by the platform client for the two calls the
// cache needs: a cheap version probe and the full fetch.
type Fetcher interface {
	GetConfigVersion(key string) (string, error)
	GetConfig(key string) (json.RawMessage, error)
}

// Cache is the fetch-through cache described in module A. A small
// in-process gcache.Cache fronts the on-disk JSON-per-key store so repeated
// reads within one sweep never touch disk twice for the same key.
type Cache struct {
	baseDir string
	fetcher Fetcher
	logger  *zap.SugaredLogger

	mu  sync.Mutex
	mem gcache.Cache
}

// New creates a Cache rooted at baseDir (one JSON file per key, named after
// the path-shaped key itself: a key may contain "/" and intermediate
// directories are created as needed).
func New(baseDir string, fetcher Fetcher, logger *zap.SugaredLogger) *Cache {
	return &Cache{
		baseDir: baseDir,
		fetcher: fetcher,
		logger:  logger,
		mem:     gcache.New(256).LRU().Build(),
	}
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.baseDir, key+".json")
}

func (c *Cache) loadLocal(key string) (Entry, bool) {
	if v, err := c.mem.Get(key); err == nil {
		return v.(Entry), true
	}
	raw, err := ioutil.ReadFile(c.path(key))
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	_ = c.mem.Set(key, e)
	return e, true
}

func (c *Cache) storeLocal(key string, e Entry) error {
	p := c.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating remote-config cache dir")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshaling remote-config entry")
	}
	tmp := p + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing remote-config entry")
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Wrap(err, "renaming remote-config entry into place")
	}
	_ = c.mem.Set(key, e)
	return nil
}

// ReadConfig returns the latest value for key. It never returns an error:
// on any failure of the version check or the fetch it falls back to the
// last cached value (an empty JSON object if nothing has ever been
// cached), matching the remote-config cache's "never fails a read"
// propagation policy (see the error handling design and testable property
// S-7).
func (c *Cache) ReadConfig(key string) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, haveCached := c.loadLocal(key)

	version, err := c.fetcher.GetConfigVersion(key)
	if err != nil {
		if c.logger != nil {
			c.logger.Debugw("remote-config version check failed, using cache", "key", key, "err", err)
		}
		return fallbackValue(cached, haveCached)
	}

	if haveCached && cached.Version == version {
		return fallbackValue(cached, haveCached)
	}

	value, err := c.fetcher.GetConfig(key)
	if err != nil {
		if c.logger != nil {
			c.logger.Warnw("remote-config fetch failed, using cache", "key", key, "err", err)
		}
		return fallbackValue(cached, haveCached)
	}

	entry := Entry{Version: version, Value: value}
	if err := c.storeLocal(key, entry); err != nil && c.logger != nil {
		c.logger.Warnw("failed to persist remote-config entry", "key", key, "err", err)
	}
	return value
}

func fallbackValue(cached Entry, have bool) json.RawMessage {
	if have && len(cached.Value) > 0 {
		return cached.Value
	}
	return json.RawMessage("{}")
}
