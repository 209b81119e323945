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

// Package paths centralizes the on-disk layout described in the external
// interfaces section: one state root holding per-component JSON state
// files, a records directory holding one subdirectory per RecordCache, a
// cache root for remote-config/event-code caches, and the default mod's
// own state/tmp directories.
package paths

import (
	"os"
	"path/filepath"
)

// Layout resolves every path the agent touches, rooted at three
// directories (state, cache, config) the caller supplies -- normally
// platform-specific user dirs, overridable for tests.
type Layout struct {
	StateDir  string
	CacheDir  string
	ConfigDir string
}

func (l Layout) ConfigFile() string          { return filepath.Join(l.ConfigDir, "config.yaml") }
func (l Layout) APIClientStateFile() string  { return filepath.Join(l.StateDir, "api_client.state.json") }
func (l Layout) InstallStateFile() string    { return filepath.Join(l.StateDir, "install.state.json") }
func (l Layout) RawDeviceStateFile() string  { return filepath.Join(l.StateDir, "raw_device.state.json") }
func (l Layout) CodeLimitStateFile() string  { return filepath.Join(l.StateDir, "code_limit.state.json") }
func (l Layout) FileIndexStateFile() string  { return filepath.Join(l.StateDir, "file.state.json") }
func (l Layout) UpdaterStateFile() string    { return filepath.Join(l.StateDir, "updater.state.json") }
func (l Layout) RecordsDir() string          { return filepath.Join(l.StateDir, "records") }
func (l Layout) CodeTableCacheFile() string  { return filepath.Join(l.CacheDir, "code.json") }
func (l Layout) RemoteConfigCacheDir() string { return l.CacheDir }

// ModStateDir returns the per-mod state directory holding <uuid>.json
// upload-request files, e.g. "<state>/mods/default/".
func (l Layout) ModStateDir(modName string) string {
	return filepath.Join(l.StateDir, "mods", modName)
}

// ModTempDir returns the per-mod scratch directory that materialization
// slices files into, e.g. "<state>/mods/default/tmp/<uuid>/".
func (l Layout) ModTempDir(modName string) string {
	return filepath.Join(l.ModStateDir(modName), "tmp")
}

// RecordStateRelativePath is the relative path, within a record's base
// directory, of its state.json.
const RecordStateRelativePath = ".cos/state.json"

// RecordBaseDir returns the base directory for a record keyed by key.
func (l Layout) RecordBaseDir(key string) string {
	return filepath.Join(l.RecordsDir(), key)
}

// RecordStateFile returns the state.json path for a record keyed by key.
func (l Layout) RecordStateFile(key string) string {
	return filepath.Join(l.RecordBaseDir(key), RecordStateRelativePath)
}

// EnsureDirs creates the three root directories and the records directory
// (idempotent).
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.StateDir, l.CacheDir, l.ConfigDir, l.RecordsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
