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

// Package codelimit implements the per-event-code hit limiter (module G):
// a whitelist of daily caps, reset on aligned interval boundaries so
// restarts never drift the reset clock.
package codelimit

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the on-disk shape of CodeLimitState.
type State struct {
	LastResetTimestamp int64          `json:"last_reset_timestamp"`
	Counters           map[string]int `json:"counters"`
}

// Table is the cached event-code -> display-message lookup fetched via
// EventCodeConfig.CodeJSONURL (see internal/urlfetch), used to build
// human-readable record titles ("<code_message>(<code>) @ <iso time>").
type Table map[string]string

// Message returns the human-readable text for code, or def if the code
// isn't in the table.
func (t Table) Message(code, def string) string {
	if t == nil {
		return def
	}
	if m, ok := t[code]; ok {
		return m
	}
	return def
}

// Manager enforces per-code daily (or otherwise configured) hit quotas and
// doubles as the event-code display-message lookup (EventCodeManager's two
// responsibilities in one type).
type Manager struct {
	mu         sync.Mutex
	statePath  string
	whitelist  map[string]int
	intervalS  int64
	enabled    bool
	state      State
	loaded     bool
	now        func() time.Time
	logger     *zap.SugaredLogger
	table      Table
}

// New creates a Manager. whitelist maps code -> limit, where -1 means
// unlimited and an absent code means "treat as over limit" (conservative).
func New(statePath string, enabled bool, whitelist map[string]int, resetIntervalSecs int, logger *zap.SugaredLogger) *Manager {
	if resetIntervalSecs <= 0 {
		resetIntervalSecs = 24 * 3600
	}
	return &Manager{
		statePath: statePath,
		whitelist: whitelist,
		intervalS: int64(resetIntervalSecs),
		enabled:   enabled,
		now:       time.Now,
		logger:    logger,
	}
}

func (m *Manager) load() {
	if m.loaded {
		return
	}
	m.loaded = true
	raw, err := ioutil.ReadFile(m.statePath)
	if err != nil {
		if !os.IsNotExist(err) && m.logger != nil {
			m.logger.Warnw("failed to read code-limit state, starting fresh", "err", err)
		}
		return
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		if m.logger != nil {
			m.logger.Warnw("corrupt code-limit state, starting fresh", "err", err)
		}
		return
	}
	m.state = s
}

func (m *Manager) persist() error {
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return errors.Wrap(err, "creating code-limit state dir")
	}
	raw, err := json.Marshal(m.state)
	if err != nil {
		return errors.Wrap(err, "marshaling code-limit state")
	}
	tmp := m.statePath + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing code-limit state")
	}
	return os.Rename(tmp, m.statePath)
}

// createOrResetState loads the on-disk state on cold start and, if the
// aligned reset window has elapsed (or no state exists), snaps
// last_reset_timestamp forward in whole interval units and clears the
// counters. Aligning to multiples of the interval keeps resets from
// drifting across restarts (invariant 6 in the spec's testable
// properties).
func (m *Manager) createOrResetState() {
	m.load()

	now := m.now().Unix()
	if m.state.LastResetTimestamp == 0 {
		m.state.LastResetTimestamp = now
		m.state.Counters = map[string]int{}
		_ = m.persist()
		return
	}

	resetDue := m.state.LastResetTimestamp + m.intervalS
	if now > resetDue {
		n := (now - m.state.LastResetTimestamp) / m.intervalS
		if n < 1 {
			n = 1
		}
		m.state.LastResetTimestamp += n * m.intervalS
		m.state.Counters = map[string]int{}
		_ = m.persist()
	}
	if m.state.Counters == nil {
		m.state.Counters = map[string]int{}
	}
}

// IsOverLimit reports whether code has exhausted its quota for the current
// window. An empty code and a code missing from the whitelist are both
// treated conservatively as over limit; a whitelist value of -1 means
// unlimited.
func (m *Manager) IsOverLimit(code string) bool {
	if !m.enabled {
		return false
	}
	if code == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOrResetState()

	limit, ok := m.whitelist[code]
	if !ok {
		return true
	}
	if limit == -1 {
		return false
	}
	return m.state.Counters[code] >= limit
}

// SetTable installs the event-code -> display-message table fetched via
// EventCodeConfig.CodeJSONURL (see internal/urlfetch).
func (m *Manager) SetTable(t Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
}

// Message returns the human-readable text for code, or def if the table
// is unset or doesn't contain code.
func (m *Manager) Message(code, def string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Message(code, def)
}

// Hit records one occurrence of code, persisting the updated counter. A
// no-op when disabled or code is empty.
func (m *Manager) Hit(code string) {
	if !m.enabled || code == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOrResetState()

	m.state.Counters[code]++
	if err := m.persist(); err != nil && m.logger != nil {
		m.logger.Errorw("failed to persist code-limit state", "err", err)
	}
}
