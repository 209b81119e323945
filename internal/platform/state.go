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

package platform

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ClientState is ApiClientState from the data model (section 3): the
// device's registration/auth status, persisted as a sibling JSON file.
// IsAuthed and the 24h-early-renewal check are evaluated straight off
// these fields by the auth/register loop (module C).
type ClientState struct {
	path string `json:"-"`
	mu   sync.Mutex

	SlugCache        map[string]string `json:"slug_cache,omitempty"`
	Device           *Device           `json:"device,omitempty"`
	OrgName          string            `json:"org_name,omitempty"`
	ExchangeCode     string            `json:"exchange_code,omitempty"`
	APIKey           string            `json:"api_key,omitempty"`
	APIKeyExpiresAt  int64             `json:"api_key_expires_at,omitempty"`
}

// LoadClientState reads the persisted state at path, returning a zero
// value (not an error) if the file doesn't exist yet.
func LoadClientState(path string) (*ClientState, error) {
	s := &ClientState{path: path, SlugCache: map[string]string{}}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "reading api client state %q", path)
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, errors.Wrapf(err, "parsing api client state %q", path)
	}
	s.path = path
	if s.SlugCache == nil {
		s.SlugCache = map[string]string{}
	}
	return s, nil
}

// Save persists the state atomically.
func (s *ClientState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating api client state dir")
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling api client state")
	}
	tmp := s.path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing api client state")
	}
	return os.Rename(tmp, s.path)
}

// IsAuthed reports api_key != "" && expires_at > now (testable property
// 11).
func (s *ClientState) IsAuthed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.APIKey != "" && s.APIKeyExpiresAt > now.Unix()
}

// RegisteredDevice stores the result of a fresh registration, clearing any
// previously held auth token.
func (s *ClientState) RegisteredDevice(device Device, exchangeCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Device = &device
	s.ExchangeCode = exchangeCode
	s.APIKey = ""
	s.APIKeyExpiresAt = 0
}

// AuthorizedDevice stores a freshly exchanged token.
func (s *ClientState) AuthorizedDevice(expiresAt int64, apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.APIKeyExpiresAt = expiresAt
	s.APIKey = apiKey
}

// InstallState mirrors InstallState: a one-shot "force re-registration"
// flag the installer can stamp so the next register loop iteration treats
// the device as brand new even if stale state is on disk.
type InstallState struct {
	path        string `json:"-"`
	InitInstall bool   `json:"init_install,omitempty"`
}

// LoadInstallState reads the persisted install state, returning a zero
// value if absent.
func LoadInstallState(path string) (*InstallState, error) {
	s := &InstallState{path: path}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

// Clean resets InitInstall and persists, called after a registration
// consumes the flag.
func (s *InstallState) Clean() error {
	s.InitInstall = false
	return s.Save()
}

// Save persists the install state atomically.
func (s *InstallState) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
