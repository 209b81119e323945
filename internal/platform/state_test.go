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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadClientStateMissingReturnsZeroValue(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	s, err := LoadClientState(filepath.Join(dir, "api_client.state.json"))
	assert.NoError(err)
	assert.NotNil(s.SlugCache)
	assert.Nil(s.Device)
}

func TestClientStateSaveAndLoadRoundTrip(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "api_client.state.json")
	s, err := LoadClientState(path)
	assert.NoError(err)

	s.Device = &Device{Name: "devices/d1"}
	s.OrgName = "orgs/o1"
	s.SlugCache["p1"] = "projects/p1"
	assert.NoError(s.Save())

	loaded, err := LoadClientState(path)
	assert.NoError(err)
	assert.Equal("devices/d1", loaded.Device.Name)
	assert.Equal("orgs/o1", loaded.OrgName)
	assert.Equal("projects/p1", loaded.SlugCache["p1"])
}

func TestClientStateIsAuthed(t *testing.T) {
	assert := require.New(t)

	s, err := LoadClientState(filepath.Join(t.TempDir(), "s.json"))
	assert.NoError(err)

	assert.False(s.IsAuthed(time.Now()), "no api key means not authed")

	s.AuthorizedDevice(time.Now().Add(time.Hour).Unix(), "key-1")
	assert.True(s.IsAuthed(time.Now()))

	s.AuthorizedDevice(time.Now().Add(-time.Hour).Unix(), "key-1")
	assert.False(s.IsAuthed(time.Now()), "an expired key must not count as authed")
}

func TestClientStateRegisteredDeviceClearsAuthToken(t *testing.T) {
	assert := require.New(t)

	s, err := LoadClientState(filepath.Join(t.TempDir(), "s.json"))
	assert.NoError(err)
	s.AuthorizedDevice(time.Now().Add(time.Hour).Unix(), "key-1")

	s.RegisteredDevice(Device{Name: "devices/d2"}, "code-2")
	assert.Equal("devices/d2", s.Device.Name)
	assert.Equal("code-2", s.ExchangeCode)
	assert.Empty(s.APIKey)
	assert.Zero(s.APIKeyExpiresAt)
}

func TestLoadInstallStateMissingReturnsZeroValue(t *testing.T) {
	assert := require.New(t)

	s, err := LoadInstallState(filepath.Join(t.TempDir(), "install.state.json"))
	assert.NoError(err)
	assert.False(s.InitInstall)
}

func TestInstallStateCleanResetsAndPersists(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "install.state.json")
	s, err := LoadInstallState(path)
	assert.NoError(err)
	s.InitInstall = true
	assert.NoError(s.Save())

	reloaded, err := LoadInstallState(path)
	assert.NoError(err)
	assert.True(reloaded.InitInstall)

	assert.NoError(reloaded.Clean())
	assert.False(reloaded.InitInstall)

	afterClean, err := LoadInstallState(path)
	assert.NoError(err)
	assert.False(afterClean.InitInstall)
}
