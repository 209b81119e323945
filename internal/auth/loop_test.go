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

package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/version"
)

type fakeAuthTransport struct {
	platform.Transport

	status       platform.DeviceStatus
	token        platform.AuthToken
	tagCalls     []map[string]string
	refreshDevice platform.Device
}

func (f *fakeAuthTransport) CheckDeviceStatus(ctx context.Context, deviceName, code string) (platform.DeviceStatus, error) {
	return f.status, nil
}

func (f *fakeAuthTransport) ExchangeDeviceAuthToken(ctx context.Context, deviceName, code string) (platform.AuthToken, error) {
	return f.token, nil
}

func (f *fakeAuthTransport) UpdateDeviceTags(ctx context.Context, deviceName string, tags map[string]string) (platform.Device, error) {
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	f.tagCalls = append(f.tagCalls, cp)
	return f.refreshDevice, nil
}

func (f *fakeAuthTransport) GetDevice(ctx context.Context, deviceName string) (platform.Device, error) {
	return f.refreshDevice, nil
}

func newAuthedClient(t *testing.T, transport platform.Transport) *platform.Client {
	t.Helper()
	dir := t.TempDir()
	state, err := platform.LoadClientState(filepath.Join(dir, "api_client.state.json"))
	require.NoError(t, err)
	install, err := platform.LoadInstallState(filepath.Join(dir, "install.state.json"))
	require.NoError(t, err)
	state.Device = &platform.Device{Name: "devices/d1"}
	state.ExchangeCode = "code-1"
	return platform.New(transport, platform.Config{}, state, install, nil)
}

func TestLoopRunAuthorizesOnFirstSuccessfulExchange(t *testing.T) {
	assert := require.New(t)

	transport := &fakeAuthTransport{
		status: platform.DeviceStatus{Exist: true, AuthorizeState: "APPROVED"},
		token:  platform.AuthToken{DeviceAuthToken: "tok", ExpiresTime: time.Now().Add(time.Hour).UTC().Format(time.RFC3339)},
	}
	client := newAuthedClient(t, transport)
	l := &Loop{Client: client, RawDevice: &RawDevice{SerialNumber: "sn-1"}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(l.Run(ctx))
	assert.True(client.State.IsAuthed(time.Now()))
}

func TestLoopRunReturnsOnContextCancelWhenNeverAuthorized(t *testing.T) {
	assert := require.New(t)

	transport := &fakeAuthTransport{
		status: platform.DeviceStatus{Exist: true, AuthorizeState: "PENDING"},
		token:  platform.AuthToken{}, // empty token: waiting for user approval
	}
	client := newAuthedClient(t, transport)
	l := &Loop{Client: client, RawDevice: &RawDevice{SerialNumber: "sn-1"}, IntervalS: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Run(ctx)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func TestSetupCosVersionTagsDeviceWhenVersionDiffers(t *testing.T) {
	assert := require.New(t)

	prev := version.Version
	version.Version = "9.9.9"
	defer func() { version.Version = prev }()

	transport := &fakeAuthTransport{
		refreshDevice: platform.Device{Name: "devices/d1", Tags: map[string]string{"cos_version": "9.9.9"}},
	}
	client := newAuthedClient(t, transport)
	l := &Loop{Client: client, RawDevice: &RawDevice{SerialNumber: "sn-1"}}

	l.setupCosVersion(context.Background())
	assert.Len(transport.tagCalls, 1)
	assert.Equal("9.9.9", transport.tagCalls[0]["cos_version"])

	// Calling again with the device now reporting the same version tag
	// must not re-tag.
	l.setupCosVersion(context.Background())
	assert.Len(transport.tagCalls, 1)
}

func TestLabelDisplayNamesExtractsNamedLabelsOnly(t *testing.T) {
	assert := require.New(t)

	in := []map[string]any{
		{"displayName": "a"},
		{"other": "b"},
		{"displayName": "c"},
	}
	assert.Equal([]string{"a", "c"}, labelDisplayNames(in))
}

func TestCloneTagsCopiesIndependently(t *testing.T) {
	assert := require.New(t)

	in := map[string]string{"a": "1"}
	out := cloneTags(in)
	out["b"] = "2"
	assert.NotContains(in, "b")
	assert.Equal("1", out["a"])
}
