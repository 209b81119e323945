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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeClientTransport struct {
	Transport

	org       map[string]any
	orgErr    error
	orgCalls  int
	slugName  string
	slugErr   error
	slugCalls int

	record    Record
	recordErr error

	label       *Label
	labelErr    error
	createdLabel Label

	registerResult RegisterResult
	registerErr    error

	status    DeviceStatus
	statusErr error
	token     AuthToken
	tokenErr  error
}

func (f *fakeClientTransport) GetOrganization(ctx context.Context) (map[string]any, error) {
	f.orgCalls++
	return f.org, f.orgErr
}

func (f *fakeClientTransport) ProjectSlugToName(ctx context.Context, slug string) (string, error) {
	f.slugCalls++
	return f.slugName, f.slugErr
}

func (f *fakeClientTransport) CreateRecord(ctx context.Context, projectName string, p CreateRecordParams) (Record, error) {
	return f.record, f.recordErr
}

func (f *fakeClientTransport) GetRecord(ctx context.Context, recordName string) (Record, error) {
	return f.record, f.recordErr
}

func (f *fakeClientTransport) GetLabelByDisplayName(ctx context.Context, projectName, displayName string) (*Label, error) {
	return f.label, f.labelErr
}

func (f *fakeClientTransport) CreateLabel(ctx context.Context, projectName string, label Label) (Label, error) {
	f.createdLabel = label
	return label, nil
}

func (f *fakeClientTransport) RegisterDevice(ctx context.Context, serialNumber, displayName, description string, labels []string, tags map[string]string) (RegisterResult, error) {
	return f.registerResult, f.registerErr
}

func (f *fakeClientTransport) CheckDeviceStatus(ctx context.Context, deviceName, code string) (DeviceStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeClientTransport) ExchangeDeviceAuthToken(ctx context.Context, deviceName, code string) (AuthToken, error) {
	return f.token, f.tokenErr
}

func newTestClient(t *testing.T, transport Transport, conf Config) *Client {
	t.Helper()
	dir := t.TempDir()
	state, err := LoadClientState(filepath.Join(dir, "api_client.state.json"))
	require.NoError(t, err)
	install, err := LoadInstallState(filepath.Join(dir, "install.state.json"))
	require.NoError(t, err)
	return New(transport, conf, state, install, nil)
}

func TestOrgNameFetchesAndCachesWhenUseCache(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{org: map[string]any{"name": "orgs/o1"}}
	client := newTestClient(t, transport, Config{UseCache: true})

	name, err := client.OrgName(context.Background())
	assert.NoError(err)
	assert.Equal("orgs/o1", name)
	assert.Equal(1, transport.orgCalls)

	name, err = client.OrgName(context.Background())
	assert.NoError(err)
	assert.Equal("orgs/o1", name)
	assert.Equal(1, transport.orgCalls, "a cached org name must not refetch")
}

func TestOrgNameWithoutCacheAlwaysRefetches(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{org: map[string]any{"name": "orgs/o1"}}
	client := newTestClient(t, transport, Config{UseCache: false})

	_, err := client.OrgName(context.Background())
	assert.NoError(err)
	_, err = client.OrgName(context.Background())
	assert.NoError(err)
	assert.Equal(2, transport.orgCalls)
}

func TestProjectNameExplicitOverrideWins(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{slugName: "projects/by-slug"}
	client := newTestClient(t, transport, Config{ProjectSlug: "some-slug"})
	client.SetActiveProject("projects/explicit")

	name, err := client.ProjectName(context.Background())
	assert.NoError(err)
	assert.Equal("projects/explicit", name)
	assert.Zero(transport.slugCalls)
}

func TestProjectNameResolvesAndCachesSlug(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{slugName: "projects/p1"}
	client := newTestClient(t, transport, Config{ProjectSlug: "p1", UseCache: true})

	name, err := client.ProjectName(context.Background())
	assert.NoError(err)
	assert.Equal("projects/p1", name)
	assert.Equal(1, transport.slugCalls)

	name, err = client.ProjectName(context.Background())
	assert.NoError(err)
	assert.Equal("projects/p1", name)
	assert.Equal(1, transport.slugCalls, "a cached slug must not be resolved twice")
}

func TestProjectNameEmptySlugReturnsEmpty(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{}
	client := newTestClient(t, transport, Config{})

	name, err := client.ProjectName(context.Background())
	assert.NoError(err)
	assert.Empty(name)
}

func TestCreateOrGetRecordCreatesWhenNameEmpty(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{record: Record{Name: "records/new"}}
	client := newTestClient(t, transport, Config{})

	rec, err := client.CreateOrGetRecord(context.Background(), "projects/p1", "", CreateRecordParams{Title: "t"})
	assert.NoError(err)
	assert.Equal("records/new", rec.Name)
}

func TestCreateOrGetRecordStripsHeadFilesAndTransformation(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{
		record: Record{
			Name: "records/existing",
			RawFields: map[string]any{
				"name": "records/existing",
				"head": map[string]any{
					"files":          []any{"f1"},
					"transformation": map[string]any{"x": 1},
					"keep":           "me",
				},
			},
		},
	}
	client := newTestClient(t, transport, Config{})

	rec, err := client.CreateOrGetRecord(context.Background(), "projects/p1", "records/existing", CreateRecordParams{})
	assert.NoError(err)
	head := rec.RawFields["head"].(map[string]any)
	assert.NotContains(head, "files")
	assert.NotContains(head, "transformation")
	assert.Equal("me", head["keep"])
}

func TestEnsureLabelReturnsExistingWithoutCreating(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{label: &Label{DisplayName: "existing"}}
	client := newTestClient(t, transport, Config{})

	label, err := client.EnsureLabel(context.Background(), "projects/p1", "existing")
	assert.NoError(err)
	assert.Equal("existing", label.DisplayName)
	assert.Empty(transport.createdLabel.DisplayName)
}

func TestEnsureLabelCreatesWhenMissing(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{label: nil}
	client := newTestClient(t, transport, Config{})

	label, err := client.EnsureLabel(context.Background(), "projects/p1", "new-label")
	assert.NoError(err)
	assert.Equal("new-label", label.DisplayName)
	assert.Equal("new-label", transport.createdLabel.DisplayName)
}

func TestRegisterAndAuthorizeDeviceShortCircuitsOnUnexpiredKey(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{}
	client := newTestClient(t, transport, Config{})
	client.State.APIKey = "key-1"
	client.State.APIKeyExpiresAt = time.Now().Add(48 * time.Hour).Unix()

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.True(ok)
}

func TestRegisterAndAuthorizeDeviceRegistersWhenUnregistered(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{
		registerResult: RegisterResult{Device: Device{Name: "devices/d1"}, ExchangeCode: "code-1"},
	}
	client := newTestClient(t, transport, Config{})

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.False(ok, "freshly registered device is not yet authorized")
	assert.Equal("devices/d1", client.State.Device.Name)
	assert.Equal("code-1", client.State.ExchangeCode)
}

func TestRegisterAndAuthorizeDeviceRegistersWhenInitInstallSet(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{
		registerResult: RegisterResult{Device: Device{Name: "devices/d2"}, ExchangeCode: "code-2"},
	}
	client := newTestClient(t, transport, Config{})
	client.State.Device = &Device{Name: "devices/stale"}
	client.State.ExchangeCode = "stale-code"
	client.Install.InitInstall = true

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.False(ok)
	assert.Equal("devices/d2", client.State.Device.Name)
	assert.False(client.Install.InitInstall, "registering must clear the init-install flag")
}

func TestRegisterAndAuthorizeDeviceRejectedStopsWaiting(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{status: DeviceStatus{Exist: true, AuthorizeState: "REJECTED"}}
	client := newTestClient(t, transport, Config{})
	client.State.Device = &Device{Name: "devices/d1"}
	client.State.ExchangeCode = "code-1"

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.False(ok)
}

func TestRegisterAndAuthorizeDeviceWaitsForApprovalWithEmptyToken(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{
		status: DeviceStatus{Exist: true, AuthorizeState: "PENDING"},
		token:  AuthToken{},
	}
	client := newTestClient(t, transport, Config{})
	client.State.Device = &Device{Name: "devices/d1"}
	client.State.ExchangeCode = "code-1"

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.False(ok)
}

func TestRegisterAndAuthorizeDeviceAuthorizesOnValidToken(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{
		status: DeviceStatus{Exist: true, AuthorizeState: "APPROVED"},
		token:  AuthToken{DeviceAuthToken: "tok-1", ExpiresTime: time.Now().Add(time.Hour).UTC().Format(time.RFC3339)},
	}
	client := newTestClient(t, transport, Config{})
	client.State.Device = &Device{Name: "devices/d1"}
	client.State.ExchangeCode = "code-1"

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("tok-1", client.State.APIKey)
	assert.True(client.State.IsAuthed(time.Now()))
}

func TestRegisterAndAuthorizeDeviceStopsWhenDeviceGone(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{status: DeviceStatus{Exist: false}}
	client := newTestClient(t, transport, Config{})
	client.State.Device = &Device{Name: "devices/d1"}
	client.State.ExchangeCode = "code-1"

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.NoError(err)
	assert.False(ok)
}

func TestRegisterAndAuthorizeDevicePropagatesTransportError(t *testing.T) {
	assert := require.New(t)

	transport := &fakeClientTransport{registerErr: errors.New("network down")}
	client := newTestClient(t, transport, Config{})

	ok, err := client.RegisterAndAuthorizeDevice(context.Background(), "sn-1", "d1", "desc", nil, nil)
	assert.Error(err)
	assert.False(ok)
}

func TestParseRFC3339ToUnixEmptyReturnsZero(t *testing.T) {
	assert := require.New(t)

	v, err := parseRFC3339ToUnix("")
	assert.NoError(err)
	assert.Zero(v)
}

func TestParseRFC3339ToUnixInvalidReturnsError(t *testing.T) {
	assert := require.New(t)

	_, err := parseRFC3339ToUnix("not-a-timestamp")
	assert.Error(err)
}
