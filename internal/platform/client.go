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
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned by any Transport call whenever the server
// answers with a 401-equivalent (REST 401, gRPC codes.Unauthenticated).
// It is the one error kind the collector scheduler lets escape the
// per-record sweep boundary so the outer auth loop can re-run (see the
// error handling design).
var ErrUnauthorized = errors.New("platform: unauthorized")

// Transport is implemented once per wire protocol (internal/platform/rest,
// internal/platform/grpctransport). Every method applies a 10s deadline
// internally when ctx carries none (except UploadFile, which sets no
// deadline of its own), and routes request/response byte sizes
// through the network-usage meter -- both described in module B.
type Transport interface {
	GetOrganization(ctx context.Context) (map[string]any, error)
	GetConfigMap(ctx context.Context, configKey, parentName string) (map[string]any, error)
	GetConfigMapMetadata(ctx context.Context, configKey, parentName string) (map[string]any, error)

	ListDeviceProjects(ctx context.Context, deviceName string) ([]map[string]any, error)
	ProjectSlugToName(ctx context.Context, slug string) (string, error)

	CreateRecord(ctx context.Context, projectName string, p CreateRecordParams) (Record, error)
	UpdateRecord(ctx context.Context, recordName, title, description string, labels []string) (Record, error)
	GetRecord(ctx context.Context, recordName string) (Record, error)
	GenerateRecordThumbnailUploadURL(ctx context.Context, recordName string, expireSecs int) (string, error)

	GetDevice(ctx context.Context, deviceName string) (Device, error)
	UpdateDeviceTags(ctx context.Context, deviceName string, tags map[string]string) (Device, error)
	RegisterDevice(ctx context.Context, serialNumber, displayName, description string, labels []string, tags map[string]string) (RegisterResult, error)
	ExchangeDeviceAuthToken(ctx context.Context, deviceName, code string) (AuthToken, error)
	CheckDeviceStatus(ctx context.Context, deviceName, code string) (DeviceStatus, error)
	SendHeartbeat(ctx context.Context, deviceName, cosVersion string, uploadBytes, downloadBytes int64) error

	CreateEvent(ctx context.Context, p CreateEventParams) (map[string]any, error)

	GetLabelByDisplayName(ctx context.Context, projectName, displayName string) (*Label, error)
	CreateLabel(ctx context.Context, projectName string, label Label) (Label, error)

	GenerateSecurityToken(ctx context.Context, projectName string) (SecurityToken, error)

	GetDiagnosisRuleMetadata(ctx context.Context, projectName string) (map[string]any, error)
	GetDiagnosisRules(ctx context.Context, projectName string) (DiagnosisRuleSet, error)
	HitDiagnosisRule(ctx context.Context, ruleSetName string, hit map[string]any, deviceName string, actionTriggered bool) error
	CountDiagnosisRuleHits(ctx context.Context, ruleSetName string, hit map[string]any, deviceName string) (HitCount, error)

	CreateTask(ctx context.Context, p CreateTaskParams) (Task, error)
	ListDeviceTasks(ctx context.Context, deviceName, state string) ([]Task, error)
	UpdateTaskState(ctx context.Context, taskName, state string) error
	PutTaskTags(ctx context.Context, taskName string, tags map[string]string) error

	Counter(ctx context.Context, name string, delta float64) error
	Timer(ctx context.Context, name string, d time.Duration) error
	Gauge(ctx context.Context, name string, value float64) error

	// UploadFile PUTs the file at localPath to a pre-signed URL (used for
	// record thumbnails, a single-shot upload outside the resumable
	// multipart path).
	UploadFile(ctx context.Context, uploadURL, localPath string) error
}

// Config mirrors ApiClientConfig.
type Config struct {
	ServerURL   string
	ProjectSlug string
	OrgSlug     string
	UseCache    bool
}

// Client wraps a Transport with the project/org name resolution,
// create-or-get-record, and register-and-authorize-device logic that in
// the original is implemented once on the abstract base class atop
// transport-specific primitives (cos/core/api.py's ApiClient).
type Client struct {
	Transport Transport
	Conf      Config
	State     *ClientState
	Install   *InstallState
	Logger    *zap.SugaredLogger

	projectName string // explicit override, e.g. set by handle_record per rec_cache.project_name
}

// New wraps transport with the given config/state.
func New(transport Transport, conf Config, state *ClientState, install *InstallState, logger *zap.SugaredLogger) *Client {
	return &Client{Transport: transport, Conf: conf, State: state, Install: install, Logger: logger}
}

// SetActiveProject narrows subsequent ProjectName() calls; an empty
// string resets to the configured slug.
func (c *Client) SetActiveProject(name string) { c.projectName = name }

// OrgName resolves and caches the organization's resource name.
func (c *Client) OrgName(ctx context.Context) (string, error) {
	if c.State.OrgName != "" {
		return c.State.OrgName, nil
	}
	org, err := c.Transport.GetOrganization(ctx)
	if err != nil {
		return "", err
	}
	name, _ := org["name"].(string)
	if c.Conf.UseCache {
		c.State.OrgName = name
		_ = c.State.Save()
	}
	return name, nil
}

// ProjectName resolves the active project's resource name: an explicit
// override (SetActiveProject) wins, else the configured slug is resolved
// (and cached) through ProjectSlugToName.
func (c *Client) ProjectName(ctx context.Context) (string, error) {
	if c.projectName != "" {
		return c.projectName, nil
	}
	if c.Conf.ProjectSlug == "" {
		return "", nil
	}
	return c.projectNameBySlug(ctx, c.Conf.ProjectSlug)
}

func (c *Client) projectNameBySlug(ctx context.Context, slug string) (string, error) {
	if name, ok := c.State.SlugCache[slug]; ok {
		return name, nil
	}
	name, err := c.Transport.ProjectSlugToName(ctx, slug)
	if err != nil {
		return "", err
	}
	if c.Conf.UseCache {
		c.State.SlugCache[slug] = name
		_ = c.State.Save()
	}
	return name, nil
}

// CreateOrGetRecord creates a new record, or fetches an existing one and
// strips head.files/head.transformation so the server computes a new
// revision on the next update, matching module B's description exactly.
func (c *Client) CreateOrGetRecord(ctx context.Context, projectName, recordName string, p CreateRecordParams) (Record, error) {
	if recordName == "" {
		return c.Transport.CreateRecord(ctx, projectName, p)
	}
	record, err := c.Transport.GetRecord(ctx, recordName)
	if err != nil {
		return Record{}, err
	}
	if record.RawFields != nil {
		if head, ok := record.RawFields["head"].(map[string]any); ok {
			delete(head, "files")
			delete(head, "transformation")
		}
	}
	return record, nil
}

// EnsureLabel looks up a label by display name, creating it if absent.
func (c *Client) EnsureLabel(ctx context.Context, projectName, displayName string) (Label, error) {
	existing, err := c.Transport.GetLabelByDisplayName(ctx, projectName, displayName)
	if err != nil {
		return Label{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return c.Transport.CreateLabel(ctx, projectName, Label{DisplayName: displayName})
}

// RegisterAndAuthorizeDevice drives the four-step state machine in module
// C: re-check an un-expiring token, register if unregistered, poll
// check-status, exchange the auth token. It returns (authorized, error);
// error is nil even when not yet authorized -- the caller (internal/auth)
// interprets the bool.
func (c *Client) RegisterAndAuthorizeDevice(ctx context.Context, serialNumber, displayName, description string, labels []string, tags map[string]string) (bool, error) {
	duesAt := c.State.APIKeyExpiresAt - 24*3600
	if c.State.APIKey != "" && duesAt > time.Now().Unix() {
		return true, nil
	}

	if c.State.Device == nil || c.State.ExchangeCode == "" || c.Install.InitInstall {
		result, err := c.Transport.RegisterDevice(ctx, serialNumber, displayName, description, labels, tags)
		if err != nil {
			return false, err
		}
		c.State.RegisteredDevice(result.Device, result.ExchangeCode)
		if err := c.State.Save(); err != nil {
			return false, err
		}
		if err := c.Install.Clean(); err != nil {
			return false, err
		}
		if c.Logger != nil {
			c.Logger.Infow("device registered, waiting for user authorization", "serial_number", serialNumber)
		}
		return false, nil
	}

	status, err := c.Transport.CheckDeviceStatus(ctx, c.State.Device.Name, c.State.ExchangeCode)
	if err != nil {
		return false, err
	}
	if !status.Exist {
		if c.Logger != nil {
			c.Logger.Infow("device no longer exists, stopping agent service", "serial_number", serialNumber)
		}
		stopAgentService()
		return false, nil
	}
	if status.AuthorizeState == "REJECTED" {
		if c.Logger != nil {
			c.Logger.Infow("device registration rejected", "serial_number", serialNumber)
		}
		return false, nil
	}

	token, err := c.Transport.ExchangeDeviceAuthToken(ctx, c.State.Device.Name, c.State.ExchangeCode)
	if err != nil {
		return false, err
	}
	if token.DeviceAuthToken == "" {
		if c.Logger != nil {
			c.Logger.Infow("waiting for user authorization", "serial_number", serialNumber)
		}
		return false, nil
	}
	expiresAt, err := parseRFC3339ToUnix(token.ExpiresTime)
	if err != nil {
		return false, err
	}
	c.State.AuthorizedDevice(expiresAt, token.DeviceAuthToken)
	if err := c.State.Save(); err != nil {
		return false, err
	}
	if c.Logger != nil {
		c.Logger.Infow("device authorized", "serial_number", serialNumber)
	}
	return true, nil
}

func parseRFC3339ToUnix(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing expires_at %q", s)
	}
	return t.Unix(), nil
}

// stopAgentService invokes the POSIX service manager to stop the unit
// once the platform reports the device no longer exists, matching the
// `systemctl stop cos.service` hook in module C. A no-op on non-POSIX
// systems.
func stopAgentService() {
	if runtimeIsWindows() {
		return
	}
	cmd := exec.Command("systemctl", "stop", "cos.service")
	_ = cmd.Run()
}

func runtimeIsWindows() bool {
	return os.PathSeparator == '\\'
}
