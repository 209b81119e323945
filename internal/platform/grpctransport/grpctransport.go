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

// Package grpctransport implements platform.Transport over gRPC, selected
// by api.type == "grpc". The platform's protobuf service definitions are
// outside this repo's scope, so every call is made with jsonCodec: a
// generic codec that marshals Go values to/from JSON bytes rather than
// generated message types, and invoked positionally through grpc.Invoke
// against the method's fully-qualified RPC name. Semantics mirror the
// REST transport exactly; only the wire encoding differs.
package grpctransport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/coscene-io/coscout/internal/grpcutils"
	"github.com/coscene-io/coscout/internal/netmeter"
	"github.com/coscene-io/coscout/internal/platform"
)

const defaultTimeout = 10 * time.Second

// Transport is the gRPC implementation of platform.Transport.
type Transport struct {
	Conn  *grpc.ClientConn
	Cred  *grpcutils.BearerCredential
	Meter *netmeter.Meter
}

// New wraps an established connection and credential holder (built via
// grpcutils.NewClientConn / grpcutils.NewBearerCredential by the caller,
// so the auth loop can rotate the token on the same credential instance
// the collector's transport already holds). meter may be nil, in which
// case request/response sizes are not accounted.
func New(conn *grpc.ClientConn, cred *grpcutils.BearerCredential, meter *netmeter.Meter) *Transport {
	return &Transport{Conn: conn, Cred: cred, Meter: meter}
}

func (t *Transport) invoke(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	ctx = t.Cred.MakeGRPCContext(ctx)

	err := t.Conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(jsonCodecName))
	if t.Meter != nil {
		if reqBytes, merr := jsonCodec{}.Marshal(req); merr == nil {
			t.Meter.AddUpload(int64(len(reqBytes)))
		}
		if respBytes, merr := jsonCodec{}.Marshal(resp); merr == nil {
			t.Meter.AddDownload(int64(len(respBytes)))
		}
	}
	if err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return platform.ErrUnauthorized
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

const (
	serviceOrg      = "/coscene.dataplatform.v1alpha2.OrganizationService/"
	serviceConfig   = "/coscene.dataplatform.v1alpha1.ConfigMapService/"
	serviceProject  = "/coscene.dataplatform.v1alpha2.ProjectService/"
	serviceRecord   = "/coscene.dataplatform.v1alpha7.RecordService/"
	serviceDevice   = "/coscene.dataplatform.v1alpha2.DeviceService/"
	serviceEvent    = "/coscene.dataplatform.v1alpha1.EventService/"
	serviceLabel    = "/coscene.dataplatform.v1alpha2.LabelService/"
	serviceSecurity = "/coscene.dataplatform.v1alpha2.SecurityTokenService/"
	serviceRule     = "/coscene.dataplatform.v1alpha1.DiagnosisRuleService/"
	serviceTask     = "/coscene.dataplatform.v1alpha1.TaskService/"
	serviceMetrics  = "/coscene.dataplatform.v1alpha1.MetricsService/"
)

func (t *Transport) GetOrganization(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := t.invoke(ctx, serviceOrg+"GetOrganization", map[string]any{}, &out)
	return out, err
}

func (t *Transport) GetConfigMap(ctx context.Context, configKey, parentName string) (map[string]any, error) {
	var out map[string]any
	err := t.invoke(ctx, serviceConfig+"GetConfigMap", map[string]any{"configKey": configKey, "parent": parentName}, &out)
	return out, err
}

func (t *Transport) GetConfigMapMetadata(ctx context.Context, configKey, parentName string) (map[string]any, error) {
	var out map[string]any
	err := t.invoke(ctx, serviceConfig+"GetConfigMapMetadata", map[string]any{"configKey": configKey, "parent": parentName}, &out)
	return out, err
}

func (t *Transport) ListDeviceProjects(ctx context.Context, deviceName string) ([]map[string]any, error) {
	var out struct {
		Projects []map[string]any `json:"projects"`
	}
	err := t.invoke(ctx, serviceProject+"ListDeviceProjects", map[string]any{"device": deviceName}, &out)
	return out.Projects, err
}

func (t *Transport) ProjectSlugToName(ctx context.Context, slug string) (string, error) {
	var out map[string]any
	err := t.invoke(ctx, serviceProject+"GetProjectBySlug", map[string]any{"slug": slug}, &out)
	if err != nil {
		return "", err
	}
	name, _ := out["name"].(string)
	return name, nil
}

func (t *Transport) CreateRecord(ctx context.Context, projectName string, p platform.CreateRecordParams) (platform.Record, error) {
	var rec platform.Record
	req := map[string]any{
		"parent":      projectName,
		"title":       p.Title,
		"description": p.Description,
		"labels":      p.Labels,
		"device":      p.DeviceName,
		"fileInfos":   p.FileInfos,
	}
	err := t.invoke(ctx, serviceRecord+"CreateRecord", req, &rec)
	return rec, err
}

func (t *Transport) UpdateRecord(ctx context.Context, recordName, title, description string, labels []string) (platform.Record, error) {
	var rec platform.Record
	req := map[string]any{"name": recordName, "title": title, "description": description, "labels": labels}
	err := t.invoke(ctx, serviceRecord+"UpdateRecord", req, &rec)
	return rec, err
}

func (t *Transport) GetRecord(ctx context.Context, recordName string) (platform.Record, error) {
	var rec platform.Record
	err := t.invoke(ctx, serviceRecord+"GetRecord", map[string]any{"name": recordName}, &rec)
	return rec, err
}

func (t *Transport) GenerateRecordThumbnailUploadURL(ctx context.Context, recordName string, expireSecs int) (string, error) {
	var out struct {
		PreSignedUri string `json:"preSignedUri"`
	}
	req := map[string]any{"name": recordName, "expireDuration": expireSecs}
	err := t.invoke(ctx, serviceRecord+"GenerateRecordThumbnailUploadUrl", req, &out)
	return out.PreSignedUri, err
}

func (t *Transport) GetDevice(ctx context.Context, deviceName string) (platform.Device, error) {
	var dev platform.Device
	err := t.invoke(ctx, serviceDevice+"GetDevice", map[string]any{"name": deviceName}, &dev)
	return dev, err
}

func (t *Transport) UpdateDeviceTags(ctx context.Context, deviceName string, tags map[string]string) (platform.Device, error) {
	var dev platform.Device
	err := t.invoke(ctx, serviceDevice+"UpdateDeviceTags", map[string]any{"name": deviceName, "tags": tags}, &dev)
	return dev, err
}

func (t *Transport) RegisterDevice(ctx context.Context, serialNumber, displayName, description string, labels []string, tags map[string]string) (platform.RegisterResult, error) {
	var out platform.RegisterResult
	req := map[string]any{
		"serialNumber": serialNumber,
		"displayName":  displayName,
		"description":  description,
		"labels":       labels,
		"tags":         tags,
	}
	err := t.invoke(ctx, serviceDevice+"RegisterDevice", req, &out)
	return out, err
}

func (t *Transport) ExchangeDeviceAuthToken(ctx context.Context, deviceName, code string) (platform.AuthToken, error) {
	var out platform.AuthToken
	req := map[string]any{"name": deviceName, "exchangeCode": code}
	err := t.invoke(ctx, serviceDevice+"ExchangeDeviceAuthToken", req, &out)
	return out, err
}

func (t *Transport) CheckDeviceStatus(ctx context.Context, deviceName, code string) (platform.DeviceStatus, error) {
	var out platform.DeviceStatus
	req := map[string]any{"name": deviceName, "exchangeCode": code}
	err := t.invoke(ctx, serviceDevice+"CheckDeviceStatus", req, &out)
	return out, err
}

func (t *Transport) SendHeartbeat(ctx context.Context, deviceName, cosVersion string, uploadBytes, downloadBytes int64) error {
	req := map[string]any{
		"name":       deviceName,
		"cosVersion": cosVersion,
		"networkUsage": map[string]int64{
			"uploadBytes":   uploadBytes,
			"downloadBytes": downloadBytes,
		},
	}
	return t.invoke(ctx, serviceDevice+"SendHeartbeat", req, nil)
}

func (t *Transport) CreateEvent(ctx context.Context, p platform.CreateEventParams) (map[string]any, error) {
	var out map[string]any
	req := map[string]any{
		"parent":           p.RecordName,
		"displayName":      p.DisplayName,
		"description":      p.Description,
		"customizedFields": p.CustomizedFields,
		"triggerTime":      p.TriggerTimeS,
		"duration":         p.DurationS,
		"device":           p.DeviceName,
	}
	err := t.invoke(ctx, serviceEvent+"CreateEvent", req, &out)
	return out, err
}

func (t *Transport) GetLabelByDisplayName(ctx context.Context, projectName, displayName string) (*platform.Label, error) {
	var out struct {
		Labels []platform.Label `json:"labels"`
	}
	req := map[string]any{"parent": projectName, "filter": "displayName=" + displayName}
	if err := t.invoke(ctx, serviceLabel+"ListLabels", req, &out); err != nil {
		return nil, err
	}
	for i := range out.Labels {
		if out.Labels[i].DisplayName == displayName {
			return &out.Labels[i], nil
		}
	}
	return nil, nil
}

func (t *Transport) CreateLabel(ctx context.Context, projectName string, label platform.Label) (platform.Label, error) {
	var out platform.Label
	req := map[string]any{"parent": projectName, "label": label}
	err := t.invoke(ctx, serviceLabel+"CreateLabel", req, &out)
	return out, err
}

func (t *Transport) GenerateSecurityToken(ctx context.Context, projectName string) (platform.SecurityToken, error) {
	var out platform.SecurityToken
	err := t.invoke(ctx, serviceSecurity+"GenerateSecurityToken", map[string]any{"project": projectName}, &out)
	return out, err
}

func (t *Transport) GetDiagnosisRuleMetadata(ctx context.Context, projectName string) (map[string]any, error) {
	var out map[string]any
	err := t.invoke(ctx, serviceRule+"GetDiagnosisRuleMetadata", map[string]any{"parent": projectName}, &out)
	return out, err
}

func (t *Transport) GetDiagnosisRules(ctx context.Context, projectName string) (platform.DiagnosisRuleSet, error) {
	var out platform.DiagnosisRuleSet
	err := t.invoke(ctx, serviceRule+"GetDiagnosisRules", map[string]any{"parent": projectName}, &out)
	return out, err
}

func (t *Transport) HitDiagnosisRule(ctx context.Context, ruleSetName string, hit map[string]any, deviceName string, actionTriggered bool) error {
	req := map[string]any{"name": ruleSetName, "hit": hit, "device": deviceName, "actionTriggered": actionTriggered}
	return t.invoke(ctx, serviceRule+"HitDiagnosisRule", req, nil)
}

func (t *Transport) CountDiagnosisRuleHits(ctx context.Context, ruleSetName string, hit map[string]any, deviceName string) (platform.HitCount, error) {
	var out platform.HitCount
	req := map[string]any{"name": ruleSetName, "hit": hit, "device": deviceName}
	err := t.invoke(ctx, serviceRule+"CountDiagnosisRuleHits", req, &out)
	return out, err
}

func (t *Transport) CreateTask(ctx context.Context, p platform.CreateTaskParams) (platform.Task, error) {
	var out platform.Task
	req := map[string]any{"parent": p.RecordName, "title": p.Title, "description": p.Description, "assignee": p.Assignee}
	err := t.invoke(ctx, serviceTask+"CreateTask", req, &out)
	return out, err
}

func (t *Transport) ListDeviceTasks(ctx context.Context, deviceName, state string) ([]platform.Task, error) {
	var out struct {
		Tasks []platform.Task `json:"tasks"`
	}
	req := map[string]any{"device": deviceName, "filterState": state}
	err := t.invoke(ctx, serviceTask+"ListDeviceTasks", req, &out)
	return out.Tasks, err
}

func (t *Transport) UpdateTaskState(ctx context.Context, taskName, state string) error {
	return t.invoke(ctx, serviceTask+"UpdateTaskState", map[string]any{"name": taskName, "state": state}, nil)
}

func (t *Transport) PutTaskTags(ctx context.Context, taskName string, tags map[string]string) error {
	return t.invoke(ctx, serviceTask+"PutTaskTags", map[string]any{"name": taskName, "tags": tags}, nil)
}

func (t *Transport) Counter(ctx context.Context, name string, delta float64) error {
	return t.invoke(ctx, serviceMetrics+"Counter", map[string]any{"name": name, "value": delta}, nil)
}

func (t *Transport) Timer(ctx context.Context, name string, d time.Duration) error {
	return t.invoke(ctx, serviceMetrics+"Timer", map[string]any{"name": name, "valueMs": d.Milliseconds()}, nil)
}

func (t *Transport) Gauge(ctx context.Context, name string, value float64) error {
	return t.invoke(ctx, serviceMetrics+"Gauge", map[string]any{"name": name, "value": value}, nil)
}

// UploadFile is not meaningfully different over gRPC (no chunked
// streaming service is in scope); it reuses the same pre-signed-URL PUT
// the REST transport performs, since thumbnail upload URLs are always
// plain HTTPS regardless of which transport issued the record calls.
func (t *Transport) UploadFile(ctx context.Context, uploadURL, localPath string) error {
	return httpPutFile(ctx, uploadURL, localPath)
}
