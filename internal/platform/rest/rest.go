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

// Package rest implements platform.Transport over the data platform's
// plain JSON/HTTP API, the default transport selected by api.type == "rest".
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/coscene-io/coscout/internal/netmeter"
	"github.com/coscene-io/coscout/internal/platform"
)

const defaultTimeout = 10 * time.Second

// Transport is the REST implementation of platform.Transport.
type Transport struct {
	BaseURL    string
	APIKey     func() string // returns the current bearer token; may change across calls
	HTTPClient *http.Client
	Meter      *netmeter.Meter
}

// New builds a REST transport against baseURL, calling apiKey() to fetch
// the current bearer token on every request (the auth loop rotates it
// out from under any in-flight collector loop). meter may be nil, in
// which case request/response sizes are not accounted.
func New(baseURL string, apiKey func() string, meter *netmeter.Meter) *Transport {
	return &Transport{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Meter:      meter,
	}
}

func (t *Transport) addUpload(n int64) {
	if t.Meter != nil {
		t.Meter.AddUpload(n)
	}
}

func (t *Transport) addDownload(n int64) {
	if t.Meter != nil {
		t.Meter.AddDownload(n)
	}
}

func (t *Transport) do(ctx context.Context, method, path string, body any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	var reqBytes []byte
	if body != nil {
		var err error
		reqBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshaling request body")
		}
		reqBody = bytes.NewReader(reqBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if key := t.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	t.addUpload(int64(len(reqBytes)))

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}
	t.addDownload(int64(len(respBytes)))

	if resp.StatusCode == http.StatusUnauthorized {
		return platform.ErrUnauthorized
	}
	if resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBytes))
	}
	if out == nil || len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return errors.Wrapf(err, "parsing response of %s %s", method, path)
	}
	return nil
}

func (t *Transport) GetOrganization(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := t.do(ctx, http.MethodGet, "/dataplatform/v1alpha2/organization", nil, &out)
	return out, err
}

func (t *Transport) GetConfigMap(ctx context.Context, configKey, parentName string) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/dataplatform/v1alpha1/%s/configMaps/%s", parentName, configKey)
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (t *Transport) GetConfigMapMetadata(ctx context.Context, configKey, parentName string) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/dataplatform/v1alpha1/%s/configMaps/%s:metadata", parentName, configKey)
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (t *Transport) ListDeviceProjects(ctx context.Context, deviceName string) ([]map[string]any, error) {
	var out struct {
		Projects []map[string]any `json:"projects"`
	}
	path := fmt.Sprintf("/dataplatform/v1alpha2/%s/projects", deviceName)
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out.Projects, err
}

func (t *Transport) ProjectSlugToName(ctx context.Context, slug string) (string, error) {
	var out map[string]any
	err := t.do(ctx, http.MethodGet, "/dataplatform/v1alpha2/projects/"+slug+":bySlug", nil, &out)
	if err != nil {
		return "", err
	}
	name, _ := out["name"].(string)
	return name, nil
}

func (t *Transport) CreateRecord(ctx context.Context, projectName string, p platform.CreateRecordParams) (platform.Record, error) {
	var rec platform.Record
	body := map[string]any{
		"title":       p.Title,
		"description": p.Description,
		"labels":      p.Labels,
		"device":      p.DeviceName,
		"fileInfos":   p.FileInfos,
	}
	err := t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha7/%s/records", projectName), body, &rec)
	return rec, err
}

func (t *Transport) UpdateRecord(ctx context.Context, recordName, title, description string, labels []string) (platform.Record, error) {
	var rec platform.Record
	body := map[string]any{"title": title, "description": description, "labels": labels}
	err := t.do(ctx, http.MethodPatch, "/dataplatform/v1alpha7/"+recordName, body, &rec)
	return rec, err
}

func (t *Transport) GetRecord(ctx context.Context, recordName string) (platform.Record, error) {
	var rec platform.Record
	err := t.do(ctx, http.MethodGet, "/dataplatform/v1alpha7/"+recordName, nil, &rec)
	return rec, err
}

func (t *Transport) GenerateRecordThumbnailUploadURL(ctx context.Context, recordName string, expireSecs int) (string, error) {
	var out struct {
		PreSignedUri string `json:"preSignedUri"`
	}
	path := fmt.Sprintf("/dataplatform/v1alpha7/%s:generateThumbnailUploadUrl?expireDuration=%ds", recordName, expireSecs)
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out.PreSignedUri, err
}

func (t *Transport) GetDevice(ctx context.Context, deviceName string) (platform.Device, error) {
	var dev platform.Device
	err := t.do(ctx, http.MethodGet, "/dataplatform/v1alpha2/"+deviceName, nil, &dev)
	return dev, err
}

func (t *Transport) UpdateDeviceTags(ctx context.Context, deviceName string, tags map[string]string) (platform.Device, error) {
	var dev platform.Device
	err := t.do(ctx, http.MethodPatch, "/dataplatform/v1alpha2/"+deviceName, map[string]any{"tags": tags}, &dev)
	return dev, err
}

func (t *Transport) RegisterDevice(ctx context.Context, serialNumber, displayName, description string, labels []string, tags map[string]string) (platform.RegisterResult, error) {
	var out platform.RegisterResult
	body := map[string]any{
		"serialNumber": serialNumber,
		"displayName":  displayName,
		"description":  description,
		"labels":       labels,
		"tags":         tags,
	}
	err := t.do(ctx, http.MethodPost, "/dataplatform/v1alpha2/devices:register", body, &out)
	return out, err
}

func (t *Transport) ExchangeDeviceAuthToken(ctx context.Context, deviceName, code string) (platform.AuthToken, error) {
	var out platform.AuthToken
	path := fmt.Sprintf("/dataplatform/v1alpha2/%s:exchangeAuthToken?exchangeCode=%s", deviceName, code)
	err := t.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

func (t *Transport) CheckDeviceStatus(ctx context.Context, deviceName, code string) (platform.DeviceStatus, error) {
	var out platform.DeviceStatus
	path := fmt.Sprintf("/dataplatform/v1alpha2/%s:checkStatus?exchangeCode=%s", deviceName, code)
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (t *Transport) SendHeartbeat(ctx context.Context, deviceName, cosVersion string, uploadBytes, downloadBytes int64) error {
	body := map[string]any{
		"cosVersion": cosVersion,
		"networkUsage": map[string]int64{
			"uploadBytes":   uploadBytes,
			"downloadBytes": downloadBytes,
		},
	}
	return t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha2/%s:heartbeat", deviceName), body, nil)
}

func (t *Transport) CreateEvent(ctx context.Context, p platform.CreateEventParams) (map[string]any, error) {
	var out map[string]any
	body := map[string]any{
		"displayName":      p.DisplayName,
		"description":      p.Description,
		"customizedFields": p.CustomizedFields,
		"triggerTime":      p.TriggerTimeS,
		"duration":         p.DurationS,
		"device":           p.DeviceName,
	}
	err := t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha1/%s/events", p.RecordName), body, &out)
	return out, err
}

func (t *Transport) GetLabelByDisplayName(ctx context.Context, projectName, displayName string) (*platform.Label, error) {
	var out struct {
		Labels []platform.Label `json:"labels"`
	}
	path := fmt.Sprintf("/dataplatform/v1alpha2/%s/labels?filter=displayName=%s", projectName, displayName)
	if err := t.do(ctx, http.MethodGet, path, nil, &out); err != nil {
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
	err := t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha2/%s/labels", projectName), label, &out)
	return out, err
}

func (t *Transport) GenerateSecurityToken(ctx context.Context, projectName string) (platform.SecurityToken, error) {
	var out platform.SecurityToken
	err := t.do(ctx, http.MethodGet, fmt.Sprintf("/dataplatform/v1alpha2/%s:generateSecurityToken", projectName), nil, &out)
	return out, err
}

func (t *Transport) GetDiagnosisRuleMetadata(ctx context.Context, projectName string) (map[string]any, error) {
	var out map[string]any
	err := t.do(ctx, http.MethodGet, fmt.Sprintf("/dataplatform/v1alpha1/%s/diagnosisRules:metadata", projectName), nil, &out)
	return out, err
}

func (t *Transport) GetDiagnosisRules(ctx context.Context, projectName string) (platform.DiagnosisRuleSet, error) {
	var out platform.DiagnosisRuleSet
	err := t.do(ctx, http.MethodGet, fmt.Sprintf("/dataplatform/v1alpha1/%s/diagnosisRules", projectName), nil, &out)
	return out, err
}

func (t *Transport) HitDiagnosisRule(ctx context.Context, ruleSetName string, hit map[string]any, deviceName string, actionTriggered bool) error {
	body := map[string]any{"hit": hit, "device": deviceName, "actionTriggered": actionTriggered}
	return t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha1/%s:hit", ruleSetName), body, nil)
}

func (t *Transport) CountDiagnosisRuleHits(ctx context.Context, ruleSetName string, hit map[string]any, deviceName string) (platform.HitCount, error) {
	var out platform.HitCount
	body := map[string]any{"hit": hit, "device": deviceName}
	err := t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha1/%s:countHits", ruleSetName), body, &out)
	return out, err
}

func (t *Transport) CreateTask(ctx context.Context, p platform.CreateTaskParams) (platform.Task, error) {
	var out platform.Task
	body := map[string]any{"title": p.Title, "description": p.Description, "assignee": p.Assignee}
	err := t.do(ctx, http.MethodPost, fmt.Sprintf("/dataplatform/v1alpha1/%s/tasks", p.RecordName), body, &out)
	return out, err
}

func (t *Transport) ListDeviceTasks(ctx context.Context, deviceName, state string) ([]platform.Task, error) {
	var out struct {
		Tasks []platform.Task `json:"tasks"`
	}
	path := fmt.Sprintf("/dataplatform/v1alpha1/%s/tasks", deviceName)
	if state != "" {
		path += "?filter=state=" + state
	}
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

func (t *Transport) UpdateTaskState(ctx context.Context, taskName, state string) error {
	return t.do(ctx, http.MethodPatch, "/dataplatform/v1alpha1/"+taskName, map[string]any{"state": state}, nil)
}

func (t *Transport) PutTaskTags(ctx context.Context, taskName string, tags map[string]string) error {
	return t.do(ctx, http.MethodPut, fmt.Sprintf("/dataplatform/v1alpha1/%s/tags", taskName), tags, nil)
}

func (t *Transport) Counter(ctx context.Context, name string, delta float64) error {
	return t.do(ctx, http.MethodPost, "/dataplatform/v1alpha1/metrics:counter", map[string]any{"name": name, "value": delta}, nil)
}

func (t *Transport) Timer(ctx context.Context, name string, d time.Duration) error {
	return t.do(ctx, http.MethodPost, "/dataplatform/v1alpha1/metrics:timer", map[string]any{"name": name, "valueMs": d.Milliseconds()}, nil)
}

func (t *Transport) Gauge(ctx context.Context, name string, value float64) error {
	return t.do(ctx, http.MethodPost, "/dataplatform/v1alpha1/metrics:gauge", map[string]any{"name": name, "value": value}, nil)
}

// UploadFile PUTs localPath's bytes to a pre-signed URL with a
// Content-Length header, matching upload_file's plain-PUT fallback path
// (the thumbnail upload, not the resumable multipart uploader).
func (t *Transport) UploadFile(ctx context.Context, uploadURL, localPath string) error {
	f, err := ioutil.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "reading %q", localPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(f))
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(f)))
	t.addUpload(int64(len(f)))

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "uploading file")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := ioutil.ReadAll(resp.Body)
		return errors.Errorf("upload failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
