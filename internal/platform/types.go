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

// Package platform is the single abstraction over the data platform
// (module B): a Transport interface implemented by both a REST transport
// (internal/platform/rest) and a gRPC transport
// (internal/platform/grpctransport), with identical semantics, wrapped by
// the Client type. Wire
// payloads are deliberately loose (map[string]any-backed structs) since
// the spec treats the platform's exact schema as an external collaborator
// -- only the operations matter here.
package platform

import (
	"context"
	"encoding/json"
)

// Device is the platform's device resource.
type Device struct {
	Name   string            `json:"name,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Labels []Label           `json:"labels,omitempty"`
}

// Label is "key::value"-shaped display name plus optional nested labels.
type Label struct {
	DisplayName string           `json:"displayName"`
	Description string           `json:"description,omitempty"`
	Labels      []map[string]any `json:"labels,omitempty"`
}

// RegisterResult is returned by RegisterDevice: a freshly minted device plus the
// one-time exchange code the operator must approve.
type RegisterResult struct {
	Device       Device `json:"device"`
	ExchangeCode string `json:"exchangeCode"`
}

// DeviceStatus is returned by CheckDeviceStatus while waiting for operator
// approval.
type DeviceStatus struct {
	Exist          bool   `json:"exist"`
	AuthorizeState string `json:"authorizeState"`
}

// AuthToken is returned by ExchangeDeviceAuthToken.
type AuthToken struct {
	DeviceAuthToken string `json:"deviceAuthToken"`
	ExpiresTime     string `json:"expiresTime"`
}

// SecurityToken is the short-lived object-store credential used by the
// resumable uploader (module H).
type SecurityToken struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret"`
	SessionToken    string `json:"sessionToken"`
}

// DiagnosisRuleSet is one project's rule set as fetched from the remote
// config cache (module A); its inner Rules are opaque to this package and
// validated/evaluated by internal/trigger's Evaluator.
type DiagnosisRuleSet struct {
	Name  string           `json:"name"`
	Rules []map[string]any `json:"rules"`
}

// UploadLimit narrows a diagnosis rule hit to a per-device or global cap.
type UploadLimit struct {
	Device *struct {
		Times int `json:"times"`
	} `json:"device,omitempty"`
	Global *struct {
		Times int `json:"times"`
	} `json:"global,omitempty"`
}

// Task is the platform's upload-task resource, polled by the task handler
// and written by the trigger pipeline/record-cache state machine.
type Task struct {
	Name             string           `json:"name"`
	Title            string           `json:"title,omitempty"`
	Description      string           `json:"description,omitempty"`
	State            string           `json:"state,omitempty"`
	UploadTaskDetail UploadTaskDetail `json:"uploadTaskDetail,omitempty"`
}

// UploadTaskDetail is the payload of an upload task assigned by the
// platform, naming the time window to gather.
type UploadTaskDetail struct {
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

// FileRef names one uploaded file within a record's manifest.
type FileRef struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
	Sha256   string `json:"sha256,omitempty"`
}

// Record is the platform's record resource as returned by CreateRecord/
// GetRecord/UpdateRecord; only the fields the client needs are modeled,
// the rest (e.g. head.files, head.transformation) round-trip through
// RawFields so CreateOrGetRecord can inspect and strip them without
// dropping anything else the server attached.
type Record struct {
	Name        string         `json:"name,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	RawFields   map[string]any `json:"-"`
}

// MarshalJSON folds RawFields and the typed fields into one object.
func (r Record) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range r.RawFields {
		out[k] = v
	}
	if r.Name != "" {
		out["name"] = r.Name
	}
	if r.Title != "" {
		out["title"] = r.Title
	}
	if r.Description != "" {
		out["description"] = r.Description
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.RawFields = raw
	if v, ok := raw["name"].(string); ok {
		r.Name = v
	}
	if v, ok := raw["title"].(string); ok {
		r.Title = v
	}
	if v, ok := raw["description"].(string); ok {
		r.Description = v
	}
	return nil
}

// HitCount is the response of CountDiagnosisRuleHits.
type HitCount struct {
	Count int `json:"count"`
}

// CreateRecordParams bundles create_record's arguments.
type CreateRecordParams struct {
	FileInfos   []FileRef
	Title       string
	Description string
	Labels      []string
	DeviceName  string
}

// CreateEventParams bundles create_event's arguments.
type CreateEventParams struct {
	RecordName        string
	DisplayName        string
	Description         string
	CustomizedFields    map[string]string
	TriggerTimeS        float64
	DurationS           float64
	DeviceName          string
}

// CreateTaskParams bundles create_task's arguments (moment-attached task
// creation, distinct from the platform's standalone upload-task resource).
type CreateTaskParams struct {
	RecordName  string
	Title       string
	Description string
	Assignee    string
}

// ctxKey namespaces values threaded through context.Context by the
// project-scoping helpers (WithActiveProject/ActiveProjectFromContext).
type ctxKey int

const projectNameKey ctxKey = 1

// WithActiveProject narrows subsequent calls on ctx to projectName; an
// empty string resets to the client's configured default. Mirrors the
// `self.api.project_name = rec_cache.project_name` narrowing
// handle_record performs per spec.md 4.I.
func WithActiveProject(ctx context.Context, projectName string) context.Context {
	return context.WithValue(ctx, projectNameKey, projectName)
}

// ActiveProjectFromContext reads back a project set by WithActiveProject.
func ActiveProjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(projectNameKey).(string)
	return v, ok
}
