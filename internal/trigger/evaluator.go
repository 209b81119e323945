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

// Package trigger implements the rule-trigger pipeline (module F): it
// feeds topic/log data through a project's diagnosis rule sets and, on a
// match that clears the upload-limit quota, writes a cut request and
// reports the hit back to the platform.
//
// The rule condition language itself (matching a message field against a
// threshold, debouncing, windowing, etc.) is an external dependency this
// repo only consumes through the Evaluator interface -- no concrete
// expression language is implemented here, matching the explicit
// carve-out around the rule DSL.
package trigger

// DataItem is one unit fed through a rule program: either a decoded
// topic message or a parsed log line, depending on which input stream
// produced it.
type DataItem struct {
	Topic   string
	Msg     any
	TimeS   float64
	MsgType string

	// LogLine is set when the item came from a log tail-follower rather
	// than a topic stream; Msg is then nil, Topic holds the log file's path
	// and MsgType is "foxglove.Log".
	LogLine string
}

// Hit is the opaque payload a rule program reports when its condition
// matches; its "uploadLimit" key, when present, is interpreted by
// shouldTriggerAction.
type Hit map[string]any

// UploadFunc is bound into a rule's "upload" action: called with the hit
// payload and the project that owns the rule, it writes a cut request
// for the trigger pipeline's materialization pass to pick up.
type UploadFunc func(hit Hit, projectName string) error

// CreateMomentFunc is bound into a rule's "create_moment" action.
type CreateMomentFunc func(hit Hit, projectName string) error

// GateFunc decides whether a matched hit actually fires its action,
// called before the action runs (shouldTriggerAction's signature).
type GateFunc func(projectName string, ruleSpec map[string]any, hit Hit) bool

// HitFunc is called after a matched hit has been gated, reporting
// whether its action actually ran (trigger_cb's signature).
type HitFunc func(projectName string, ruleSpec map[string]any, hit Hit, actionTriggered bool)

// Program is a compiled rule set bound to one project, ready to consume
// a stream of DataItems.
type Program interface {
	ConsumeNext(item DataItem) error
}

// Evaluator compiles one project's rule-set document (as fetched from
// the remote config cache) into a runnable Program. Implementations
// live outside this repo; this interface is the seam the collector
// wires a concrete rule engine into.
type Evaluator interface {
	Build(projectName string, ruleSetSpec map[string]any, upload UploadFunc, createMoment CreateMomentFunc, gate GateFunc, hit HitFunc) (Program, error)
}
