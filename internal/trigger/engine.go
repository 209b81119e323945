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

package trigger

import (
	"context"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/platform"
)

// Engine is the compiled set of rule Programs for every project assigned
// to the device, plus the quota gate and hit-reporting callback every
// Program was built with.
type Engine struct {
	programs []Program
}

// ConsumeNext feeds item through every compiled program. A program that
// returns an error logs and is skipped for this item only -- one bad
// rule must not stall the rest.
func (e *Engine) ConsumeNext(item DataItem, logger *zap.SugaredLogger) {
	for _, p := range e.programs {
		if err := p.ConsumeNext(item); err != nil && logger != nil {
			logger.Warnw("rule program failed to consume item", "error", err)
		}
	}
}

// buildEngineFromConfig compiles every enabled rule set in configs
// (one document per project, as returned by RemoteRule.ListDeviceDiagnosisRules)
// into an Engine, wiring each compiled program's upload action through
// uploadFn and gating/reporting every hit against the device's upload
// limits via the platform client -- build_engine_from_config's exact
// semantics.
func buildEngineFromConfig(ctx context.Context, evaluator Evaluator, configs []map[string]any, uploadFn UploadFunc, client *platform.Client, logger *zap.SugaredLogger) *Engine {
	deviceName := ""
	if client.State.Device != nil {
		deviceName = client.State.Device.Name
	}

	var programs []Program
	for _, projectRuleSetSpec := range configs {
		name, _ := projectRuleSetSpec["name"].(string)
		if name == "" || !hasSuffix(name, "/diagnosisRule") {
			if logger != nil {
				logger.Warn("found an invalid project rule set, skipping")
			}
			continue
		}
		projectName := trimSuffix(name, "/diagnosisRule")

		rawRules, _ := projectRuleSetSpec["rules"].([]any)
		for _, rawRuleSet := range rawRules {
			ruleSetSpec, ok := rawRuleSet.(map[string]any)
			if !ok {
				continue
			}
			enabled, _ := ruleSetSpec["enabled"].(bool)
			if !enabled {
				continue
			}

			boundProjectName := projectName
			boundRuleSpec := ruleSetSpec

			gate := func(projName string, ruleSpec map[string]any, hit Hit) bool {
				return shouldTriggerAction(ctx, client, projName, ruleSpec, hit, logger)
			}
			hitCB := func(projName string, ruleSpec map[string]any, hit Hit, actionTriggered bool) {
				triggerCB(ctx, client, projName, ruleSpec, hit, deviceName, actionTriggered, logger)
			}
			upload := func(hit Hit, _ string) error {
				return uploadFn(hit, boundProjectName)
			}

			program, err := evaluator.Build(boundProjectName, boundRuleSpec, upload, noopCreateMoment, gate, hitCB)
			if err != nil {
				if logger != nil {
					logger.Errorw("failed to build rule for project, skipping", "project", boundProjectName, "error", err)
				}
				continue
			}
			programs = append(programs, program)
		}
	}
	return &Engine{programs: programs}
}

func noopCreateMoment(Hit, string) error { return nil }

// shouldTriggerAction enforces a hit's uploadLimit (device and/or
// global) by counting prior hits of the exact same rule through the
// platform, matching build_engine_from_config's inner
// should_trigger_action exactly. A hit with no uploadLimit always fires.
func shouldTriggerAction(ctx context.Context, client *platform.Client, projectName string, ruleSpec map[string]any, hit Hit, logger *zap.SugaredLogger) bool {
	rawLimit, ok := hit["uploadLimit"]
	if !ok || rawLimit == nil {
		return true
	}
	uploadLimit, ok := rawLimit.(map[string]any)
	if !ok {
		return true
	}

	ruleSetName := projectName + "/diagnosisRule"
	projectRuleSpec := map[string]any{
		"name":  ruleSetName,
		"rules": []any{map[string]any{"rules": []any{ruleSpec}}},
	}

	deviceName := ""
	if client.State.Device != nil {
		deviceName = client.State.Device.Name
	}

	if deviceLimit, ok := uploadLimit["device"].(map[string]any); ok && deviceLimit != nil {
		times := intFromAny(deviceLimit["times"])
		count, err := client.Transport.CountDiagnosisRuleHits(ctx, ruleSetName, projectRuleSpec, deviceName)
		if err != nil {
			if logger != nil {
				logger.Warnw("failed to count device hit, skipping", "rule_set", ruleSetName, "error", err)
			}
			return false
		}
		if count.Count >= times {
			if logger != nil {
				logger.Infow("device count reached upload limit, skipping", "count", count.Count, "limit", times)
			}
			return false
		}
	}

	if globalLimit, ok := uploadLimit["global"].(map[string]any); ok && globalLimit != nil {
		times := intFromAny(globalLimit["times"])
		count, err := client.Transport.CountDiagnosisRuleHits(ctx, ruleSetName, projectRuleSpec, "")
		if err != nil {
			if logger != nil {
				logger.Warnw("failed to count global hit, skipping", "rule_set", ruleSetName, "error", err)
			}
			return false
		}
		if count.Count >= times {
			if logger != nil {
				logger.Infow("global count reached upload limit, skipping", "count", count.Count, "limit", times)
			}
			return false
		}
	}

	return true
}

// triggerCB reports a gated hit back to the platform, matching
// build_engine_from_config's inner trigger_cb.
func triggerCB(ctx context.Context, client *platform.Client, projectName string, ruleSpec map[string]any, hit Hit, deviceName string, actionTriggered bool, logger *zap.SugaredLogger) {
	ruleSetName := projectName + "/diagnosisRule"
	projectRuleSpec := map[string]any{
		"name":  ruleSetName,
		"rules": []any{map[string]any{"rules": []any{ruleSpec}}},
	}
	if err := client.Transport.HitDiagnosisRule(ctx, ruleSetName, projectRuleSpec, deviceName, actionTriggered); err != nil {
		if logger != nil {
			logger.Warnw("failed to hit diagnosis rule, skipping", "rule_set", ruleSetName, "error", err)
		}
	}
}

func intFromAny(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	if hasSuffix(s, suffix) {
		return s[:len(s)-len(suffix)]
	}
	return s
}
