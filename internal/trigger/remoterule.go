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
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

// diagnosisRuleFetcher adapts a platform.Client to remoteconfig.Fetcher
// for keys shaped "<project_name>/diagnosisRules".
type diagnosisRuleFetcher struct {
	ctx    context.Context
	client *platform.Client
}

func (f diagnosisRuleFetcher) projectName(key string) string {
	return strings.TrimSuffix(key, "/diagnosisRules")
}

func (f diagnosisRuleFetcher) GetConfigVersion(key string) (string, error) {
	meta, err := f.client.Transport.GetDiagnosisRuleMetadata(f.ctx, f.projectName(key))
	if err != nil {
		return "", err
	}
	switch v := meta["currentVersion"].(type) {
	case string:
		return v, nil
	case float64:
		return jsonNumberString(v), nil
	default:
		return "-1", nil
	}
}

func (f diagnosisRuleFetcher) GetConfig(key string) (json.RawMessage, error) {
	rules, err := f.client.Transport.GetDiagnosisRules(f.ctx, f.projectName(key))
	if err != nil {
		return nil, err
	}
	return json.Marshal(rules)
}

func jsonNumberString(v float64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// RemoteRule lists every diagnosis rule set assigned to the device's
// projects, each read through the remote-config cache (module A) so a
// transient platform outage falls back to the last fetched rule set
// rather than clearing rules the device was already enforcing.
type RemoteRule struct {
	Client *platform.Client
	Cache  *remoteconfig.Cache
	Logger *zap.SugaredLogger
}

// ListDeviceDiagnosisRules mirrors RemoteRule.list_device_diagnosis_rules:
// resolve the device's projects, then read each one's rule-set document
// through the cache, skipping projects with nothing configured.
func (r *RemoteRule) ListDeviceDiagnosisRules(ctx context.Context) []map[string]any {
	deviceName := ""
	if r.Client.State.Device != nil {
		deviceName = r.Client.State.Device.Name
	}
	if deviceName == "" {
		if r.Logger != nil {
			r.Logger.Warn("device name is not found, skip list device diagnosis rules")
		}
		return nil
	}

	projects, err := r.Client.Transport.ListDeviceProjects(ctx, deviceName)
	if err != nil || len(projects) == 0 {
		if r.Logger != nil {
			r.Logger.Warnw("no projects found, skip list device diagnosis rules", "error", err)
		}
		return nil
	}

	var out []map[string]any
	for _, project := range projects {
		projectName, _ := project["name"].(string)
		if projectName == "" {
			continue
		}
		raw := r.Cache.ReadConfig(projectName + "/diagnosisRules")
		var spec map[string]any
		if err := json.Unmarshal(raw, &spec); err != nil || len(spec) == 0 {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// fetcherFor builds the remoteconfig.Fetcher this package's cache uses.
func fetcherFor(ctx context.Context, client *platform.Client) remoteconfig.Fetcher {
	return diagnosisRuleFetcher{ctx: ctx, client: client}
}
