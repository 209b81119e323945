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

package collector

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/satori/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/coscene-io/coscout/internal/auth"
)

// ModConfig mirrors DefaultModConfig: the agent's one built-in collection
// mod, watching a fixed set of local directories for files and logs to
// cut into records.
type ModConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	BaseDirs               []string `mapstructure:"base_dirs"`
	SNFile                 string   `mapstructure:"sn_file"`
	SNField                string   `mapstructure:"sn_field"`
	ROS2CustomizedMsgsDirs []string `mapstructure:"ros2_customized_msgs_dirs"`
	UploadFiles            []string `mapstructure:"upload_files"`
}

// DecodeModConfig turns config.yaml's free-form mod.conf map (§9's opaque
// bag, one yaml.MapSlice-decoded map[string]interface{} per mod) into a
// typed ModConfig.
func DecodeModConfig(raw map[string]interface{}) (ModConfig, error) {
	var conf ModConfig
	if raw == nil {
		return conf, nil
	}
	if err := mapstructure.Decode(raw, &conf); err != nil {
		return conf, errors.Wrap(err, "decoding mod conf")
	}
	return conf, nil
}

// DeviceInfo is the locally-discovered device identity handed to the
// auth/register loop (module C).
type DeviceInfo struct {
	SerialNumber string
	DisplayName  string
	Description  string
}

// DiscoverDeviceSN resolves the device's serial number the way get_device
// does: a plain ".txt" file's contents are used verbatim as the serial
// number; a structured ".json"/".yaml"/".yml" file is flattened and
// looked up by snField; a missing file, any other extension, or a
// structured file that fails to parse falls back to a generated UUID
// persisted at <configDir>/sn.txt. A read error on a present file and a
// present-but-unresolvable snField are returned as errors.
func DiscoverDeviceSN(snFile, snField, configDir string, logger *zap.SugaredLogger) (DeviceInfo, error) {
	if snFile == "" {
		return generateDeviceSN(configDir)
	}
	if _, err := os.Stat(snFile); err != nil {
		return generateDeviceSN(configDir)
	}

	lower := strings.ToLower(snFile)
	switch {
	case strings.HasSuffix(lower, ".txt"):
		raw, err := ioutil.ReadFile(snFile)
		if err != nil {
			return DeviceInfo{}, err
		}
		sn := strings.TrimSpace(string(raw))
		return DeviceInfo{SerialNumber: sn, DisplayName: sn, Description: sn}, nil

	case snField != "" && strings.HasSuffix(lower, ".json"):
		var doc map[string]any
		raw, err := ioutil.ReadFile(snFile)
		if err != nil {
			return DeviceInfo{}, err
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			if logger != nil {
				logger.Errorw("failed to load sn file, falling back to generated sn", "path", snFile, "error", err)
			}
			return generateDeviceSN(configDir)
		}
		return resolveSNField(doc, snField, snFile, configDir, logger)

	case snField != "" && (strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")):
		var doc map[interface{}]interface{}
		raw, err := ioutil.ReadFile(snFile)
		if err != nil {
			return DeviceInfo{}, err
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			if logger != nil {
				logger.Errorw("failed to load sn file, falling back to generated sn", "path", snFile, "error", err)
			}
			return generateDeviceSN(configDir)
		}
		return resolveSNField(doc, snField, snFile, configDir, logger)

	default:
		return generateDeviceSN(configDir)
	}
}

// EnsureRawDevice discovers the device's serial number per conf (or reuses
// a previously-discovered one already on disk at statePath) and persists
// it, returning the RawDevice the auth register loop reads from.
func EnsureRawDevice(conf ModConfig, statePath, configDir string, logger *zap.SugaredLogger) (*auth.RawDevice, error) {
	existing, err := auth.LoadRawDevice(statePath)
	if err != nil {
		return nil, err
	}
	if existing.SerialNumber != "" {
		return existing, nil
	}

	info, err := DiscoverDeviceSN(conf.SNFile, conf.SNField, configDir, logger)
	if err != nil {
		return nil, err
	}
	existing.SerialNumber = info.SerialNumber
	existing.DisplayName = info.DisplayName
	existing.Description = info.Description
	if err := existing.Save(); err != nil {
		return nil, err
	}
	return existing, nil
}

func resolveSNField(doc any, snField, snFile, configDir string, logger *zap.SugaredLogger) (DeviceInfo, error) {
	flat := flatten(doc, "", ".")
	sn, ok := flat[snField]
	if !ok || sn == "" {
		return DeviceInfo{}, errors.Errorf("failed to get sn field %q from %q", snField, snFile)
	}
	return DeviceInfo{SerialNumber: sn, DisplayName: sn, Description: sn}, nil
}

func generateDeviceSN(configDir string) (DeviceInfo, error) {
	snPath := filepath.Join(configDir, "sn.txt")
	if _, err := os.Stat(snPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(snPath), 0o755); err != nil {
			return DeviceInfo{}, errors.Wrap(err, "creating sn file dir")
		}
		sn := strings.ReplaceAll(uuid.NewV4().String(), "-", "")
		if err := ioutil.WriteFile(snPath, []byte(sn), 0o644); err != nil {
			return DeviceInfo{}, errors.Wrap(err, "writing generated sn")
		}
	}
	raw, err := ioutil.ReadFile(snPath)
	if err != nil {
		return DeviceInfo{}, err
	}
	sn := strings.TrimSpace(string(raw))

	node, err := os.Hostname()
	if err != nil {
		node = "unknown"
	}
	return DeviceInfo{
		SerialNumber: sn,
		DisplayName:  fmt.Sprintf("%s@%s", node, sn),
		Description:  fmt.Sprintf("node: %s, sn: %s", node, sn),
	}, nil
}

// flatten turns a nested map/list into a dotted-key flat map of strings,
// mirroring utils.flatten; list elements are keyed by index. Both
// encoding/json's map[string]any and yaml.v2's map[interface{}]interface{}
// shapes are handled since sn files may be either.
func flatten(value any, prefix, separator string) map[string]string {
	out := map[string]string{}
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + separator + key
	}

	switch v := value.(type) {
	case map[string]any:
		for k, sub := range v {
			for fk, fv := range flatten(sub, join(k), separator) {
				out[fk] = fv
			}
		}
	case map[interface{}]interface{}:
		for k, sub := range v {
			for fk, fv := range flatten(sub, join(fmt.Sprintf("%v", k)), separator) {
				out[fk] = fv
			}
		}
	case []any:
		for i, sub := range v {
			for fk, fv := range flatten(sub, join(fmt.Sprintf("%d", i)), separator) {
				out[fk] = fv
			}
		}
	case []interface{}:
		for i, sub := range v {
			for fk, fv := range flatten(sub, join(fmt.Sprintf("%d", i)), separator) {
				out[fk] = fv
			}
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprintf("%v", v)
	}
	return out
}
