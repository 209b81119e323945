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

// Package config loads and validates the agent's config.yaml. It is the
// strongly-typed, enumerated-option record described in the design notes:
// unknown keys under mod.conf are preserved verbatim for the active mod to
// interpret.
package config

import (
	"io/ioutil"
	"os"

	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// TransportType selects which platform backend (module B) the client
// speaks.
type TransportType string

const (
	TransportREST TransportType = "rest"
	TransportGRPC TransportType = "grpc"
)

// APIConfig configures the platform client (module B).
type APIConfig struct {
	ServerURL   string        `yaml:"server_url" validate:"required,url"`
	ProjectSlug string        `yaml:"project_slug"`
	OrgSlug     string        `yaml:"org_slug"`
	Type        TransportType `yaml:"type" validate:"required,oneof=rest grpc"`
	UseCache    bool          `yaml:"use_cache"`
}

// CollectorConfig configures the scheduler (module J).
type CollectorConfig struct {
	DeleteAfterUpload         bool `yaml:"delete_after_upload"`
	DeleteAfterIntervalHours  int  `yaml:"delete_after_interval_in_hours"`
	ScanIntervalSecs          int  `yaml:"scan_interval_in_secs" validate:"required,gt=0"`
}

// EventCodeConfig configures the event-code limiter (module G).
type EventCodeConfig struct {
	Enabled           bool           `yaml:"enabled"`
	Whitelist         map[string]int `yaml:"whitelist"`
	ResetIntervalSecs int            `yaml:"reset_interval_in_secs" validate:"gt=0"`
	CodeJSONURL       string         `yaml:"code_json_url"`
}

// UpdaterConfig configures the self-updater, which is out of scope for the
// core but whose shape we still carry so config.yaml round-trips cleanly.
type UpdaterConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSecs    int    `yaml:"interval_in_secs"`
	ArtifactBaseURL string `yaml:"artifact_base_url"`
	BinaryPath      string `yaml:"binary_path"`
}

// DeviceRegisterConfig configures the auth/register loop's poll cadence
// (module C).
type DeviceRegisterConfig struct {
	IntervalSecs int `yaml:"interval_in_secs" validate:"gt=0"`
}

// ModConfig names the active mod and carries its free-form options. Keys
// under Conf that the mod doesn't recognize are preserved, never dropped,
// since a future mod revision or an operator's local override may still
// want them.
type ModConfig struct {
	Name string                 `yaml:"name" validate:"required"`
	Conf map[string]interface{} `yaml:"conf"`
}

// Config is the root of config.yaml.
type Config struct {
	API            APIConfig            `yaml:"api" validate:"required"`
	Collector      CollectorConfig      `yaml:"collector" validate:"required"`
	EventCode      EventCodeConfig      `yaml:"event_code"`
	Updater        UpdaterConfig        `yaml:"updater"`
	DeviceRegister DeviceRegisterConfig `yaml:"device_register"`
	Mod            ModConfig            `yaml:"mod" validate:"required"`
}

var validate = validator.New()

// Load reads and validates config.yaml at path, applying the
// COS_API_SERVER_URL / COS_API_PROJECT_SLUG environment overrides. A schema
// validation failure is the one ConfigValidation error kind that is meant
// to abort the process at startup (see the error handling design).
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}

	applyEnvOverrides(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Type:     TransportREST,
			UseCache: true,
		},
		Collector: CollectorConfig{
			ScanIntervalSecs: 30,
		},
		EventCode: EventCodeConfig{
			ResetIntervalSecs: 24 * 3600,
		},
		DeviceRegister: DeviceRegisterConfig{
			IntervalSecs: 60,
		},
		Mod: ModConfig{
			Name: "default",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COS_API_SERVER_URL"); v != "" {
		cfg.API.ServerURL = v
	}
	if v := os.Getenv("COS_API_PROJECT_SLUG"); v != "" {
		cfg.API.ProjectSlug = v
	}
}
