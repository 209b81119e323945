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

package auth

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// RawDevice is the collector's best-effort description of the hardware
// it runs on, discovered once (sn_file/sn_field in the collector's base
// mod) and persisted so the register loop can read it without reaching
// back into the collector.
type RawDevice struct {
	path string `json:"-"`

	DisplayName  string           `json:"display_name,omitempty"`
	SerialNumber string           `json:"serial_number,omitempty"`
	Description  string           `json:"description,omitempty"`
	Labels       []map[string]any `json:"labels,omitempty"`
}

// LoadRawDevice reads the persisted raw device description, returning a
// zero value if it hasn't been discovered yet.
func LoadRawDevice(path string) (*RawDevice, error) {
	d := &RawDevice{path: path}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, errors.Wrapf(err, "reading raw device state %q", path)
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, errors.Wrapf(err, "parsing raw device state %q", path)
	}
	d.path = path
	return d, nil
}

// Save persists the raw device description atomically.
func (d *RawDevice) Save() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return errors.Wrap(err, "creating raw device state dir")
	}
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling raw device state")
	}
	tmp := d.path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing raw device state")
	}
	return os.Rename(tmp, d.path)
}
