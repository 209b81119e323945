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

// Package auth drives the device registration/authorization state
// machine (module C): poll register-and-authorize until the device
// holds a live API key, then tag the device with the agent's version and
// its virmesh public key.
package auth

import (
	"context"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/version"
)

const virmeshPubkeyPath = "/etc/virmesh.pub"

// Loop drives RegisterAndAuthorizeDevice to completion, retrying on the
// configured interval until the device is authorized or ctx is canceled.
type Loop struct {
	Client       *platform.Client
	IntervalS    int
	RawDevice    *RawDevice
	Logger       *zap.SugaredLogger
}

// Run blocks until the device is authorized or ctx is canceled. On
// success it tags the device with the current agent version and the
// virmesh public key, mirroring setup_cos_version/setup_virmesh_info.
func (l *Loop) Run(ctx context.Context) error {
	interval := time.Duration(l.IntervalS) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	for {
		pubkey := readVirmeshPubkey()
		tags := map[string]string{}
		if pubkey != "" {
			tags["virmesh_pubkey"] = pubkey
		}

		authorized, err := l.Client.RegisterAndAuthorizeDevice(
			ctx,
			l.RawDevice.SerialNumber,
			l.RawDevice.DisplayName,
			l.RawDevice.Description,
			labelDisplayNames(l.RawDevice.Labels),
			tags,
		)
		if err != nil && l.Logger != nil {
			l.Logger.Warnw("register/authorize attempt failed", "error", err)
		}
		if authorized {
			l.setupCosVersion(ctx)
			l.setupVirmeshInfo(ctx, pubkey)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func labelDisplayNames(labels []map[string]any) []string {
	var out []string
	for _, l := range labels {
		if name, ok := l["displayName"].(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// setupCosVersion tags the device with the agent's build version if it
// differs from what's already recorded, matching Register.setup_cos_version.
func (l *Loop) setupCosVersion(ctx context.Context) {
	current := version.Get()
	if current == "" || current == "dev" {
		return
	}
	if l.Client.State.Device == nil || l.Client.State.Device.Name == "" {
		return
	}
	device := l.Client.State.Device
	if device.Tags != nil && device.Tags["cos_version"] == current {
		return
	}
	newTags := cloneTags(device.Tags)
	newTags["cos_version"] = current

	if _, err := l.Client.Transport.UpdateDeviceTags(ctx, device.Name, newTags); err != nil {
		if l.Logger != nil {
			l.Logger.Warnw("failed to tag device with cos version", "error", err)
		}
		return
	}
	l.refreshDevice(ctx, device.Name)
}

// setupVirmeshInfo tags the device with its virmesh public key if it
// isn't already tagged, matching Register.setup_virmesh_info.
func (l *Loop) setupVirmeshInfo(ctx context.Context, pubkey string) {
	if pubkey == "" {
		return
	}
	if l.Client.State.Device == nil || l.Client.State.Device.Name == "" {
		return
	}
	device := l.Client.State.Device
	if device.Tags != nil && device.Tags["virmesh_pubkey"] != "" {
		return
	}
	newTags := cloneTags(device.Tags)
	newTags["virmesh_pubkey"] = pubkey

	if _, err := l.Client.Transport.UpdateDeviceTags(ctx, device.Name, newTags); err != nil {
		if l.Logger != nil {
			l.Logger.Warnw("failed to tag device with virmesh pubkey", "error", err)
		}
		return
	}
	l.refreshDevice(ctx, device.Name)
}

func (l *Loop) refreshDevice(ctx context.Context, deviceName string) {
	device, err := l.Client.Transport.GetDevice(ctx, deviceName)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warnw("failed to refresh device after tagging", "error", err)
		}
		return
	}
	l.Client.State.Device = &device
	_ = l.Client.State.Save()
}

func cloneTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// readVirmeshPubkey reads /etc/virmesh.pub, stripping the leading
// "virmesh" token the file carries before the actual key material.
func readVirmeshPubkey() string {
	if _, err := os.Stat(virmeshPubkeyPath); err != nil {
		return ""
	}
	raw, err := ioutil.ReadFile(virmeshPubkeyPath)
	if err != nil {
		return ""
	}
	pubkey := strings.TrimPrefix(strings.TrimSpace(string(raw)), "virmesh")
	return strings.TrimSpace(pubkey)
}
