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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/fileindex"
	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/trigger"
)

func TestModRunnerRunDisabledIsNoop(t *testing.T) {
	assert := require.New(t)

	r := &ModRunner{Conf: ModConfig{Enabled: false}}
	assert.NoError(r.Run(context.Background()))
}

func TestModRunnerRunEmptyBaseDirsStartsTaskHandlerOnlyOnce(t *testing.T) {
	assert := require.New(t)

	transport := &fakeTaskTransport{}
	client := &platform.Client{Transport: transport, State: &platform.ClientState{}}
	layout := paths.Layout{StateDir: t.TempDir(), CacheDir: t.TempDir(), ConfigDir: t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &ModRunner{
		Conf:        ModConfig{Enabled: true},
		Client:      client,
		Layout:      layout,
		TaskHandler: &TaskHandler{Client: client, Layout: layout},
	}

	assert.NoError(r.Run(ctx))
	assert.NoError(r.Run(ctx), "a second Run must not start a second task-handler goroutine")
}

func TestModRunnerRunCreatesBaseDirsAndModStateDirs(t *testing.T) {
	assert := require.New(t)

	transport := &fakeTaskTransport{}
	client := &platform.Client{Transport: transport, State: &platform.ClientState{}}
	layout := paths.Layout{StateDir: t.TempDir(), CacheDir: t.TempDir(), ConfigDir: t.TempDir()}
	baseDir := filepath.Join(t.TempDir(), "watched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ruleExecutor := trigger.NewRuleExecutor(ctx, "default", client, t.TempDir(), nil, nil, nil)
	idx := fileindex.New(filepath.Join(t.TempDir(), "file.state.json"), nil, nil)

	r := &ModRunner{
		Conf:         ModConfig{Enabled: true, BaseDirs: []string{baseDir}},
		Client:       client,
		Layout:       layout,
		FileIndex:    idx,
		TaskHandler:  &TaskHandler{Client: client, Layout: layout},
		LogTailer:    trigger.NewLogTailer(nil, nil),
		LogRules:     ruleExecutor,
		Materializer: &Materializer{FileIndex: idx, Layout: layout},
	}

	assert.NoError(r.Run(ctx))

	assert.DirExists(baseDir)
	assert.DirExists(layout.ModStateDir("default"))
	assert.DirExists(layout.ModTempDir("default"))
}

func TestFindErrorJSONsWalksRecursively(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	assert.NoError(os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	assert.NoError(os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o644))
	assert.NoError(os.WriteFile(filepath.Join(dir, "sub", "b.json"), []byte("{}"), 0o644))
	assert.NoError(os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	got, err := FindErrorJSONs(dir)
	assert.NoError(err)
	assert.Len(got, 2)
}
