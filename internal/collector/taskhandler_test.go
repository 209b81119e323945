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

	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/recordcache"
)

// fakeTaskTransport embeds platform.Transport so only the methods the task
// handler actually calls need implementing; anything else would panic on a
// nil-interface call, which is fine since these tests never exercise it.
type fakeTaskTransport struct {
	platform.Transport

	tasks        []platform.Task
	stateUpdates []string
}

func (f *fakeTaskTransport) ListDeviceTasks(ctx context.Context, deviceName, state string) ([]platform.Task, error) {
	return f.tasks, nil
}

func (f *fakeTaskTransport) UpdateTaskState(ctx context.Context, taskName, state string) error {
	f.stateUpdates = append(f.stateUpdates, state)
	return nil
}

func testLayoutForTaskHandler(t *testing.T) paths.Layout {
	t.Helper()
	root := t.TempDir()
	return paths.Layout{StateDir: root, CacheDir: root, ConfigDir: root}
}

func TestTaskHandlerRunSkipsWhenDeviceUnregistered(t *testing.T) {
	assert := require.New(t)

	transport := &fakeTaskTransport{}
	client := &platform.Client{
		Transport: transport,
		State:     &platform.ClientState{},
	}
	h := &TaskHandler{Client: client, Layout: testLayoutForTaskHandler(t)}

	assert.NoError(h.Run(context.Background()))
	assert.Empty(transport.stateUpdates, "no device name means no task listing should happen")
}

func TestTaskHandlerMaterializesTaskIntoRecordCache(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	uploadFile := filepath.Join(dir, "a.log")
	assert.NoError(os.WriteFile(uploadFile, []byte("hello"), 0o644))

	transport := &fakeTaskTransport{
		tasks: []platform.Task{
			{
				Name:  "warehouses/w1/projects/p1/tasks/evt-code",
				Title: "task title",
			},
		},
	}
	client := &platform.Client{
		Transport: transport,
		State:     &platform.ClientState{Device: &platform.Device{Name: "devices/d1"}},
	}
	layout := testLayoutForTaskHandler(t)
	h := &TaskHandler{
		Client:      client,
		Layout:      layout,
		UploadFiles: []string{uploadFile},
	}

	assert.NoError(h.Run(context.Background()))
	assert.Equal([]string{"PROCESSING"}, transport.stateUpdates)

	records, err := os.ReadDir(layout.RecordsDir())
	assert.NoError(err)
	assert.Len(records, 1)
}

func TestTaskHandlerMarksSucceededWhenNoFilesFound(t *testing.T) {
	assert := require.New(t)

	transport := &fakeTaskTransport{
		tasks: []platform.Task{
			{Name: "warehouses/w1/projects/p1/tasks/evt-code"},
		},
	}
	client := &platform.Client{
		Transport: transport,
		State:     &platform.ClientState{Device: &platform.Device{Name: "devices/d1"}},
	}
	layout := testLayoutForTaskHandler(t)
	h := &TaskHandler{
		Client:      client,
		Layout:      layout,
		UploadFiles: []string{filepath.Join(t.TempDir(), "missing.log")},
	}

	assert.NoError(h.Run(context.Background()))
	assert.Equal([]string{"PROCESSING", "SUCCEEDED"}, transport.stateUpdates)
}

func TestParseTimeStrHandlesZuluAndOffset(t *testing.T) {
	assert := require.New(t)

	got := parseTimeStr("2024-03-01T12:00:00Z")
	assert.False(got.IsZero())
	assert.Equal(2024, got.Year())

	assert.True(parseTimeStr("").IsZero())
	assert.True(parseTimeStr("not-a-time").IsZero())
}

func TestUniqueByFilenameDedups(t *testing.T) {
	assert := require.New(t)

	in := []recordcache.FileInfo{
		{Filepath: "/a/x.log", Filename: "x.log"},
		{Filepath: "/b/x.log", Filename: "x.log"},
		{Filepath: "/a/y.log", Filename: "y.log"},
	}
	out := uniqueByFilename(in)
	assert.Len(out, 2)
}
