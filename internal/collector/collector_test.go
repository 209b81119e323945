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

	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/netmeter"
	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/recordcache"
)

// fakeCollectorTransport embeds platform.Transport so tests only implement
// the handful of methods each scenario actually drives.
type fakeCollectorTransport struct {
	platform.Transport

	createdRecord platform.Record
	createErr     error

	events       []platform.CreateEventParams
	tasks        []platform.CreateTaskParams
	stateUpdates []string

	thumbnailURL string
	uploadedURLs []string

	heartbeats int
	counters   map[string]float64
	gauges     map[string]float64
}

func (f *fakeCollectorTransport) CreateRecord(ctx context.Context, projectName string, p platform.CreateRecordParams) (platform.Record, error) {
	if f.createErr != nil {
		return platform.Record{}, f.createErr
	}
	return f.createdRecord, nil
}

func (f *fakeCollectorTransport) GenerateRecordThumbnailUploadURL(ctx context.Context, recordName string, expireSecs int) (string, error) {
	return f.thumbnailURL, nil
}

func (f *fakeCollectorTransport) UploadFile(ctx context.Context, uploadURL, localPath string) error {
	f.uploadedURLs = append(f.uploadedURLs, uploadURL)
	return nil
}

func (f *fakeCollectorTransport) CreateEvent(ctx context.Context, p platform.CreateEventParams) (map[string]any, error) {
	f.events = append(f.events, p)
	return map[string]any{"name": "events/e1"}, nil
}

func (f *fakeCollectorTransport) CreateTask(ctx context.Context, p platform.CreateTaskParams) (platform.Task, error) {
	f.tasks = append(f.tasks, p)
	return platform.Task{Name: "tasks/t1"}, nil
}

func (f *fakeCollectorTransport) UpdateTaskState(ctx context.Context, taskName, state string) error {
	f.stateUpdates = append(f.stateUpdates, state)
	return nil
}

func (f *fakeCollectorTransport) SendHeartbeat(ctx context.Context, deviceName, cosVersion string, uploadBytes, downloadBytes int64) error {
	f.heartbeats++
	return nil
}

func (f *fakeCollectorTransport) Counter(ctx context.Context, name string, delta float64) error {
	if f.counters == nil {
		f.counters = map[string]float64{}
	}
	f.counters[name] += delta
	return nil
}

func (f *fakeCollectorTransport) Gauge(ctx context.Context, name string, value float64) error {
	if f.gauges == nil {
		f.gauges = map[string]float64{}
	}
	f.gauges[name] = value
	return nil
}

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	root := t.TempDir()
	return paths.Layout{StateDir: root, CacheDir: root, ConfigDir: root}
}

func TestParseRecordNameProjectScoped(t *testing.T) {
	assert := require.New(t)

	projectName, projectID, recordID, err := parseRecordName("projects/p1/records/r1")
	assert.NoError(err)
	assert.Equal("projects/p1", projectName)
	assert.Equal("p1", projectID)
	assert.Equal("r1", recordID)
}

func TestParseRecordNameWarehouseScoped(t *testing.T) {
	assert := require.New(t)

	projectName, projectID, recordID, err := parseRecordName("warehouses/w1/projects/p1/records/r1")
	assert.NoError(err)
	assert.Equal("warehouses/w1/projects/p1", projectName)
	assert.Equal("p1", projectID)
	assert.Equal("r1", recordID)
}

func TestParseRecordNameRejectsMalformedInput(t *testing.T) {
	assert := require.New(t)

	_, _, _, err := parseRecordName("records/r1")
	assert.Error(err)
}

func TestIsImageRecognizesCommonExtensions(t *testing.T) {
	assert := require.New(t)

	assert.True(isImage("photo.JPG"))
	assert.True(isImage("photo.jpeg"))
	assert.True(isImage("photo.png"))
	assert.False(isImage("data.mcap"))
}

func TestHardlinkCreatesLinkAndIsIdempotent(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "src.log")
	assert.NoError(os.WriteFile(src, []byte("hello"), 0o644))

	linkPath := filepath.Join(dir, "nested", "dst.log")
	got, err := hardlink(src, linkPath)
	assert.NoError(err)
	assert.Equal(linkPath, got)

	content, err := os.ReadFile(linkPath)
	assert.NoError(err)
	assert.Equal("hello", string(content))

	// Calling again with the link already present must be a no-op, not an error.
	got2, err := hardlink(src, linkPath)
	assert.NoError(err)
	assert.Equal(linkPath, got2)
}

func TestRecordTitlePrefersExplicitTitle(t *testing.T) {
	assert := require.New(t)

	c := &Collector{}
	rc := recordcache.New(testLayout(t), 1700000000000, "E1")
	rc.Record.Title = "explicit title"

	assert.Equal("explicit title", c.recordTitle(rc))
}

func TestRecordTitleFallsBackToTaskTitle(t *testing.T) {
	assert := require.New(t)

	c := &Collector{}
	rc := recordcache.New(testLayout(t), 1700000000000, "E1")
	rc.Task = &recordcache.Task{Title: "task title"}

	assert.Equal("task title", c.recordTitle(rc))
}

func TestRecordTitleGeneratesFromCodeAndTimestamp(t *testing.T) {
	assert := require.New(t)

	mgr := codelimit.New(filepath.Join(t.TempDir(), "codelimit.json"), false, nil, 0, nil)
	mgr.SetTable(codelimit.Table{"E1": "motor stall"})
	c := &Collector{CodeMgr: mgr}
	rc := recordcache.New(testLayout(t), 1700000000000, "E1")

	title := c.recordTitle(rc)
	assert.Contains(title, "motor stall")
	assert.Contains(title, "E1")
}

func TestRecordTitleUnknownCodeFallsBackToPlaceholder(t *testing.T) {
	assert := require.New(t)

	c := &Collector{}
	rc := recordcache.New(testLayout(t), 1700000000000, "E1")

	assert.Contains(c.recordTitle(rc), "未知错误")
}

func TestRecordDescriptionPrefersExplicitDescription(t *testing.T) {
	assert := require.New(t)

	client := &platform.Client{State: &platform.ClientState{}}
	c := &Collector{Client: client}
	rc := recordcache.New(testLayout(t), 1700000000000, "E1")
	rc.Record.Description = "already set"

	assert.Equal("already set", c.recordDescription("title", rc))
}

func TestRecordDescriptionIncludesTitleTimestampAndLabels(t *testing.T) {
	assert := require.New(t)

	client := &platform.Client{State: &platform.ClientState{
		Device: &platform.Device{Labels: []platform.Label{{DisplayName: "robot-1"}}},
	}}
	c := &Collector{Client: client}
	rc := recordcache.New(testLayout(t), 1700000000000, "E1")

	desc := c.recordDescription("my title", rc)
	assert.Contains(desc, "my title")
	assert.Contains(desc, "1700000000000")
	assert.Contains(desc, rc.BaseDirPath())
	assert.Contains(desc, "robot-1")
}

func TestCreateRecordAndEventCreatesRecordEventsAndTasks(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "photo.png")
	assert.NoError(os.WriteFile(imgPath, []byte("img"), 0o644))

	transport := &fakeCollectorTransport{
		createdRecord: platform.Record{Name: "records/r1"},
		thumbnailURL:  "https://upload.example/thumb",
	}
	client := &platform.Client{
		Transport: transport,
		State:     &platform.ClientState{Device: &platform.Device{Name: "devices/d1"}},
	}
	c := &Collector{Client: client}

	rc := recordcache.New(testLayout(t), 1700000000000, "E1")
	rc.ProjectName = "projects/p1"
	rc.FileInfos = []recordcache.FileInfo{{Filepath: imgPath, Filename: "photo.png"}}
	rc.Moments = []recordcache.Moment{
		{Title: "moment 1", Task: &recordcache.Task{Assignee: "user-1"}},
	}

	record, err := c.createRecordAndEvent(context.Background(), rc)
	assert.NoError(err)
	assert.Equal("records/r1", record.Name)

	assert.Len(transport.uploadedURLs, 1, "the one image file must be uploaded as the thumbnail")
	assert.Equal("https://upload.example/thumb", transport.uploadedURLs[0])

	assert.Len(transport.events, 1)
	assert.Equal("moment 1", transport.events[0].DisplayName)
	assert.Len(transport.tasks, 1)
	assert.Equal("user-1", transport.tasks[0].Assignee)
}

func TestCreateRecordAndEventSkipsThumbnailWhenNoImageFiles(t *testing.T) {
	assert := require.New(t)

	transport := &fakeCollectorTransport{createdRecord: platform.Record{Name: "records/r1"}}
	client := &platform.Client{
		Transport: transport,
		State:     &platform.ClientState{},
	}
	c := &Collector{Client: client}

	rc := recordcache.New(testLayout(t), 1700000000000, "E1")
	rc.FileInfos = []recordcache.FileInfo{{Filepath: "/data/run.mcap", Filename: "run.mcap"}}

	_, err := c.createRecordAndEvent(context.Background(), rc)
	assert.NoError(err)
	assert.Empty(transport.uploadedURLs)
}

func TestHandleRecordSkipsAlreadySkippedRecordWithoutTouchingTransport(t *testing.T) {
	assert := require.New(t)

	transport := &fakeCollectorTransport{}
	client := &platform.Client{Transport: transport, State: &platform.ClientState{}}
	c := &Collector{Client: client}

	rc := recordcache.New(testLayout(t), 1700000000000, "E1")
	rc.Skipped = true

	assert.NoError(c.HandleRecord(context.Background(), rc))
	assert.Empty(transport.stateUpdates)
}

func TestHandleRecordSkipsWhenOverCodeLimitAndMarksTaskSucceeded(t *testing.T) {
	assert := require.New(t)

	transport := &fakeCollectorTransport{}
	client := &platform.Client{Transport: transport, State: &platform.ClientState{}}
	mgr := codelimit.New(filepath.Join(t.TempDir(), "codelimit.json"), true, map[string]int{}, 0, nil)
	c := &Collector{Client: client, CodeMgr: mgr, Conf: Config{DeleteAfterIntervalHours: -1}}

	layout := testLayout(t)
	rc := recordcache.New(layout, 1700000000000, "E1")
	rc.Task = &recordcache.Task{Name: "tasks/t1"}

	assert.NoError(c.HandleRecord(context.Background(), rc))
	assert.True(rc.Skipped)
	assert.Equal([]string{"SUCCEEDED"}, transport.stateUpdates)

	reloaded, err := recordcache.Load(layout, rc.StatePath())
	assert.NoError(err)
	assert.True(reloaded.Skipped)
}

func TestRunWithNoRecordsStillReportsCountersAndGauge(t *testing.T) {
	assert := require.New(t)

	transport := &fakeCollectorTransport{}
	client := &platform.Client{Transport: transport, State: &platform.ClientState{}}
	c := &Collector{Client: client, Layout: testLayout(t), Meter: &netmeter.Meter{}}

	assert.NoError(c.Run(context.Background()))
	assert.Zero(transport.heartbeats, "no device name means no heartbeat should be sent")
	assert.Equal(float64(1), transport.counters["coscout_collector_run_successful_total"])
	assert.Equal(float64(0), transport.gauges["coscout_collector_record_cache_count"])
}

func TestRunSendsHeartbeatWhenDeviceKnown(t *testing.T) {
	assert := require.New(t)

	transport := &fakeCollectorTransport{}
	client := &platform.Client{
		Transport: transport,
		State:     &platform.ClientState{Device: &platform.Device{Name: "devices/d1"}},
	}
	c := &Collector{Client: client, Layout: testLayout(t), Meter: &netmeter.Meter{}}

	assert.NoError(c.Run(context.Background()))
	assert.Equal(1, transport.heartbeats)
}
