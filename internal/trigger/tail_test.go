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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSameSet(t *testing.T) {
	assert := require.New(t)

	assert.True(sameSet([]string{"/a", "/b"}, []string{"/b", "/a"}))
	assert.False(sameSet([]string{"/a"}, []string{"/a", "/b"}))
	assert.False(sameSet([]string{"/a", "/b"}, []string{"/a", "/c"}))
}

func TestNewLogTailerSeedsAtEndOfExistingFiles(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "robot.log")
	assert.NoError(os.WriteFile(path, []byte("2024-01-02 03:04:05.123 already here\n"), 0o644))

	tailer := NewLogTailer([]string{dir}, nil)

	out := make(chan DataItem, 10)
	tailer.scanAndEmit(out)
	close(out)

	var items []DataItem
	for item := range out {
		items = append(items, item)
	}
	assert.Empty(items, "lines present before the tailer started must not be emitted")
}

func TestLogTailerEmitsAppendedLines(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "robot.log")
	assert.NoError(os.WriteFile(path, []byte(""), 0o644))

	tailer := NewLogTailer([]string{dir}, nil)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	assert.NoError(err)
	_, err = f.WriteString("2024-01-02 03:04:05.123 new line appended\n")
	assert.NoError(err)
	assert.NoError(f.Close())

	out := make(chan DataItem, 10)
	tailer.scanAndEmit(out)
	close(out)

	var items []DataItem
	for item := range out {
		items = append(items, item)
	}
	assert.Len(items, 1)
	assert.Equal("foxglove.Log", items[0].MsgType)
	assert.Contains(items[0].LogLine, "new line appended")
	assert.Equal(path, items[0].Topic)
}

func TestLogTailerDiscoversNewFilesAddedAfterStart(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	tailer := NewLogTailer([]string{dir}, nil)

	path := filepath.Join(dir, "second.log")
	assert.NoError(os.WriteFile(path, []byte("2024-01-02 03:04:05.123 first line\n"), 0o644))

	out := make(chan DataItem, 10)
	tailer.scanAndEmit(out)
	close(out)

	var items []DataItem
	for item := range out {
		items = append(items, item)
	}
	assert.Len(items, 1, "a file created after the tailer started should be read from its beginning")
}

func TestLogTailerDropsEntryWhenFileDeleted(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "robot.log")
	assert.NoError(os.WriteFile(path, []byte(""), 0o644))

	tailer := NewLogTailer([]string{dir}, nil)
	assert.Len(tailer.tails, 1)

	assert.NoError(os.Remove(path))

	out := make(chan DataItem, 10)
	tailer.scanAndEmit(out)
	close(out)

	assert.Empty(tailer.tails)
}

func TestLogTailerIgnoresNonLogFiles(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	assert.NoError(os.WriteFile(filepath.Join(dir, "robot.txt"), []byte("not a log"), 0o644))

	tailer := NewLogTailer([]string{dir}, nil)
	assert.Empty(tailer.tails)
}

func TestUpdateDirsReplacesOnlyWhenChanged(t *testing.T) {
	assert := require.New(t)

	tailer := &LogTailer{Dirs: []string{"/a", "/b"}, tails: map[string]*tailedFile{}}
	tailer.UpdateDirs([]string{"/b", "/a"})
	assert.Equal([]string{"/a", "/b"}, tailer.Dirs, "same set in different order must not replace Dirs")

	tailer.UpdateDirs([]string{"/c"})
	assert.Equal([]string{"/c"}, tailer.Dirs)
}
