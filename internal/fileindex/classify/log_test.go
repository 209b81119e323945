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

package classify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogClassifierMatchesSuffix(t *testing.T) {
	assert := require.New(t)

	c := NewLogClassifier()
	assert.True(c.Matches("/var/log/robot.log"))
	assert.False(c.Matches("/var/log/robot.txt"))
	assert.False(c.IsStatic())
	assert.Equal("log", c.Name())
}

func TestLogClassifierComputeStateExtractsStartAndEnd(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "run.log")
	content := "2024-03-01 10:00:00.000 boot\n" +
		"2024-03-01 10:00:01.500 still running\n" +
		"2024-03-01 10:00:02.900 shutdown\n"
	assert.NoError(os.WriteFile(path, []byte(content), 0o644))

	c := NewLogClassifier()
	state, err := c.ComputeState(path)
	assert.NoError(err)
	assert.False(state.Unsupported)
	assert.Equal(int64(len(content)), state.Size)

	wantStart := time.Date(2024, 3, 1, 10, 0, 0, 0, logTZ).Unix()
	wantEnd := time.Date(2024, 3, 1, 10, 0, 2, 0, logTZ).Unix()
	assert.Equal(float64(wantStart), state.StartTimeS)
	assert.Equal(float64(wantEnd), state.EndTimeS)
}

func TestLogClassifierComputeStateUnsupportedWithoutTimestamps(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "run.log")
	assert.NoError(os.WriteFile(path, []byte("no timestamps here\njust text\n"), 0o644))

	c := NewLogClassifier()
	state, err := c.ComputeState(path)
	assert.NoError(err)
	assert.True(state.Unsupported)
}

func TestLogClassifierMessagesIsUnsupported(t *testing.T) {
	assert := require.New(t)

	c := NewLogClassifier()
	_, err := c.Messages("/any/path.log")
	assert.Error(err)
}

func TestLogClassifierPrepareCutFiltersLinesOutsideWindow(t *testing.T) {
	assert := require.New(t)

	srcDir := t.TempDir()
	path := filepath.Join(srcDir, "run.log")
	content := "2024-03-01 10:00:00.000 before window\n" +
		"2024-03-01 10:00:05.000 inside window\n" +
		"2024-03-01 10:00:09.000 after window\n"
	assert.NoError(os.WriteFile(path, []byte(content), 0o644))

	startS := float64(time.Date(2024, 3, 1, 10, 0, 4, 0, logTZ).Unix())
	endS := float64(time.Date(2024, 3, 1, 10, 0, 6, 0, logTZ).Unix())

	c := NewLogClassifier()
	dest, err := c.PrepareCut(path, t.TempDir(), startS, endS)
	assert.NoError(err)

	out, err := os.ReadFile(dest)
	assert.NoError(err)
	assert.Contains(string(out), "inside window")
	assert.NotContains(string(out), "before window")
	assert.NotContains(string(out), "after window")
}

func TestDetectFileEncodingReadsUTF8(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "run.log")
	assert.NoError(os.WriteFile(path, []byte("hello world\n"), 0o644))

	decode, err := DetectFileEncoding(path)
	assert.NoError(err)
	assert.Equal("hello world\n", decode([]byte("hello world\n")))
}

func TestResolveLineTimestampFillsMissingDateFromHint(t *testing.T) {
	assert := require.New(t)

	hint := time.Date(2024, 3, 1, 0, 0, 0, 0, logTZ)
	got, ok := ResolveLineTimestamp("some prefix 10:00:05.250 trailer", &hint)
	assert.True(ok)
	assert.Equal(2024, got.Year())
	assert.Equal(time.March, got.Month())
	assert.Equal(1, got.Day())
	assert.Equal(10, got.Hour())
}

func TestTimestampHintParsesFromFilename(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "2024-03-01 10:00:00.log")
	assert.NoError(os.WriteFile(path, []byte("irrelevant\n"), 0o644))

	decode, err := DetectFileEncoding(path)
	assert.NoError(err)

	hint := TimestampHint(path, decode)
	assert.NotNil(hint)
	assert.Equal(2024, hint.Year())
}
