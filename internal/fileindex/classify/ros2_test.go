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

	"github.com/stretchr/testify/require"
)

const ros2MetadataYAML = `
rosbag2_bagfile_information:
  relative_file_paths:
    - run_0.db3
  starting_time:
    nanoseconds_since_epoch: 1000000000
  duration: 2000000000
`

func writeROS2Bag(t *testing.T, dir string, withMetadata, withDB3 bool) {
	t.Helper()
	if withMetadata {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.yaml"), []byte(ros2MetadataYAML), 0o644))
	}
	if withDB3 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "run_0.db3"), []byte("sqlite-bytes"), 0o644))
	}
}

func TestROS2ClassifierMatchesRequiresMetadataAndDB3(t *testing.T) {
	assert := require.New(t)

	c := NewROS2Classifier(nil)
	assert.True(c.IsStatic())

	full := t.TempDir()
	writeROS2Bag(t, full, true, true)
	assert.True(c.Matches(full))

	noDB3 := t.TempDir()
	writeROS2Bag(t, noDB3, true, false)
	assert.False(c.Matches(noDB3))

	noMetadata := t.TempDir()
	writeROS2Bag(t, noMetadata, false, true)
	assert.False(c.Matches(noMetadata))

	notDir := filepath.Join(t.TempDir(), "plain.txt")
	assert.NoError(os.WriteFile(notDir, []byte("x"), 0o644))
	assert.False(c.Matches(notDir))
}

func TestROS2ClassifierSizeSumsOnlyDB3Files(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	writeROS2Bag(t, dir, true, true)
	assert.NoError(os.WriteFile(filepath.Join(dir, "run_1.db3"), []byte("more-bytes!"), 0o644))

	c := NewROS2Classifier(nil)
	size, err := c.Size(dir)
	assert.NoError(err)
	assert.Equal(int64(len("sqlite-bytes")+len("more-bytes!")), size)
}

func TestROS2ClassifierComputeStateReadsMetadata(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	writeROS2Bag(t, dir, true, true)

	c := NewROS2Classifier(nil)
	state, err := c.ComputeState(dir)
	assert.NoError(err)
	assert.False(state.Unsupported)
	assert.True(state.IsDir)
	assert.Equal(1.0, state.StartTimeS)
	assert.Equal(3.0, state.EndTimeS)
}

func TestROS2ClassifierComputeStateUnsupportedWithoutMetadata(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	writeROS2Bag(t, dir, false, true)

	c := NewROS2Classifier(nil)
	state, err := c.ComputeState(dir)
	assert.NoError(err)
	assert.True(state.Unsupported)
	assert.True(state.IsDir)
}

func TestROS2ClassifierMessagesErrorsWithoutDB3Files(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	writeROS2Bag(t, dir, true, false)

	c := NewROS2Classifier(nil)
	_, err := c.Messages(dir)
	assert.Error(err)
}
