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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/fileindex"
	"github.com/coscene-io/coscout/internal/paths"
)

func testMaterializer(t *testing.T) (*Materializer, paths.Layout) {
	t.Helper()
	layout := paths.Layout{StateDir: t.TempDir(), CacheDir: t.TempDir(), ConfigDir: t.TempDir()}
	idx := fileindex.New(filepath.Join(t.TempDir(), "file.state.json"), nil, nil)
	return &Materializer{FileIndex: idx, Layout: layout}, layout
}

func writeJSONDoc(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	raw, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestHandleErrorJSONSkipsWhenFlagFalse(t *testing.T) {
	assert := require.New(t)

	m, _ := testMaterializer(t)
	path := filepath.Join(t.TempDir(), "a.json")
	writeJSONDoc(t, path, map[string]any{"flag": false})

	assert.NoError(m.HandleErrorJSON(path))

	raw, err := os.ReadFile(path)
	assert.NoError(err)
	assert.Contains(string(raw), `"flag": false`)
}

func TestHandleErrorJSONSkipsWhenAlreadyUploaded(t *testing.T) {
	assert := require.New(t)

	m, _ := testMaterializer(t)
	path := filepath.Join(t.TempDir(), "a.json")
	writeJSONDoc(t, path, map[string]any{"flag": true, "uploaded": true})

	assert.NoError(m.HandleErrorJSON(path))
}

func TestHandleErrorJSONConvertsToSavedRecordCache(t *testing.T) {
	assert := require.New(t)

	m, layout := testMaterializer(t)
	path := filepath.Join(t.TempDir(), "abc123.json")
	writeJSONDoc(t, path, map[string]any{
		"flag":        true,
		"startTime":   float64(1700000000000),
		"projectName": "projects/p1",
		"bag":         []string{},
		"log":         []string{},
		"files":       []string{},
		"record": map[string]any{
			"title":       "custom title",
			"description": "custom description",
			"labels":      []string{"l1", "l2"},
		},
		"paths_to_delete": []string{"/tmp/scratch"},
	})

	assert.NoError(m.HandleErrorJSON(path))

	raw, err := os.ReadFile(path)
	assert.NoError(err)
	var doc map[string]any
	assert.NoError(json.Unmarshal(raw, &doc))
	assert.Equal(true, doc["uploaded"])

	records, err := os.ReadDir(layout.RecordsDir())
	assert.NoError(err)
	assert.Len(records, 1)
}

func TestFindFilesAndUpdateErrorJSONSkipsWhenFlagAlreadyTrue(t *testing.T) {
	assert := require.New(t)

	m, _ := testMaterializer(t)
	path := filepath.Join(t.TempDir(), "a.json")
	writeJSONDoc(t, path, map[string]any{"flag": true, "cut": map[string]any{"start": 1.0, "end": 2.0}})

	assert.NoError(m.FindFilesAndUpdateErrorJSON(path, nil, t.TempDir()))

	raw, err := os.ReadFile(path)
	assert.NoError(err)
	var doc map[string]any
	assert.NoError(json.Unmarshal(raw, &doc))
	_, hasBag := doc["bag"]
	assert.False(hasBag, "an already-flagged doc must not be reprocessed")
}

func TestFindFilesAndUpdateErrorJSONSkipsBeforeWindowCloses(t *testing.T) {
	assert := require.New(t)

	m, _ := testMaterializer(t)
	path := filepath.Join(t.TempDir(), "a.json")
	farFuture := float64(time.Now().Add(time.Hour).Unix())
	writeJSONDoc(t, path, map[string]any{"flag": false, "cut": map[string]any{"start": 0.0, "end": farFuture}})

	assert.NoError(m.FindFilesAndUpdateErrorJSON(path, nil, t.TempDir()))

	raw, err := os.ReadFile(path)
	assert.NoError(err)
	var doc map[string]any
	assert.NoError(json.Unmarshal(raw, &doc))
	_, hasBag := doc["bag"]
	assert.False(hasBag, "the cut window hasn't closed yet")
}

func TestFindFilesAndUpdateErrorJSONDispatchesExtraFilesByExtension(t *testing.T) {
	assert := require.New(t)

	m, _ := testMaterializer(t)
	srcDir := t.TempDir()
	bagFile := filepath.Join(srcDir, "run.bag")
	otherFile := filepath.Join(srcDir, "notes.txt")
	assert.NoError(os.WriteFile(bagFile, []byte("bag-data"), 0o644))
	assert.NoError(os.WriteFile(otherFile, []byte("notes"), 0o644))

	path := filepath.Join(t.TempDir(), "a.json")
	pastEnd := float64(time.Now().Add(-time.Minute).Unix())
	writeJSONDoc(t, path, map[string]any{
		"flag": false,
		"cut": map[string]any{
			"start":      pastEnd - 60,
			"end":        pastEnd,
			"extraFiles": []string{bagFile, otherFile},
		},
	})

	tempDir := t.TempDir()
	assert.NoError(m.FindFilesAndUpdateErrorJSON(path, nil, tempDir))

	raw, err := os.ReadFile(path)
	assert.NoError(err)
	var doc map[string]any
	assert.NoError(json.Unmarshal(raw, &doc))
	assert.Equal(true, doc["flag"])

	bagOut, _ := doc["bag"].([]any)
	filesOut, _ := doc["files"].([]any)
	assert.Len(bagOut, 1)
	assert.Len(filesOut, 1)
	assert.Contains(bagOut[0].(string), "run.bag")
	assert.Contains(filesOut[0].(string), "notes.txt")
}

func TestHandleUploadFilesSkipsUnclassifiedFiles(t *testing.T) {
	assert := require.New(t)

	m, _ := testMaterializer(t)
	dir := t.TempDir()
	assert.NoError(os.WriteFile(filepath.Join(dir, "plain.log"), []byte("x"), 0o644))

	assert.NoError(m.HandleUploadFiles(context.Background(), []string{dir}, t.TempDir()))
}

func TestConvertCodeHandlesBareList(t *testing.T) {
	assert := require.New(t)

	raw := []byte(`[{"code":"E1","messageCN":"motor stall"},{"code":"E2","messageCN":""}]`)
	table, err := ConvertCode(raw)
	assert.NoError(err)
	assert.Equal("motor stall", table["E1"])
	assert.Equal("未知错误", table["E2"])
}

func TestConvertCodeHandlesWrappedObject(t *testing.T) {
	assert := require.New(t)

	raw := []byte(`{"msg":[{"code":"E3","messageCN":"battery low"}]}`)
	table, err := ConvertCode(raw)
	assert.NoError(err)
	assert.Equal("battery low", table["E3"])
}

func TestAsBoolHandlesNonBoolGracefully(t *testing.T) {
	assert := require.New(t)

	assert.True(asBool(true))
	assert.False(asBool("true"))
	assert.False(asBool(nil))
}

func TestCopyFileCopiesContentsAndCreatesDirs(t *testing.T) {
	assert := require.New(t)

	src := filepath.Join(t.TempDir(), "src.txt")
	assert.NoError(os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(t.TempDir(), "nested", "dst.txt")
	assert.NoError(copyFile(src, dst))

	content, err := os.ReadFile(dst)
	assert.NoError(err)
	assert.Equal("payload", string(content))
}

func TestCopyDirRecursiveMirrorsTree(t *testing.T) {
	assert := require.New(t)

	src := t.TempDir()
	assert.NoError(os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	assert.NoError(os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	assert.NoError(os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("b"), 0o644))

	dst := filepath.Join(t.TempDir(), "copy")
	assert.NoError(copyDirRecursive(src, dst))

	content, err := os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	assert.NoError(err)
	assert.Equal("b", string(content))
}
