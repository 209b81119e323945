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
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/fileindex"
	"github.com/coscene-io/coscout/internal/fileindex/classify"
	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/recordcache"
	"github.com/coscene-io/coscout/internal/trigger"
	"github.com/coscene-io/coscout/pkg/zaperr"
)

// Materializer turns the cut-request JSON files dropped by the rule-trigger
// pipeline (internal/trigger.WriteCutRequest) and by __handle_upload_files
// into RecordCache state once their time window has closed, mirroring
// DefaultMod's __find_files_and_update_error_json/handle_error_json pair.
type Materializer struct {
	FileIndex   *fileindex.Index
	Layout      paths.Layout
	StaticRules *trigger.RuleExecutor
	Logger      *zap.SugaredLogger
}

// FindErrorJSONs returns every cut-request JSON file under stateDir,
// recursively, mirroring __find_error_json's "**/*.json" glob.
func FindErrorJSONs(stateDir string) ([]string, error) {
	var out []string
	err := filepath.Walk(stateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(path, ".json") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func loadJSONDoc(path string) (map[string]any, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func saveJSONDoc(path string, doc map[string]any) error {
	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, raw, 0o644)
}

func docStringSlice(doc map[string]any, key string) []string {
	arr, _ := doc[key].([]any)
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HandleErrorJSON converts a fully-materialized cut request (flag == true,
// not yet uploaded/skipped) into a saved RecordCache, then marks the JSON
// uploaded -- the exact sequence of handle_error_json.
func (m *Materializer) HandleErrorJSON(errorJSONPath string) error {
	doc, err := loadJSONDoc(errorJSONPath)
	if err != nil {
		return zaperr.Errorw("failed to load cut request json", "path", errorJSONPath, "error", err)
	}

	flag, _ := doc["flag"].(bool)
	_, hasUploaded := doc["uploaded"]
	_, hasSkipped := doc["skipped"]
	if !flag || hasUploaded || hasSkipped {
		if m.Logger != nil {
			m.Logger.Debugw("skip handle err file", "path", errorJSONPath)
		}
		return nil
	}

	startTimeF, _ := doc["startTime"].(float64)
	rc := recordcache.New(m.Layout, int64(startTimeF), "")
	if loaded, err := recordcache.Load(m.Layout, rc.StatePath()); err == nil {
		rc = loaded
	}
	if projectName, ok := doc["projectName"].(string); ok && projectName != "" {
		rc.ProjectName = projectName
	}

	sourceName := filepath.Base(errorJSONPath)
	targetFile := filepath.Join(rc.BaseDirPath(), sourceName)
	if _, err := os.Stat(targetFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(targetFile), 0o755); err != nil {
			return err
		}
		if err := copyFile(errorJSONPath, targetFile); err != nil {
			return err
		}
		if m.Logger != nil {
			m.Logger.Infow("copied error json file to record folder", "target", targetFile)
		}
	}

	files := map[string]recordcache.FileInfo{
		targetFile: {Filepath: targetFile, Filename: sourceName},
	}
	for _, key := range []string{"bag", "log", "files"} {
		for _, fp := range docStringSlice(doc, key) {
			filename := key + "/" + filepath.Base(fp)
			files[filename] = recordcache.FileInfo{Filepath: fp, Filename: filename}
		}
	}
	for _, fp := range docStringSlice(doc, "zips") {
		filename := filepath.Base(fp)
		files[filename] = recordcache.FileInfo{Filepath: fp, Filename: filename}
	}
	for _, dirBase := range docStringSlice(doc, "dirs") {
		_ = filepath.Walk(dirBase, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(filepath.Dir(dirBase), p)
			if rerr != nil {
				rel = filepath.Base(p)
			}
			files[rel] = recordcache.FileInfo{Filepath: p, Filename: rel}
			return nil
		})
	}

	rc.FileInfos = rc.FileInfos[:0]
	for _, f := range files {
		rc.FileInfos = append(rc.FileInfos, f)
	}

	title := "Device Auto Upload - " + strconv.FormatInt(rc.TimestampMs, 10)
	description := "Device Auto Upload"
	var labels []string
	if recordDoc, ok := doc["record"].(map[string]any); ok {
		if t, ok := recordDoc["title"].(string); ok && t != "" {
			title = t
		}
		if d, ok := recordDoc["description"].(string); ok && d != "" {
			description = d
		}
		if l, ok := recordDoc["labels"].([]any); ok {
			for _, e := range l {
				if s, ok := e.(string); ok {
					labels = append(labels, s)
				}
			}
		}
	}
	rc.Record.Title = title
	rc.Record.Description = description
	rc.Labels = labels
	rc.PathsToDelete = docStringSlice(doc, "paths_to_delete")

	if err := rc.Save(); err != nil {
		return zaperr.Errorw("failed to save record cache", "key", rc.Key(), "error", err)
	}
	if m.Logger != nil {
		m.Logger.Infow("converted error log to record state", "path", rc.StatePath())
	}

	doc["uploaded"] = true
	return saveJSONDoc(errorJSONPath, doc)
}

// FindFilesAndUpdateErrorJSON gathers the files/directories matching a cut
// request's time window once that window has closed, copies or slices them
// into tempDir, and rewrites the JSON with flag=true plus the resulting
// file lists -- __find_files_and_update_error_json's exact sequence.
//
// Directories the cut window itself matched (want_dirs results) are copied
// verbatim into "dirs"; an individual matched path that turns out to be a
// directory is archived to a zip under "zips" instead, matching the
// original's two distinct directory-handling branches.
func (m *Materializer) FindFilesAndUpdateErrorJSON(errorJSONPath string, sourceDirs []string, tempDir string) error {
	doc, err := loadJSONDoc(errorJSONPath)
	if err != nil {
		return zaperr.Errorw("failed to load cut request json", "path", errorJSONPath, "error", err)
	}

	flag, hasFlag := doc["flag"]
	cutRaw, hasCut := doc["cut"]
	if !hasFlag || asBool(flag) || !hasCut {
		return nil
	}
	cut, _ := cutRaw.(map[string]any)
	endF, _ := cut["end"].(float64)
	if float64(time.Now().Unix()) < endF {
		return nil
	}
	startF, _ := cut["start"].(float64)

	for _, dir := range sourceDirs {
		if err := m.FileIndex.UpdateDir(dir); err != nil && m.Logger != nil {
			m.Logger.Warnw("failed to update file index", "dir", dir, "error", err)
		}
	}

	errorJSONID := strings.TrimSuffix(filepath.Base(errorJSONPath), filepath.Ext(errorJSONPath))
	tempFilesDir := filepath.Join(tempDir, errorJSONID)
	if err := os.MkdirAll(tempFilesDir, 0o755); err != nil {
		return err
	}

	var rawFiles, rawDirs []string
	for _, dir := range sourceDirs {
		for path := range m.FileIndex.GetFiles(dir, startF, endF, false) {
			rawFiles = append(rawFiles, path)
		}
		for path := range m.FileIndex.GetFiles(dir, startF, endF, true) {
			rawDirs = append(rawDirs, path)
		}
	}
	rawFiles = append(rawFiles, docStringSlice(cut, "extraFiles")...)

	var bagFiles, logFiles, otherFiles, dirs, zips []string

	for _, dirName := range rawDirs {
		curDir := filepath.Join(tempFilesDir, filepath.Base(dirName))
		if err := copyDirRecursive(dirName, curDir); err != nil {
			if m.Logger != nil {
				m.Logger.Errorw("failed to copy matched dir", "dir", dirName, "error", err)
			}
			continue
		}
		dirs = append(dirs, curDir)
	}

	for _, file := range rawFiles {
		info, statErr := os.Stat(file)
		if statErr != nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil && m.Logger != nil {
					m.Logger.Errorw("cut file failed", "file", file, "panic", r)
				}
			}()

			switch {
			case info.IsDir():
				dstPath := filepath.Join(tempFilesDir, filepath.Base(file)+".zip")
				if err := zipDir(file, dstPath); err != nil {
					if m.Logger != nil {
						m.Logger.Errorw("cut file failed", "file", file, "error", err)
					}
					return
				}
				zips = append(zips, dstPath)

			case strings.HasSuffix(file, ".bag"):
				dst := filepath.Join(tempFilesDir, filepath.Base(file))
				if err := copyFile(file, dst); err != nil {
					if m.Logger != nil {
						m.Logger.Errorw("cut file failed", "file", file, "error", err)
					}
					return
				}
				bagFiles = append(bagFiles, dst)

			case strings.HasSuffix(file, ".log"):
				cls := m.FileIndex.ClassifierFor(file)
				preparer, ok := cls.(classify.CutPreparer)
				if !ok {
					if m.Logger != nil {
						m.Logger.Errorw("cut file failed: no cut preparer for log file", "file", file)
					}
					return
				}
				dst, err := preparer.PrepareCut(file, tempFilesDir, startF, endF)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Errorw("cut file failed", "file", file, "error", err)
					}
					return
				}
				logFiles = append(logFiles, dst)

			default:
				dst := filepath.Join(tempFilesDir, filepath.Base(file))
				if err := copyFile(file, dst); err != nil {
					if m.Logger != nil {
						m.Logger.Errorw("cut file failed", "file", file, "error", err)
					}
					return
				}
				otherFiles = append(otherFiles, dst)
			}
		}()
	}

	doc["bag"] = bagFiles
	doc["log"] = logFiles
	doc["files"] = otherFiles
	doc["dirs"] = dirs
	doc["zips"] = zips
	doc["flag"] = true
	doc["startTime"] = float64(time.Now().UnixMilli() + int64(rand.Intn(1000)+1))
	doc["paths_to_delete"] = []string{tempFilesDir}

	return saveJSONDoc(errorJSONPath, doc)
}

// HandleUploadFiles drives the file-state index's static-file diagnosis
// over every direct child of each base dir, turning any unprocessed static
// file's messages into cut requests via the static-file rule executor --
// __handle_upload_files.
func (m *Materializer) HandleUploadFiles(ctx context.Context, sourceDirs []string, stateDir string) error {
	for _, dir := range sourceDirs {
		if err := m.FileIndex.UpdateDir(dir); err != nil && m.Logger != nil {
			m.Logger.Warnw("failed to update file index", "dir", dir, "error", err)
		}
	}

	for _, dir := range sourceDirs {
		entries, err := ioutil.ReadDir(dir)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warnw("failed to list base dir", "dir", dir, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			err := m.FileIndex.StaticFileDiagnosis(path, func(it classify.MessageIterator) error {
				return m.driveStaticMessages(ctx, it)
			})
			if err != nil && m.Logger != nil {
				m.Logger.Warnw("static file diagnosis failed", "path", path, "error", err)
			}
		}
	}
	return nil
}

// driveStaticMessages feeds a matched static file's decoded messages
// through the static-file rule executor, one item at a time, exactly the
// way LogHandler/other per-format handlers call api_client's rule engine
// from inside diagnose().
func (m *Materializer) driveStaticMessages(ctx context.Context, it classify.MessageIterator) error {
	if m.StaticRules == nil {
		return nil
	}
	ch := make(chan trigger.DataItem)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.StaticRules.Execute(ctx, ch)
	}()

	for it.Next() {
		msg := it.Message()
		select {
		case ch <- trigger.DataItem{Topic: msg.Topic, Msg: msg.Payload, TimeS: msg.TimeS, MsgType: msg.MsgType}:
		case <-ctx.Done():
			close(ch)
			<-done
			return ctx.Err()
		}
	}
	close(ch)
	<-done
	return it.Err()
}

// ConvertCode turns the code.json payload (either a bare list or an object
// with a top-level "msg" list) into the codelimit code->message table,
// mirroring convert_code.
func ConvertCode(raw []byte) (map[string]string, error) {
	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil {
		return codeListToTable(asList), nil
	}

	var asObj map[string]any
	if err := json.Unmarshal(raw, &asObj); err != nil {
		return nil, err
	}
	listRaw, _ := asObj["msg"].([]any)
	list := make([]map[string]any, 0, len(listRaw))
	for _, e := range listRaw {
		if m, ok := e.(map[string]any); ok {
			list = append(list, m)
		}
	}
	return codeListToTable(list), nil
}

func codeListToTable(list []map[string]any) map[string]string {
	out := make(map[string]string, len(list))
	for _, item := range list {
		code, _ := item["code"].(string)
		msg, ok := item["messageCN"].(string)
		if !ok || msg == "" {
			msg = "未知错误"
		}
		out[code] = msg
	}
	return out
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyDirRecursive(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func zipDir(src, dstZip string) error {
	if err := os.MkdirAll(filepath.Dir(dstZip), 0o755); err != nil {
		return err
	}
	zf, err := os.Create(dstZip)
	if err != nil {
		return err
	}
	defer zf.Close()

	w := zip.NewWriter(zf)
	defer w.Close()

	parent := filepath.Dir(src)
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		fw, err := w.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
}
