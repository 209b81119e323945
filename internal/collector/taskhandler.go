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
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/recordcache"
)

// TaskHandler polls the platform for PENDING upload tasks assigned to this
// device and materializes each into a RecordCache gathering files from a
// fixed set of local paths (module J's task-polling side channel,
// distinct from the rule-trigger pipeline's cut requests).
type TaskHandler struct {
	Client      *platform.Client
	Layout      paths.Layout
	UploadFiles []string
	Logger      *zap.SugaredLogger
}

// Run polls once for PENDING tasks and materializes each.
func (h *TaskHandler) Run(ctx context.Context) error {
	if h.Logger != nil {
		h.Logger.Info("checking upload tasks")
	}
	if h.Client.State.Device == nil || h.Client.State.Device.Name == "" {
		if h.Logger != nil {
			h.Logger.Warn("device name not found, skipping task check")
		}
		return nil
	}

	tasks, err := h.Client.Transport.ListDeviceTasks(ctx, h.Client.State.Device.Name, "PENDING")
	if err != nil {
		return err
	}
	for _, task := range tasks {
		h.handleUploadTask(ctx, task)
	}
	if h.Logger != nil {
		h.Logger.Info("task check done")
	}
	return nil
}

func (h *TaskHandler) handleUploadTask(ctx context.Context, task platform.Task) {
	if task.Name == "" {
		if h.Logger != nil {
			h.Logger.Warn("task name not found, skipping")
		}
		return
	}

	startTime := parseTimeStr(task.UploadTaskDetail.StartTime)
	endTime := parseTimeStr(task.UploadTaskDetail.EndTime)

	if err := h.Client.Transport.UpdateTaskState(ctx, task.Name, "PROCESSING"); err != nil && h.Logger != nil {
		h.Logger.Warnw("failed to mark task processing", "task", task.Name, "error", err)
	}

	var files []recordcache.FileInfo
	for _, path := range h.UploadFiles {
		info, err := os.Stat(path)
		if err != nil {
			if h.Logger != nil {
				h.Logger.Warnw("upload file not found, skipping", "path", path)
			}
			continue
		}
		if info.IsDir() {
			files = append(files, resolveDir(path, startTime, endTime)...)
		} else {
			files = append(files, recordcache.NewFileInfo(path))
		}
	}

	files = uniqueByFilename(files)
	if len(files) == 0 {
		if h.Logger != nil {
			h.Logger.Info("no files found for task, marking succeeded")
		}
		if err := h.Client.Transport.UpdateTaskState(ctx, task.Name, "SUCCEEDED"); err != nil && h.Logger != nil {
			h.Logger.Warnw("failed to mark task succeeded", "task", task.Name, "error", err)
		}
		return
	}

	// task_name: warehouses/xxx/projects/xxx/tasks/xxx, project_name: warehouses/xxx/projects/xxx
	projectName := task.Name
	if idx := strings.Index(task.Name, "/tasks/"); idx >= 0 {
		projectName = task.Name[:idx]
	}
	eventCode := ""
	if parts := strings.Split(task.Name, "/"); len(parts) > 0 {
		eventCode = parts[len(parts)-1]
	}

	rc := recordcache.New(h.Layout, time.Now().UnixMilli(), eventCode)
	rc.ProjectName = projectName
	rc.Task = &recordcache.Task{Name: task.Name, Title: task.Title}
	rc.FileInfos = files
	rc.Normalize()
	if err := rc.Save(); err != nil && h.Logger != nil {
		h.Logger.Errorw("failed to save task record state", "task", task.Name, "error", err)
		return
	}
	if h.Logger != nil {
		h.Logger.Infow("converted upload task to record state", "path", rc.StatePath())
	}
}

func parseTimeStr(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	s = strings.ReplaceAll(s, "Z", "+00:00")
	t, err := time.Parse("2006-01-02T15:04:05-07:00", s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}

func resolveDir(dir string, start, end time.Time) []recordcache.FileInfo {
	var out []recordcache.FileInfo
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !start.IsZero() && info.ModTime().Before(start) {
			return nil
		}
		if !end.IsZero() && info.ModTime().After(end) {
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			rel = filepath.Base(path)
		}
		out = append(out, recordcache.FileInfo{Filepath: path, Filename: rel})
		return nil
	})
	return out
}

func uniqueByFilename(files []recordcache.FileInfo) []recordcache.FileInfo {
	seen := map[string]bool{}
	out := make([]recordcache.FileInfo, 0, len(files))
	for _, f := range files {
		if seen[f.Filename] {
			continue
		}
		seen[f.Filename] = true
		out = append(out, f)
	}
	return out
}
