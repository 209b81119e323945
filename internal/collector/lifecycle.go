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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/fileindex"
	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/trigger"
)

// ModRunner is the agent's one built-in collection mod (DefaultMod): it
// watches a fixed set of local directories, tails their log files through
// the rule-trigger pipeline, polls for upload tasks, and materializes both
// into RecordCache state for the collector to pick up.
type ModRunner struct {
	Conf         ModConfig
	Client       *platform.Client
	Layout       paths.Layout
	FileIndex    *fileindex.Index
	Materializer *Materializer
	TaskHandler  *TaskHandler
	LogTailer    *trigger.LogTailer
	LogRules     *trigger.RuleExecutor
	Logger       *zap.SugaredLogger

	taskOnce sync.Once
	logOnce  sync.Once
}

// Run executes one pass of the mod: starts the long-running task-handler
// and log-listener goroutines (idempotently, the first time only), then
// processes waiting-to-upload static files and any pending cut-request
// JSON files -- DefaultMod.run()'s exact sequence, with Python's
// thread-dedup-by-name replaced by sync.Once since each ModRunner now owns
// exactly one of each goroutine for its lifetime.
func (r *ModRunner) Run(ctx context.Context) error {
	if !r.Conf.Enabled {
		if r.Logger != nil {
			r.Logger.Info("default mod is not enabled, skip")
		}
		return nil
	}

	r.startTaskHandler(ctx)

	if len(r.Conf.BaseDirs) == 0 {
		if r.Logger != nil {
			r.Logger.Info("default mod base dirs is empty, skip")
		}
		return nil
	}

	for _, dir := range r.Conf.BaseDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	stateDir := r.Layout.ModStateDir("default")
	tempDir := r.Layout.ModTempDir("default")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return err
	}

	r.startLogListener(ctx)

	if err := r.Materializer.HandleUploadFiles(ctx, r.Conf.BaseDirs, stateDir); err != nil && r.Logger != nil {
		r.Logger.Warnw("failed to handle upload files", "error", err)
	}

	errorJSONs, err := FindErrorJSONs(stateDir)
	if err != nil {
		return err
	}
	for _, path := range errorJSONs {
		if err := r.Materializer.FindFilesAndUpdateErrorJSON(path, r.Conf.BaseDirs, tempDir); err != nil && r.Logger != nil {
			r.Logger.Errorw("error occurred when handling cut request", "path", path, "error", err)
			continue
		}
		if err := r.Materializer.HandleErrorJSON(path); err != nil && r.Logger != nil {
			r.Logger.Errorw("error occurred when handling cut request", "path", path, "error", err)
		}
	}
	return nil
}

func (r *ModRunner) startTaskHandler(ctx context.Context) {
	r.taskOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				if err := r.TaskHandler.Run(ctx); err != nil && r.Logger != nil {
					r.Logger.Errorw("task handler run failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
		if r.Logger != nil {
			r.Logger.Info("thread start handle task")
		}
	})
}

func (r *ModRunner) startLogListener(ctx context.Context) {
	r.logOnce.Do(func() {
		r.LogTailer.UpdateDirs(r.Conf.BaseDirs)
		ch := make(chan trigger.DataItem)
		go r.LogTailer.Run(ctx, ch)
		go r.LogRules.Execute(ctx, ch)
		if r.Logger != nil {
			r.Logger.Info("thread start log listener")
		}
	})
}
