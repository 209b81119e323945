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

// Package collector drives each RecordCache through its upload lifecycle
// (module J): hardlinking staged files into the record's base directory,
// creating the remote record/event/moments, resuming the multipart
// upload, and finally reporting heartbeat and run metrics back to the
// platform.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/codelimit"
	"github.com/coscene-io/coscout/internal/netmeter"
	"github.com/coscene-io/coscout/internal/paths"
	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/recordcache"
	"github.com/coscene-io/coscout/internal/uploader"
	"github.com/coscene-io/coscout/internal/version"
)

// Config mirrors CollectorConfig.
type Config struct {
	DeleteAfterUpload        bool
	DeleteAfterIntervalHours int
	ScanIntervalSecs         int
}

// Collector sweeps the record cache on each Run, moving every RecordCache
// through its S0-S3 states (module I) as far as it will currently go.
type Collector struct {
	Conf    Config
	Client  *platform.Client
	CodeMgr *codelimit.Manager
	Layout  paths.Layout
	Meter   *netmeter.Meter
	Logger  *zap.SugaredLogger
}

// New builds a Collector. meter is the process-wide network-usage meter
// (module D), constructed once in cmd/coscout and threaded through here
// and into the platform client transports rather than read from a
// package-level global.
func New(conf Config, client *platform.Client, codeMgr *codelimit.Manager, layout paths.Layout, meter *netmeter.Meter, logger *zap.SugaredLogger) *Collector {
	return &Collector{Conf: conf, Client: client, CodeMgr: codeMgr, Layout: layout, Meter: meter, Logger: logger}
}

// parseRecordName splits "projects/<id>/records/<id>" or
// "warehouses/<id>/projects/<id>/records/<id>" into the project name a
// platform call is scoped by and the (projectID, recordID) pair the
// object-store key is built from.
func parseRecordName(recordName string) (projectName, projectID, recordID string, err error) {
	parts := strings.Split(recordName, "/")
	switch {
	case len(parts) == 4 && parts[0] == "projects" && parts[2] == "records":
		return "projects/" + parts[1], parts[1], parts[3], nil
	case len(parts) == 6 && parts[0] == "warehouses" && parts[2] == "projects" && parts[4] == "records":
		return "warehouses/" + parts[1] + "/projects/" + parts[3], parts[3], parts[5], nil
	default:
		return "", "", "", errors.Errorf("invalid record name %q", recordName)
	}
}

func isImage(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".png")
}

// hardlink links target into linkPath, falling back to a plain copy when
// the filesystem can't hardlink across devices -- utils.hardlink's exact
// fallback.
func hardlink(target, linkPath string) (string, error) {
	if _, err := os.Stat(linkPath); err == nil {
		return linkPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return "", err
	}
	if err := os.Link(target, linkPath); err != nil {
		src, oerr := os.Open(target)
		if oerr != nil {
			return "", oerr
		}
		defer src.Close()
		dst, cerr := os.Create(linkPath)
		if cerr != nil {
			return "", cerr
		}
		defer dst.Close()
		if _, cerr := io.Copy(dst, src); cerr != nil {
			return "", cerr
		}
	}
	return linkPath, nil
}

// resumableUploadFiles uploads every file in fileInfos into recordName's
// object-store namespace using a freshly generated security token scoped
// to the record's project. A per-file failure is logged and marks the
// overall result incomplete without aborting the remaining files --
// resumable_upload_files's per-file try/except loop, smallest files
// first.
func (c *Collector) resumableUploadFiles(ctx context.Context, recordName string, fileInfos []recordcache.FileInfo, removeAfter bool) (bool, error) {
	projectName, projectID, recordID, err := parseRecordName(recordName)
	if err != nil {
		return false, err
	}

	token, err := c.Client.Transport.GenerateSecurityToken(ctx, projectName)
	if err != nil {
		return false, err
	}
	store, err := uploader.NewS3Store(token)
	if err != nil {
		return false, err
	}

	sorted := make([]recordcache.FileInfo, len(fileInfos))
	copy(sorted, fileInfos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	up := uploader.New(store, c.Meter, 0, nil, c.Logger)
	allCompleted := true
	for _, f := range sorted {
		key := uploader.ObjectKey(projectID, recordID, f.Filename)
		if err := up.Upload(uploader.Bucket, key, f.Filepath); err != nil {
			if c.Logger != nil {
				c.Logger.Errorw("failed to upload file", "file", f.Filepath, "error", err)
			}
			allCompleted = false
			continue
		}
		if removeAfter {
			if err := os.Remove(f.Filepath); err != nil && c.Logger != nil {
				c.Logger.Warnw("failed to remove uploaded file", "file", f.Filepath, "error", err)
			}
		}
	}
	return allCompleted, nil
}

// uploadRecordThumbnail uploads the first image file it finds among
// rc.FileInfos as the record's thumbnail, then stops -- only one
// thumbnail is ever set.
func (c *Collector) uploadRecordThumbnail(ctx context.Context, recordName string, rc *recordcache.RecordCache) {
	for _, f := range rc.FileInfos {
		if !isImage(f.Filename) {
			continue
		}
		uploadURL, err := c.Client.Transport.GenerateRecordThumbnailUploadURL(ctx, recordName, 3600)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warnw("failed to generate thumbnail upload url", "record", recordName, "error", err)
			}
			return
		}
		if uploadURL == "" {
			return
		}
		if err := c.Client.Transport.UploadFile(ctx, uploadURL, f.Filepath); err != nil && c.Logger != nil {
			c.Logger.Warnw("failed to upload record thumbnail", "record", recordName, "error", err)
		}
		return
	}
}

// uploadFinishFlagFile writes (if absent) a finish.flag manifest of the
// record's original file list and uploads it as the last file, signaling
// to downstream consumers that the record is complete.
func (c *Collector) uploadFinishFlagFile(ctx context.Context, recordName string, rc *recordcache.RecordCache) (bool, error) {
	finishFile := filepath.Join(rc.BaseDirPath(), "finish.flag")
	if _, err := os.Stat(finishFile); os.IsNotExist(err) {
		raw, merr := json.MarshalIndent(rc.Files, "", "  ")
		if merr != nil {
			return false, errors.Wrap(merr, "marshaling finish flag contents")
		}
		if werr := os.WriteFile(finishFile, raw, 0o644); werr != nil {
			return false, errors.Wrap(werr, "writing finish flag file")
		}
	}

	fi, err := recordcache.NewFileInfo(finishFile).Complete(false, false, 0)
	if err != nil {
		return false, err
	}
	return c.resumableUploadFiles(ctx, recordName, []recordcache.FileInfo{fi}, true)
}

// recordTitle mirrors __get_record_title: an already-set title wins, then
// the task's title, then a generated "<message>(<code>) @ <time>" string.
func (c *Collector) recordTitle(rc *recordcache.RecordCache) string {
	if rc.Record.Title != "" {
		return rc.Record.Title
	}
	if rc.Task != nil && rc.Task.Title != "" {
		return rc.Task.Title
	}
	msg := ""
	if c.CodeMgr != nil {
		msg = c.CodeMgr.Message(rc.EventCode, "")
	}
	if msg == "" {
		msg = "未知错误"
	}
	triggerTime := time.UnixMilli(rc.TimestampMs).UTC().Format(time.RFC3339)
	return fmt.Sprintf("%s(%s) @ %s", msg, rc.EventCode, triggerTime)
}

// recordDescription mirrors __make_record_description.
func (c *Collector) recordDescription(title string, rc *recordcache.RecordCache) string {
	if rc.Record.Description != "" {
		return rc.Record.Description
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n", title)
	fmt.Fprintf(&b, "the record is triggered @ %d\n", rc.TimestampMs)
	fmt.Fprintf(&b, "the files are from %s\n", rc.BaseDirPath())
	b.WriteString("on robot:\n")
	if c.Client.State.Device != nil {
		for _, label := range c.Client.State.Device.Labels {
			b.WriteString("\n" + label.DisplayName)
		}
	}
	return b.String()
}

// createRecordAndEvent creates (or resumes) the record, uploads its
// thumbnail if any of its files is an image, and materializes every
// moment as an event plus optional assignee task -- _create_record_and_event.
func (c *Collector) createRecordAndEvent(ctx context.Context, rc *recordcache.RecordCache) (platform.Record, error) {
	title := c.recordTitle(rc)
	description := c.recordDescription(title, rc)

	deviceName := ""
	if c.Client.State.Device != nil {
		deviceName = c.Client.State.Device.Name
	}

	fileRefs := make([]platform.FileRef, 0, len(rc.FileInfos))
	for _, f := range rc.FileInfos {
		fileRefs = append(fileRefs, platform.FileRef{Name: f.Filename, Filename: f.Filename, Size: f.Size, Sha256: f.Sha256})
	}

	record, err := c.Client.CreateOrGetRecord(ctx, rc.ProjectName, rc.Record.Name, platform.CreateRecordParams{
		FileInfos:   fileRefs,
		Title:       title,
		Description: description,
		Labels:      rc.Labels,
		DeviceName:  deviceName,
	})
	if err != nil {
		return platform.Record{}, err
	}

	c.uploadRecordThumbnail(ctx, record.Name, rc)

	for _, moment := range rc.Moments {
		displayName := moment.Title
		if displayName == "" {
			displayName = title
		}
		desc := moment.Description
		if desc == "" {
			desc = title
		}

		if _, err := c.Client.Transport.CreateEvent(ctx, platform.CreateEventParams{
			RecordName:       record.Name,
			DisplayName:      displayName,
			Description:      desc,
			CustomizedFields: moment.Metadata,
			TriggerTimeS:     float64(moment.TimestampMs) / 1000,
			DurationS:        float64(moment.DurationMs) / 1000,
			DeviceName:       deviceName,
		}); err != nil && c.Logger != nil {
			c.Logger.Warnw("failed to create event for moment", "record", record.Name, "error", err)
		}

		if moment.Task != nil {
			if _, err := c.Client.Transport.CreateTask(ctx, platform.CreateTaskParams{
				RecordName:  record.Name,
				Title:       displayName,
				Description: desc,
				Assignee:    moment.Task.Assignee,
			}); err != nil && c.Logger != nil {
				c.Logger.Warnw("failed to create task for moment", "record", record.Name, "error", err)
			}
		}
	}

	return record, nil
}

// HandleRecord drives one RecordCache through as much of its S0-S3
// transition as is currently possible, matching handle_record exactly:
// skip-if-skipped, code-limit gating before the record is created,
// hardlink+create-record+event on the first pass, and resumable upload +
// finish-flag + record/task finalization on the upload pass.
func (c *Collector) HandleRecord(ctx context.Context, rc *recordcache.RecordCache) error {
	if c.Logger != nil {
		c.Logger.Debugw("checking record", "key", rc.Key())
	}

	ctx = platform.WithActiveProject(ctx, rc.ProjectName)
	c.Client.SetActiveProject(rc.ProjectName)

	if rc.Skipped {
		if c.Logger != nil {
			c.Logger.Debugw("record previously skipped", "key", rc.Key())
		}
		return nil
	}

	if rc.Record.Name == "" && rc.EventCode != "" && c.CodeMgr != nil && c.CodeMgr.IsOverLimit(rc.EventCode) {
		if c.Logger != nil {
			c.Logger.Warnw("reached code limit, skipping", "code", rc.EventCode, "key", rc.Key())
		}
		if rc.Task != nil && rc.Task.Name != "" {
			if err := c.Client.Transport.UpdateTaskState(ctx, rc.Task.Name, "SUCCEEDED"); err != nil && c.Logger != nil {
				c.Logger.Warnw("failed to update task state", "task", rc.Task.Name, "error", err)
			}
		}
		rc.Skipped = true
		if err := rc.Save(); err != nil {
			return err
		}
		rc.DeleteCacheDir(c.Conf.DeleteAfterIntervalHours, time.Now())
		return nil
	}

	if rc.Record.Name == "" {
		fileInfos := make([]recordcache.FileInfo, 0, len(rc.FileInfos))
		for _, f := range rc.FileInfos {
			if f.Filename == "finish.flag" {
				continue
			}
			if _, err := os.Stat(f.Filepath); err != nil {
				continue
			}
			linked, err := hardlink(f.Filepath, filepath.Join(rc.BaseDirPath(), f.Filename))
			if err != nil {
				return errors.Wrapf(err, "hardlinking %q", f.Filepath)
			}
			completed, err := recordcache.NewFileInfo(linked).Complete(false, false, 0)
			if err != nil {
				return err
			}
			fileInfos = append(fileInfos, completed)
		}
		rc.FileInfos = fileInfos

		if len(fileInfos) == 0 {
			if c.Logger != nil {
				c.Logger.Warnw("no files left for record, skipping", "key", rc.Key())
			}
			if rc.Task != nil && rc.Task.Name != "" {
				if err := c.Client.Transport.UpdateTaskState(ctx, rc.Task.Name, "SUCCEEDED"); err != nil && c.Logger != nil {
					c.Logger.Warnw("failed to update task state", "task", rc.Task.Name, "error", err)
				}
			}
			rc.Skipped = true
			return rc.Save()
		}

		record, err := c.createRecordAndEvent(ctx, rc)
		if err != nil {
			return err
		}
		rc.Record = record
		if err := rc.Save(); err != nil {
			return err
		}
		if c.CodeMgr != nil {
			c.CodeMgr.Hit(rc.EventCode)
		}
	}

	if !rc.Uploaded {
		filepaths, err := rc.ListFiles()
		if err != nil {
			return err
		}
		fileSet := make(map[string]bool, len(filepaths))
		for _, p := range filepaths {
			fileSet[p] = true
		}
		kept := make([]recordcache.FileInfo, 0, len(rc.FileInfos))
		for _, f := range rc.FileInfos {
			if fileSet[f.Filepath] {
				kept = append(kept, f)
			}
		}
		rc.FileInfos = kept

		allCompleted, err := c.resumableUploadFiles(ctx, rc.Record.Name, rc.FileInfos, true)
		if err != nil {
			return err
		}

		if allCompleted {
			finished, err := c.uploadFinishFlagFile(ctx, rc.Record.Name, rc)
			if err != nil {
				return err
			}
			if !finished {
				if c.Logger != nil {
					c.Logger.Errorw("failed to upload finish flag file", "key", rc.Key())
				}
				return nil
			}

			labels := append(append([]string{}, rc.Labels...), "上传完成")
			if _, err := c.Client.Transport.UpdateRecord(ctx, rc.Record.Name, "", "", labels); err != nil {
				return err
			}

			if rc.Task != nil && rc.Task.Name != "" {
				if err := c.Client.Transport.PutTaskTags(ctx, rc.Task.Name, map[string]string{"recordName": rc.Record.Name}); err != nil && c.Logger != nil {
					c.Logger.Warnw("failed to tag task with record name", "task", rc.Task.Name, "error", err)
				}
				if err := c.Client.Transport.UpdateTaskState(ctx, rc.Task.Name, "SUCCEEDED"); err != nil && c.Logger != nil {
					c.Logger.Warnw("failed to update task state", "task", rc.Task.Name, "error", err)
				}
			}

			rc.Uploaded = true
			if err := rc.Save(); err != nil {
				return err
			}
			if c.Logger != nil {
				c.Logger.Infow("handled record", "key", rc.Key())
			}

			if c.Conf.DeleteAfterUpload {
				rc.DeleteCacheDir(0, time.Now())
			}
		}
	}

	return nil
}

// Run sweeps every RecordCache once, isolating per-record errors except
// platform.ErrUnauthorized (which aborts the sweep so the auth loop can
// re-run), then reports a heartbeat plus run counters -- Collector.run's
// exact shape.
func (c *Collector) Run(ctx context.Context) error {
	if c.Logger != nil {
		c.Logger.Infof("searching for new records in %s", c.Layout.RecordsDir())
	}

	records, err := recordcache.FindAll(c.Layout)
	if err != nil {
		return err
	}

	totalRecords := 0
	for _, rc := range records {
		err := c.HandleRecord(ctx, rc)
		if err == nil {
			totalRecords++
		} else if err == platform.ErrUnauthorized {
			if c.Logger != nil {
				c.Logger.Errorw("unauthorized while handling record", "key", rc.Key(), "error", err)
			}
			return err
		} else if c.Logger != nil {
			c.Logger.Errorw("error handling record", "key", rc.Key(), "error", err)
		}

		rc.DeleteCacheDir(c.Conf.DeleteAfterIntervalHours, time.Now())
	}

	if c.Client.State.Device != nil && c.Client.State.Device.Name != "" {
		uploadBytes, downloadBytes := c.Meter.Snapshot()
		if err := c.Client.Transport.SendHeartbeat(ctx, c.Client.State.Device.Name, version.Get(), uploadBytes, downloadBytes); err != nil && c.Logger != nil {
			c.Logger.Warnw("failed to send heartbeat", "error", err)
		}
		c.Meter.Reset()
	}

	if err := c.Client.Transport.Counter(ctx, "coscout_collector_run_successful_total", 1); err != nil && c.Logger != nil {
		c.Logger.Warnw("failed to emit run counter", "error", err)
	}
	if err := c.Client.Transport.Gauge(ctx, "coscout_collector_record_cache_count", float64(totalRecords)); err != nil && c.Logger != nil {
		c.Logger.Warnw("failed to emit record cache gauge", "error", err)
	}

	return nil
}
