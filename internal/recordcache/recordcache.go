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

package recordcache

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/coscene-io/coscout/internal/paths"
)

// Task is the record's associated platform task, if materialized from a
// task-handler upload task rather than a rule-trigger cut request.
type Task struct {
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
}

// Moment is a point-in-time annotation on a record, optionally carrying an
// assignee task.
type Moment struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	TimestampMs int64             `json:"timestamp"`
	DurationMs  int64             `json:"duration,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Task        *Task             `json:"task,omitempty"`
}

// Record is the opaque remote object returned by the platform once
// created; only the fields the core needs are modeled, the rest round-trip
// through RawFields.
type Record struct {
	Name        string            `json:"name,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	RawFields   map[string]any    `json:"-"`
}

// MarshalJSON folds RawFields and the typed fields into one object so a
// round-trip through the server (which may attach fields we don't model,
// e.g. head.files) never silently drops data.
func (r Record) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range r.RawFields {
		out[k] = v
	}
	if r.Name != "" {
		out["name"] = r.Name
	}
	if r.Title != "" {
		out["title"] = r.Title
	}
	if r.Description != "" {
		out["description"] = r.Description
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.RawFields = raw
	if v, ok := raw["name"].(string); ok {
		r.Name = v
	}
	if v, ok := raw["title"].(string); ok {
		r.Title = v
	}
	if v, ok := raw["description"].(string); ok {
		r.Description = v
	}
	return nil
}

// State is the record cache's current phase, a view derived from the
// (Record.Name, Uploaded, Skipped) triple -- spec.md section 4.I's S0-S3.
type State int

const (
	// StateFresh (S0): record.name unset, skipped=false.
	StateFresh State = iota
	// StateSkipped (S1, terminal): skipped=true.
	StateSkipped
	// StateCreated (S2): record.name set, uploaded=false.
	StateCreated
	// StateUploaded (S3, terminal): uploaded=true.
	StateUploaded
)

// RecordCache is the on-disk unit of work (module I / data model section
// 3). It is deliberately a plain struct rather than carrying methods that
// reach the platform client or the uploader: those live in
// internal/collector, which drives the transitions described here.
type RecordCache struct {
	Uploaded    bool   `json:"uploaded,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
	EventCode   string `json:"event_code,omitempty"`
	ProjectName string `json:"project_name,omitempty"`

	// TimestampMs is milliseconds since epoch, UTC; together with
	// EventCode it deterministically derives Key().
	TimestampMs int64 `json:"timestamp"`

	Labels []string `json:"labels,omitempty"`
	Record Record   `json:"record,omitempty"`
	Moments []Moment `json:"moments,omitempty"`
	Task   *Task     `json:"task,omitempty"`

	// Files holds the original source absolute paths (deduplicated,
	// order preserved). FileInfos holds the same files plus size/sha256,
	// aligned to Files only while the state is fresh.
	Files      []string   `json:"files,omitempty"`
	FileInfos  []FileInfo `json:"file_infos,omitempty"`

	PathsToDelete []string `json:"paths_to_delete,omitempty"`

	// layout is not persisted; it is threaded through at construction so
	// Key()-derived paths can be computed without a package-level global.
	layout paths.Layout `json:"-"`
}

// New builds a RecordCache holding only the trigger timestamp, event code
// and layout. Deriving Files from FileInfos (or vice versa) and
// deduplicating Files in first-seen order is done by Normalize -- testable
// properties 2 and S-3.
func New(layout paths.Layout, timestampMs int64, eventCode string) *RecordCache {
	return &RecordCache{
		TimestampMs: timestampMs,
		EventCode:   eventCode,
		layout:      layout,
	}
}

// SetLayout attaches the on-disk root, needed after JSON deserialization
// since layout is not itself persisted.
func (rc *RecordCache) SetLayout(l paths.Layout) { rc.layout = l }

// Normalize applies the constructor-time invariants that pydantic's
// __init__ hook applied in the original: if Files is empty, derive it from
// FileInfos; else if FileInfos is empty, derive it from Files. Either way,
// Files is deduplicated with first-seen order preserved.
func (rc *RecordCache) Normalize() {
	if len(rc.Files) == 0 && len(rc.FileInfos) > 0 {
		for _, fi := range rc.FileInfos {
			rc.Files = append(rc.Files, fi.Filepath)
		}
	} else if len(rc.FileInfos) == 0 && len(rc.Files) > 0 {
		for _, f := range rc.Files {
			rc.FileInfos = append(rc.FileInfos, NewFileInfo(f))
		}
	}
	rc.Files = dedupPreserveOrder(rc.Files)
}

func dedupPreserveOrder(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Key is the deterministic identifier derived from (EventCode, TimestampMs):
// "[<event_code>_]YYYY-MM-DD-HH-MM-SS_<ms>" in UTC (testable property 1,
// scenario S-2).
func (rc *RecordCache) Key() string {
	seconds := rc.TimestampMs / 1000
	millis := rc.TimestampMs % 1000
	if millis < 0 {
		millis += 1000
	}
	dt := time.Unix(seconds, 0).UTC().Format("2006-01-02-15-04-05")
	if rc.EventCode != "" {
		return rc.EventCode + "_" + dt + "_" + itoa(millis)
	}
	return dt + "_" + itoa(millis)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// BaseDirPath is the record's on-disk directory, <records_root>/<key>/.
func (rc *RecordCache) BaseDirPath() string { return rc.layout.RecordBaseDir(rc.Key()) }

// StatePath is the record's state.json path.
func (rc *RecordCache) StatePath() string { return rc.layout.RecordStateFile(rc.Key()) }

// Phase classifies the record into one of the four states described in
// module I; exactly one holds at any moment by construction.
func (rc *RecordCache) Phase() State {
	switch {
	case rc.Skipped:
		return StateSkipped
	case rc.Uploaded:
		return StateUploaded
	case rc.Record.Name != "":
		return StateCreated
	default:
		return StateFresh
	}
}

// Save persists the record's state.json atomically, creating the .cos
// directory as needed.
func (rc *RecordCache) Save() error {
	if err := os.MkdirAll(filepath.Dir(rc.StatePath()), 0o755); err != nil {
		return errors.Wrap(err, "creating record state dir")
	}
	raw, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling record state")
	}
	tmp := rc.StatePath() + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing record state")
	}
	return os.Rename(tmp, rc.StatePath())
}

// Load reads a RecordCache's state.json at path and normalizes it.
func Load(layout paths.Layout, statePath string) (*RecordCache, error) {
	raw, err := ioutil.ReadFile(statePath)
	if err != nil {
		return nil, err
	}
	var rc RecordCache
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, errors.Wrap(err, "unmarshaling record state")
	}
	rc.SetLayout(layout)
	rc.Normalize()
	return &rc, nil
}

// FindAll walks layout.RecordsDir()'s immediate subdirectories and loads
// every RecordCache with a valid state.json. A subdirectory whose
// state.json fails to parse is deleted wholesale and skipped -- the
// "corrupt RecordCache state" error kind in the error handling design.
func FindAll(layout paths.Layout) ([]*RecordCache, error) {
	if err := os.MkdirAll(layout.RecordsDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating records dir")
	}
	entries, err := ioutil.ReadDir(layout.RecordsDir())
	if err != nil {
		return nil, errors.Wrap(err, "reading records dir")
	}

	var out []*RecordCache
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		statePath := filepath.Join(layout.RecordsDir(), entry.Name(), paths.RecordStateRelativePath)
		if _, err := os.Stat(statePath); err != nil {
			continue
		}
		rc, err := Load(layout, statePath)
		if err != nil {
			_ = os.RemoveAll(filepath.Join(layout.RecordsDir(), entry.Name()))
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

// ListFiles returns the absolute paths of every regular file under the
// record's base directory, excluding anything under .cos.
func (rc *RecordCache) ListFiles() ([]string, error) {
	var out []string
	err := filepath.Walk(rc.BaseDirPath(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(rc.BaseDirPath(), path)
		if rerr == nil && (rel == ".cos" || strings.HasPrefix(rel, ".cos"+string(filepath.Separator))) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

// DeleteCacheDir removes the record's base directory and every path in
// PathsToDelete, but only once delayInHours has elapsed since the
// triggering timestamp (a negative delay disables deletion entirely).
// Errors deleting individual source paths are returned via the errs slice
// rather than aborting -- the sweep must not let one bad path block
// others.
func (rc *RecordCache) DeleteCacheDir(delayInHours int, now time.Time) (errs []error) {
	if delayInHours < 0 {
		return nil
	}
	elapsed := now.Sub(time.UnixMilli(rc.TimestampMs))
	if elapsed <= time.Duration(delayInHours)*time.Hour {
		return nil
	}

	if _, err := os.Stat(rc.BaseDirPath()); err == nil {
		if err := os.RemoveAll(rc.BaseDirPath()); err != nil {
			errs = append(errs, errors.Wrapf(err, "removing record dir %q", rc.BaseDirPath()))
		}
	}

	for _, p := range rc.PathsToDelete {
		abs, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(abs); err != nil {
			errs = append(errs, errors.Wrapf(err, "removing source path %q", abs))
		}
	}
	return errs
}
