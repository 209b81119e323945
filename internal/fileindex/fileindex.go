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

// Package fileindex is the process-wide file-state index (module E): it
// watches a set of directories, classifies every matched file or
// directory, persists a single JSON map keyed by absolute path, and
// answers time-range queries for the rule-trigger pipeline and the
// collector scheduler.
package fileindex

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/fileindex/classify"
)

// FileState is the persisted index entry for one path.
type FileState struct {
	Size        int64   `json:"size"`
	StartTimeS  float64 `json:"start_time_s"`
	EndTimeS    float64 `json:"end_time_s"`
	Unsupported bool    `json:"unsupported,omitempty"`
	IsDir       bool    `json:"is_dir,omitempty"`
	Processed   bool    `json:"processed,omitempty"`
}

// Index is the singleton file-state index. All access is protected by a
// single mutex: reads are cheap, writes lock and persist synchronously
// under the lock, matching the concurrency model in the spec.
type Index struct {
	mu          sync.Mutex
	statePath   string
	classifiers []classify.Classifier
	entries     map[string]FileState
	logger      *zap.SugaredLogger
}

// New creates an Index persisted at statePath, trying classifiers in the
// given order for every candidate path.
func New(statePath string, classifiers []classify.Classifier, logger *zap.SugaredLogger) *Index {
	idx := &Index{
		statePath:   statePath,
		classifiers: classifiers,
		entries:     map[string]FileState{},
		logger:      logger,
	}
	idx.load()
	return idx
}

func (idx *Index) load() {
	raw, err := ioutil.ReadFile(idx.statePath)
	if err != nil {
		return
	}
	var entries map[string]FileState
	if err := json.Unmarshal(raw, &entries); err != nil {
		if idx.logger != nil {
			idx.logger.Warnw("corrupt file-state index, starting empty", "err", err)
		}
		return
	}
	idx.entries = entries
}

func (idx *Index) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(idx.statePath), 0o755); err != nil {
		return errors.Wrap(err, "creating file-state index dir")
	}
	raw, err := json.Marshal(idx.entries)
	if err != nil {
		return errors.Wrap(err, "marshaling file-state index")
	}
	tmp := idx.statePath + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing file-state index")
	}
	return os.Rename(tmp, idx.statePath)
}

func (idx *Index) classifierFor(path string) classify.Classifier {
	for _, c := range idx.classifiers {
		if c.Matches(path) {
			return c
		}
	}
	return nil
}

// UpdateDir walks dir's immediate children. For each child a classifier
// matches: if the index already holds an entry with the same size, the
// child is skipped (classification is assumed stable for an unchanged
// size); otherwise ComputeState runs, with any error downgrading the entry
// to {size, unsupported:true} rather than aborting the sweep. Entries
// whose underlying path no longer exists are pruned. The whole pass is
// persisted once at the end.
func (idx *Index) UpdateDir(dir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	children, err := ioutil.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "reading directory %q", dir)
	}

	seen := map[string]bool{}
	for _, child := range children {
		path := filepath.Join(dir, child.Name())
		c := idx.classifierFor(path)
		if c == nil {
			continue
		}
		seen[path] = true

		size, err := c.Size(path)
		if err != nil {
			continue
		}
		if existing, ok := idx.entries[path]; ok && existing.Size == size {
			continue
		}

		state, err := func() (s classify.State, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("panic computing state: %v", r)
				}
			}()
			return c.ComputeState(path)
		}()
		if err != nil {
			idx.entries[path] = FileState{Size: size, Unsupported: true}
			continue
		}
		idx.entries[path] = FileState{
			Size:        state.Size,
			StartTimeS:  state.StartTimeS,
			EndTimeS:    state.EndTimeS,
			Unsupported: state.Unsupported,
			IsDir:       state.IsDir,
		}
	}

	for path := range idx.entries {
		if filepath.Dir(path) != dir {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			delete(idx.entries, path)
		}
	}

	return idx.persistLocked()
}

// GetFiles returns index entries whose parent directory is dir, that are
// not unsupported, whose is_dir flag matches wantDirs, and whose
// [start,end] overlaps [startS,endS].
func (idx *Index) GetFiles(dir string, startS, endS float64, wantDirs bool) map[string]FileState {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := map[string]FileState{}
	for path, st := range idx.entries {
		if filepath.Dir(path) != dir {
			continue
		}
		if st.Unsupported || st.IsDir != wantDirs {
			continue
		}
		if st.EndTimeS < startS || st.StartTimeS > endS {
			continue
		}
		out[path] = st
	}
	return out
}

// Get returns the current entry for path, if any.
func (idx *Index) Get(path string) (FileState, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	st, ok := idx.entries[path]
	return st, ok
}

// ClassifierFor exposes the matching classifier for path so callers (the
// rule-trigger pipeline, the materialization step) can drive
// Messages/PrepareCut without re-implementing the match order.
func (idx *Index) ClassifierFor(path string) classify.Classifier {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.classifierFor(path)
}

// StaticFileDiagnosis is invoked on matched static files only: it skips
// files that are unsupported or already processed at the current size,
// otherwise marks processed=true, persists, and runs the classifier's
// message iterator through drive (the rule-trigger pipeline).
func (idx *Index) StaticFileDiagnosis(path string, drive func(classify.MessageIterator) error) error {
	idx.mu.Lock()
	st, ok := idx.entries[path]
	if !ok || st.Unsupported || st.Processed {
		idx.mu.Unlock()
		return nil
	}
	c := idx.classifierFor(path)
	if c == nil || !c.IsStatic() {
		idx.mu.Unlock()
		return nil
	}
	st.Processed = true
	idx.entries[path] = st
	err := idx.persistLocked()
	idx.mu.Unlock()
	if err != nil {
		return err
	}

	it, err := c.Messages(path)
	if err != nil {
		return errors.Wrapf(err, "opening message stream for %q", path)
	}
	defer it.Close()

	return drive(it)
}
