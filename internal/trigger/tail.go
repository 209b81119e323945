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
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/fileindex/classify"
)

// LogTailer watches a set of directories for ".log" files and emits one
// DataItem per new line, each timestamped from the line's own content
// (falling back to the file's timestamp hint). It re-scans every 5
// seconds, matching LogHandler.scan_dirs's cadence exactly.
type LogTailer struct {
	Dirs   []string
	Logger *zap.SugaredLogger

	tails map[string]*tailedFile
}

type tailedFile struct {
	offset    int64
	decode    func([]byte) string
	hint      *time.Time
	lastTS    *time.Time
	unsupported bool
}

// NewLogTailer builds a tailer over dirs, seeded at end-of-file for
// every existing match so only newly appended lines are emitted.
func NewLogTailer(dirs []string, logger *zap.SugaredLogger) *LogTailer {
	t := &LogTailer{Dirs: dirs, Logger: logger, tails: map[string]*tailedFile{}}
	t.scanOnce(true)
	return t
}

// UpdateDirs replaces the watched directory set if it actually changed.
func (t *LogTailer) UpdateDirs(dirs []string) {
	if sameSet(t.Dirs, dirs) {
		return
	}
	t.Dirs = dirs
	if t.Logger != nil {
		t.Logger.Infow("updated log tailer directories", "dirs", dirs)
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}

// Run feeds DataItems onto out every 5s until ctx is canceled, then
// closes out.
func (t *LogTailer) Run(ctx context.Context, out chan<- DataItem) {
	defer close(out)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		t.scanAndEmit(out)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *LogTailer) scanOnce(seedAtEnd bool) {
	for _, dir := range t.Dirs {
		t.discoverNewFiles(dir, seedAtEnd)
	}
}

func (t *LogTailer) discoverNewFiles(dir string, seedAtEnd bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		abs := filepath.Join(dir, entry.Name())
		if _, ok := t.tails[abs]; ok {
			continue
		}
		if t.Logger != nil {
			t.Logger.Infow("new log file found", "path", abs)
		}
		decode, err := classify.DetectFileEncoding(abs)
		if err != nil {
			t.tails[abs] = &tailedFile{unsupported: true}
			continue
		}
		hint := classify.TimestampHint(abs, decode)
		tf := &tailedFile{decode: decode, hint: hint}
		if seedAtEnd {
			if info, err := os.Stat(abs); err == nil {
				tf.offset = info.Size()
			}
		}
		t.tails[abs] = tf
	}
}

// scanAndEmit discovers any new files, then reads and emits every
// appended line across all tracked files.
func (t *LogTailer) scanAndEmit(out chan<- DataItem) {
	for _, dir := range t.Dirs {
		t.discoverNewFiles(dir, false)
	}

	for path, tf := range t.tails {
		if tf.unsupported {
			continue
		}
		lines, newOffset, err := readNewLines(path, tf.offset)
		if err != nil {
			if os.IsNotExist(err) {
				if t.Logger != nil {
					t.Logger.Warnw("log file not found, might be deleted", "path", path)
				}
				delete(t.tails, path)
			}
			continue
		}
		tf.offset = newOffset
		for _, line := range lines {
			decoded := tf.decode([]byte(line))
			if ts, ok := classify.ResolveLineTimestamp(decoded, tf.hint); ok {
				tf.lastTS = &ts
			}
			if tf.lastTS == nil {
				continue
			}
			out <- DataItem{
				LogLine: decoded,
				TimeS:   float64(tf.lastTS.Unix()),
				MsgType: "foxglove.Log",
				Topic:   path,
			}
		}
	}
}

func readNewLines(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var lines []string
	r := bufio.NewReader(f)
	pos := offset
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 && strings.HasSuffix(line, "\n") {
			lines = append(lines, strings.TrimRight(line, "\n"))
			pos += int64(len(line))
		}
		if err != nil {
			break
		}
	}
	return lines, pos, nil
}
