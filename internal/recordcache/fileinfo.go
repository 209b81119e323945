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

// Package recordcache is the per-record on-disk unit of work (module I):
// RecordCache's data model, its deterministic key, and the state-machine
// states it can occupy. Transition logic that needs the platform client,
// the uploader, or the code limiter lives in internal/collector, which
// drives this package's types.
package recordcache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileInfo is a local file destined for upload. Sha256 only ever covers
// the first Size bytes, so appending to a file while an upload is in
// flight leaves the already-hashed prefix stable.
type FileInfo struct {
	Filepath string `json:"filepath"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Sha256   string `json:"sha256,omitempty"`
}

// NewFileInfo fills Filename from Filepath if unset.
func NewFileInfo(path string) FileInfo {
	return FileInfo{Filepath: path, Filename: filepath.Base(path)}
}

// IsCompleted reports whether every field required before upload is
// present.
func (f FileInfo) IsCompleted() bool {
	return f.Filepath != "" && f.Filename != "" && f.Sha256 != "" && f.Size > 0
}

// Complete (re)computes Filename, Size, and Sha256 for the file. When
// skipSha256 is set only Size (and Filename) are refreshed. When
// forceRehash is unset and the struct already has Size/Sha256 populated,
// those are kept as-is (the "frozen prefix" semantics): the hash always
// describes the first `Size` bytes as they were recorded, even if the file
// has since grown.
func (f FileInfo) Complete(forceRehash, skipSha256 bool, blockSize int) (FileInfo, error) {
	out := f
	if out.Filename == "" {
		out.Filename = filepath.Base(out.Filepath)
	}

	fi, err := os.Stat(out.Filepath)
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "file %q not found", out.Filepath)
	}
	if out.Size == 0 || forceRehash {
		out.Size = fi.Size()
	}

	if !skipSha256 && (out.Sha256 == "" || forceRehash) {
		sum, err := sha256Prefix(out.Filepath, out.Size, blockSize)
		if err != nil {
			return FileInfo{}, errors.Wrapf(err, "hashing %q", out.Filepath)
		}
		out.Sha256 = sum
	}
	return out, nil
}

// IsChanged reports whether the file on disk no longer matches the frozen
// size/hash recorded in f.
func (f FileInfo) IsChanged(blockSize int) bool {
	fi, err := os.Stat(f.Filepath)
	if err != nil {
		return true
	}
	if fi.Size() != f.Size {
		return true
	}
	sum, err := sha256Prefix(f.Filepath, f.Size, blockSize)
	if err != nil {
		return true
	}
	return sum != f.Sha256
}

func sha256Prefix(path string, size int64, blockSize int) (string, error) {
	if blockSize <= 0 {
		blockSize = 4096
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	var limit io.Reader = f
	if size >= 0 {
		limit = io.LimitReader(f, size)
	}
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, limit, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
