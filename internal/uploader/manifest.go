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

// Package uploader implements the resumable multipart uploader (module H):
// chunked object-store uploads with an on-disk resume manifest colocated
// with the source file.
package uploader

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const (
	// DefaultPartSize is the part size used when the caller asks for less
	// than MinPartSize; MinPartSize (5 MB) is the floor any object store's
	// multipart API enforces.
	DefaultPartSize = 6 * 1024 * 1024
	MinPartSize     = 5 * 1024 * 1024
)

// Part is one completed upload part.
type Part struct {
	PartNumber int64  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// Manifest is the on-disk resume record for one file's multipart upload,
// stored as a hidden sibling of the source file: ".{basename}_multipart.json".
type Manifest struct {
	MultipartID       string `json:"multipart_id"`
	CurrentPartNumber int64  `json:"current_part_number"`
	File              string `json:"file"`
	TotalBytes        int64  `json:"total_bytes"`
	UploadedBytes     int64  `json:"uploaded_bytes"`
	PartSize          int64  `json:"part_size"`
	Parts             []Part `json:"parts"`
}

// ManifestPath returns the hidden sibling path for file.
func ManifestPath(file string) string {
	dir := filepath.Dir(file)
	base := filepath.Base(file)
	return filepath.Join(dir, "."+base+"_multipart.json")
}

func loadManifest(file string) (*Manifest, bool) {
	raw, err := ioutil.ReadFile(ManifestPath(file))
	if err != nil {
		return nil, false
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	sort.Slice(m.Parts, func(i, j int) bool { return m.Parts[i].PartNumber < m.Parts[j].PartNumber })
	return &m, true
}

func (m *Manifest) save() error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling multipart manifest")
	}
	path := ManifestPath(m.File)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrap(err, "writing multipart manifest")
	}
	return os.Rename(tmp, path)
}
