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
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/satori/uuid"
)

// recordStub is the partial record metadata a cut request seeds the
// eventual record with; empty fields are omitted exactly as
// __dump_upload_json only sets title/description/labels when truthy.
type recordStub struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type cutWindow struct {
	ExtraFiles []string `json:"extraFiles,omitempty"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
}

// cutRequest is the on-disk shape of an upload request before the
// collector's materialization pass turns it into a RecordCache -- it
// mirrors __dump_upload_json's upload_data dict exactly.
type cutRequest struct {
	Flag        bool       `json:"flag"`
	ProjectName string     `json:"projectName,omitempty"`
	Record      recordStub `json:"record"`
	Cut         cutWindow  `json:"cut"`
}

// WriteCutRequest writes one upload-intent JSON file under stateDir,
// naming it with a random UUID so concurrent rule hits never collide --
// __dump_upload_json's exact behavior, including the assertion that at
// least one of before/after carries a non-zero window.
func WriteCutRequest(stateDir, projectName string, triggerTS time.Time, before, after time.Duration, title, description string, labels, extraFiles []string) error {
	if before <= 0 && after <= 0 {
		return errors.New("before or after must be greater than 0")
	}

	req := cutRequest{
		Flag:        false,
		ProjectName: projectName,
		Record: recordStub{
			Title:       title,
			Description: description,
			Labels:      labels,
		},
		Cut: cutWindow{
			ExtraFiles: extraFiles,
			Start:      triggerTS.Add(-before).Unix(),
			End:        triggerTS.Add(after).Unix(),
		},
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return errors.Wrap(err, "creating cut request state dir")
	}
	path := filepath.Join(stateDir, uuid.NewV4().String()+".json")
	raw, err := json.MarshalIndent(req, "", "    ")
	if err != nil {
		return errors.Wrap(err, "marshaling cut request")
	}
	return ioutil.WriteFile(path, raw, 0o644)
}

// DefaultUploadFn builds an UploadFunc that translates a rule hit into a
// cut request under stateDir, reading the windowing/metadata fields a
// compiled rule's "upload" action is expected to populate on the hit.
func DefaultUploadFn(stateDir string) UploadFunc {
	return func(hit Hit, projectName string) error {
		title, _ := hit["title"].(string)
		description, _ := hit["description"].(string)
		labels := stringSlice(hit["labels"])
		extraFiles := stringSlice(hit["extraFiles"])
		before := secondsToDuration(hit["before"])
		after := secondsToDuration(hit["after"])

		triggerTS := time.Now()
		if ts, ok := hit["triggerTs"]; ok {
			if f, ok := toFloat(ts); ok {
				triggerTS = time.Unix(int64(f), 0)
			}
		}

		return WriteCutRequest(stateDir, projectName, triggerTS, before, after, title, description, labels, extraFiles)
	}
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func secondsToDuration(v any) time.Duration {
	f, ok := toFloat(v)
	if !ok {
		return 0
	}
	return time.Duration(f * float64(time.Minute))
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
