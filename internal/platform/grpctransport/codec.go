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

package grpctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

// jsonCodec satisfies grpc/encoding.Codec, letting grpc.Invoke marshal
// plain Go values (maps, platform.* structs) instead of generated
// protobuf messages -- the platform's exact protobuf schema is outside
// this repo's scope, only the RPC surface and semantics matter here.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// httpPutFile performs a plain HTTPS PUT of localPath's contents, shared
// by the gRPC transport's UploadFile (pre-signed URLs are always plain
// HTTPS regardless of which transport issued the surrounding RPCs).
func httpPutFile(ctx context.Context, uploadURL, localPath string) error {
	data, err := ioutil.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "reading %q", localPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "uploading file")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := ioutil.ReadAll(resp.Body)
		return errors.Errorf("upload failed: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
